// Tests for the device-info record and IDENTIFY decoding
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devinfo

import "testing"

func TestIdentifySizeRoundTrip(t *testing.T) {
	id := &Identify{}
	copy(id.ModelNumber[:], swapASCII([]byte("ST1000DM  003-1CH162            ")))
	copy(id.SerialNumber[:], swapASCII([]byte("Z1D5ABCD            ")))

	raw := id.Bytes()
	if len(raw) != IdentifySize {
		t.Fatalf("Bytes() len = %d, want %d", len(raw), IdentifySize)
	}

	got, err := ParseIdentify(raw)
	if err != nil {
		t.Fatalf("ParseIdentify: %v", err)
	}

	if got.ModelString() != "ST1000DM  003-1CH162" {
		t.Errorf("ModelString = %q", got.ModelString())
	}
}

func TestLBA48CapacitySelection(t *testing.T) {
	id := &Identify{
		CommandSet83: 1 << 10,
		LBA28Sectors: 0xFFFFFFF, // maxed 28-bit value
		LBA48Sectors: 0x100000000,
	}

	if !id.LBA48Capable() {
		t.Fatalf("expected LBA48Capable")
	}

	if got := id.TotalSectors(); got != id.LBA48Sectors {
		t.Errorf("TotalSectors = %#x, want %#x", got, id.LBA48Sectors)
	}
}

func TestDevicePathRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		d    Device
		kind DevicePathKind
	}{
		{"ide primary master", Device{Port: 0, PortMultiplier: NoPortMultiplier}, PathATAPI},
		{"ide secondary slave", Device{Port: 3, PortMultiplier: NoPortMultiplier}, PathATAPI},
		{"ahci no pm", Device{Port: 2, PortMultiplier: NoPortMultiplier}, PathSATA},
		{"ahci with pm", Device{Port: 1, PortMultiplier: 4}, PathSATA},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := BuildDevicePath(&c.d, c.kind)
			port, pm := path.Device()

			if port != c.d.Port || pm != c.d.PortMultiplier {
				t.Errorf("round trip = (%d, %d), want (%d, %d)", port, pm, c.d.Port, c.d.PortMultiplier)
			}
		})
	}
}

func TestUDMAModeSelection(t *testing.T) {
	id := &Identify{UDMAModes: 0x003f} // modes 0-5 supported
	mode, ok := id.UDMAMode()

	if !ok || mode != 5 {
		t.Errorf("UDMAMode = (%d, %v), want (5, true)", mode, ok)
	}
}
