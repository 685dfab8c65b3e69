// Tests for the pass-through façade
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package passthru

import (
	"fmt"
	"testing"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// fakeEngine is a hand-rolled engine double: no hardware, no pciio/fake
// backing store needed since passthru never touches registers directly.
type fakeEngine struct {
	devs []devinfo.Device

	executeErr error
	resetCalls []int
}

func (f *fakeEngine) init(time.Duration) error { return nil }
func (f *fakeEngine) stop() error              { return nil }

func (f *fakeEngine) execute(port int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error) {
	if f.executeErr != nil {
		return devinfo.StatusBlock{}, 0, f.executeErr
	}

	return devinfo.StatusBlock{}, len(data), nil
}

func (f *fakeEngine) executePacket(port int, cdb []byte, dir Direction, data []byte, senseCap int, timeout time.Duration) (packetResult, error) {
	return packetResult{bytesTransferred: len(data)}, f.executeErr
}

func (f *fakeEngine) resetPort(port int) error {
	f.resetCalls = append(f.resetCalls, port)
	return nil
}

func (f *fakeEngine) devices() []devinfo.Device { return f.devs }

func newTestDevice(port, pm int, kind devinfo.Kind) devinfo.Device {
	return devinfo.Device{Port: port, PortMultiplier: pm, Kind: kind}
}

func TestBuildDevicePathGetDeviceRoundTrip(t *testing.T) {
	perMode := map[Mode][]devinfo.Device{
		// IDE addressing has no port-multiplier concept: every device
		// carries NoPortMultiplier.
		ModeIDE: {
			newTestDevice(0, devinfo.NoPortMultiplier, devinfo.KindHardDisk),
			newTestDevice(3, devinfo.NoPortMultiplier, devinfo.KindCDROM),
		},
		ModeAHCI: {
			newTestDevice(0, devinfo.NoPortMultiplier, devinfo.KindHardDisk),
			newTestDevice(3, 2, devinfo.KindHardDisk),
		},
	}

	for mode, devs := range perMode {
		p := &Passthru{mode: mode, eng: &fakeEngine{devs: devs}}

		for _, d := range devs {
			path, err := p.BuildDevicePath(d.Port, d.PortMultiplier)
			if err != nil {
				t.Fatalf("BuildDevicePath: %v", err)
			}

			got, err := p.GetDevice(path)
			if err != nil {
				t.Fatalf("GetDevice: %v", err)
			}

			if got.Port != d.Port || got.PortMultiplier != d.PortMultiplier {
				t.Errorf("mode %v: round trip (%d,%d) -> (%d,%d), want identity", mode, d.Port, d.PortMultiplier, got.Port, got.PortMultiplier)
			}
		}
	}
}

func TestGetNextPortRestartIsIdempotent(t *testing.T) {
	devs := []devinfo.Device{
		newTestDevice(1, devinfo.NoPortMultiplier, devinfo.KindHardDisk),
		newTestDevice(0, devinfo.NoPortMultiplier, devinfo.KindCDROM),
	}

	p := &Passthru{mode: ModeAHCI, eng: &fakeEngine{devs: devs}}

	first, err := p.GetNextPort(restartPort)
	if err != nil {
		t.Fatalf("GetNextPort(restart): %v", err)
	}

	second, err := p.GetNextPort(restartPort)
	if err != nil {
		t.Fatalf("GetNextPort(restart) again: %v", err)
	}

	if first != second {
		t.Errorf("first = %d, second = %d, want equal", first, second)
	}

	if first != 1 {
		t.Errorf("first port = %d, want 1 (insertion order)", first)
	}
}

func TestGetNextPortRejectsUnknownCursor(t *testing.T) {
	p := &Passthru{mode: ModeAHCI, eng: &fakeEngine{devs: []devinfo.Device{newTestDevice(0, devinfo.NoPortMultiplier, devinfo.KindHardDisk)}}}

	if _, err := p.GetNextPort(7); err == nil {
		t.Fatal("expected invalid-parameter for a cursor never returned")
	} else if ataerr.Kind(err) != ataerr.InvalidParameter {
		t.Errorf("Kind(err) = %v, want InvalidParameter", ataerr.Kind(err))
	}
}

func TestPassThruIdentifyReturnsCachedBuffer(t *testing.T) {
	id := &devinfo.Identify{}
	id.ModelNumber = [40]byte{}
	copy(id.ModelNumber[:], []byte("AA TT AA TT AA TT AA TT AA TT AA TT AA  "))

	dev := devinfo.Device{Port: 0, PortMultiplier: devinfo.NoPortMultiplier, Kind: devinfo.KindHardDisk, Identify: *id}

	p := &Passthru{mode: ModeAHCI, eng: &fakeEngine{devs: []devinfo.Device{dev}}}

	pkt := &Packet{
		CommandBlock: devinfo.CommandBlock{Command: ataCommandIdentifyDevice},
		Protocol:     ProtocolPIOIn,
		Data:         make([]byte, devinfo.IdentifySize),
	}

	if err := p.PassThru(0, devinfo.NoPortMultiplier, pkt, nil); err != nil {
		t.Fatalf("PassThru: %v", err)
	}

	want := dev.Identify.Bytes()
	if pkt.BytesTransferred != len(want) {
		t.Fatalf("BytesTransferred = %d, want %d", pkt.BytesTransferred, len(want))
	}

	for i := range want {
		if pkt.Data[i] != want[i] {
			t.Fatalf("Data[%d] = %#x, want %#x (cached IDENTIFY buffer mismatch)", i, pkt.Data[i], want[i])
		}
	}
}

func TestTickDrainsQueueOnFailure(t *testing.T) {
	eng := &fakeEngine{executeErr: fmt.Errorf("injected: %w", ataerr.DeviceError)}
	p := &Passthru{mode: ModeAHCI, eng: eng}

	ev1, ev2 := NewEvent(), NewEvent()

	pkt1 := &Packet{Protocol: ProtocolNonData}
	pkt2 := &Packet{Protocol: ProtocolNonData}

	if err := p.PassThru(0, devinfo.NoPortMultiplier, pkt1, ev1); err != nil {
		t.Fatalf("PassThru task 1: %v", err)
	}
	if err := p.PassThru(0, devinfo.NoPortMultiplier, pkt2, ev2); err != nil {
		t.Fatalf("PassThru task 2: %v", err)
	}

	p.Tick()

	status1, ok1 := ev1.Done()
	status2, ok2 := ev2.Done()

	if !ok1 || !ok2 {
		t.Fatal("expected both events signalled after one failing Tick drains the queue")
	}
	if status1 != 0x01 || status2 != 0x01 {
		t.Errorf("statuses = %#x, %#x, want 0x01, 0x01", status1, status2)
	}

	p.mu.Lock()
	remaining := len(p.tasks)
	p.mu.Unlock()

	if remaining != 0 {
		t.Errorf("remaining tasks = %d, want 0 after drain", remaining)
	}
}

func TestTickSucceedsAndSignalsEvent(t *testing.T) {
	eng := &fakeEngine{}
	p := &Passthru{mode: ModeAHCI, eng: eng}

	ev := NewEvent()
	pkt := &Packet{Protocol: ProtocolNonData}

	if err := p.PassThru(0, devinfo.NoPortMultiplier, pkt, ev); err != nil {
		t.Fatalf("PassThru: %v", err)
	}

	p.Tick()

	status, ok := ev.Done()
	if !ok {
		t.Fatal("expected event signalled after a successful Tick")
	}
	if status != 0x00 {
		t.Errorf("status = %#x, want 0x00", status)
	}
}

func TestResetPortDelegatesToEngine(t *testing.T) {
	eng := &fakeEngine{}
	p := &Passthru{mode: ModeAHCI, eng: eng}

	if err := p.ResetPort(2); err != nil {
		t.Fatalf("ResetPort: %v", err)
	}

	if len(eng.resetCalls) != 1 || eng.resetCalls[0] != 2 {
		t.Errorf("resetCalls = %v, want [2]", eng.resetCalls)
	}
}
