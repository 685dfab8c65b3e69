// ATA IDENTIFY DEVICE / IDENTIFY PACKET DEVICE decoding
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devinfo

import (
	"bytes"
	"encoding/binary"
)

// Identify mirrors the 512-byte / 256-word ATA IDENTIFY DEVICE (and
// IDENTIFY PACKET DEVICE) response buffer. Only the words the engines and
// pass-through surface actually consult are named, everything else is
// explicit padding so the struct remains exactly 256 words wide. ATA
// strings store two ASCII characters per word, byte-swapped.
type Identify struct {
	GeneralConfig         uint16     // word 0: bit 15 clear = ATA, set = ATAPI
	_                     uint16     // word 1: legacy cylinders
	_                     uint16     // word 2
	HeadsLegacy           uint16     // word 3: legacy CHS heads
	_                     [2]uint16  // words 4-5
	SectorsPerTrackLegacy uint16     // word 6: legacy CHS sectors per track
	_                     [3]uint16  // words 7-9
	SerialNumber          [20]byte   // words 10-19
	_                     [3]uint16  // words 20-22
	FirmwareRev           [8]byte    // words 23-26
	ModelNumber           [40]byte   // words 27-46
	MaxMultiple           uint16     // word 47: bits 7-0, max sectors per SET MULTIPLE MODE
	_                     uint16     // word 48
	Capabilities          uint16     // word 49: bit 9 LBA supported, bit 8 DMA supported
	_                     [3]uint16  // words 50-52
	FieldValidity         uint16     // word 53: bit 1 words 64-70 valid, bit 2 word 88 valid
	_                     [5]uint16  // words 54-58
	MultiSector           uint16     // word 59: bit 8 valid, bits 7-0 current multi-sector count
	LBA28Sectors          uint32     // words 60-61
	_                     uint16     // word 62
	MultiwordDMA          uint16     // word 63: low byte supported modes, high byte selected mode
	PIOModes              uint16     // word 64: flow-control PIO modes supported
	_                     [15]uint16 // words 65-79
	MajorVersion          uint16     // word 80
	MinorVersion          uint16     // word 81
	CommandSet82          uint16     // word 82: bit 0 SMART supported
	CommandSet83          uint16     // word 83: bit 10 LBA48 supported
	CommandSet84          uint16     // word 84
	CommandSet85          uint16     // word 85: bit 0 SMART enabled
	CommandSet86          uint16     // word 86: bit 10 LBA48 enabled
	CommandSet87          uint16     // word 87
	UDMAModes             uint16     // word 88: low byte supported modes, high byte selected mode
	_                     [11]uint16 // words 89-99
	LBA48Sectors          uint64     // words 100-103
	_                     [2]uint16  // words 104-105
	SectorSize            uint16     // word 106: bit 12 logical sector size > 256 words, bit 13 multiple logical/physical
	_                     uint16     // word 107
	WWN                   [4]uint16  // words 108-111
	_                     [5]uint16  // words 112-116
	LogicalSectorWords    uint32     // words 117-118: logical sector size in words, when word106 bit 12 set
	_                     [98]uint16 // words 119-216
	RotationRate          uint16     // word 217
	_                     [4]uint16  // words 218-221
	TransportMajor        uint16     // word 222
	_                     [33]uint16 // words 223-255
}

// IdentifySize is the fixed on-the-wire size of an IDENTIFY response.
const IdentifySize = 512

// swapASCII swaps each pair of bytes, the convention ATA uses to store
// ASCII strings two characters per 16-bit word.
func swapASCII(b []byte) []byte {
	out := make([]byte, len(b))

	for i := 0; i+1 < len(b); i += 2 {
		out[i], out[i+1] = b[i+1], b[i]
	}

	return out
}

// ModelString returns the trimmed, byte-order-corrected model number.
func (id *Identify) ModelString() string {
	return string(bytes.TrimSpace(bytes.TrimRight(swapASCII(id.ModelNumber[:]), "\x00")))
}

// SerialString returns the trimmed, byte-order-corrected serial number.
func (id *Identify) SerialString() string {
	return string(bytes.TrimSpace(swapASCII(id.SerialNumber[:])))
}

// FirmwareString returns the trimmed, byte-order-corrected firmware
// revision.
func (id *Identify) FirmwareString() string {
	return string(bytes.TrimSpace(swapASCII(id.FirmwareRev[:])))
}

// IsATAPI reports whether word 0 bit 15 marks this as an ATAPI device
// rather than an ATA one.
func (id *Identify) IsATAPI() bool {
	return id.GeneralConfig&0x8000 != 0
}

// LBA48Capable reports whether the device supports 48-bit addressing
// (word 83 bit 10).
func (id *Identify) LBA48Capable() bool {
	return id.CommandSet83&(1<<10) != 0
}

// SMARTSupported reports word 82 bit 0.
func (id *Identify) SMARTSupported() bool {
	return id.CommandSet82&1 != 0
}

// TotalSectors returns the device's addressable sector count, preferring
// the 48-bit field when the device is LBA48 capable and it holds a value
// larger than the 28-bit field.
func (id *Identify) TotalSectors() uint64 {
	if id.LBA48Capable() && id.LBA48Sectors > uint64(id.LBA28Sectors) {
		return id.LBA48Sectors
	}

	return uint64(id.LBA28Sectors)
}

// SectorSizeBytes returns the logical sector size, defaulting to 512
// when word 106 does not advertise an explicit logical sector size.
func (id *Identify) SectorSizeBytes() uint32 {
	if id.SectorSize&0xc000 == 0x4000 && id.SectorSize&(1<<12) != 0 {
		return id.LogicalSectorWords * 2
	}

	return 512
}

// UDMAMode returns the highest UDMA mode the device advertises support for
// (word 88 low byte) and whether any UDMA mode is valid at all.
func (id *Identify) UDMAMode() (mode int, ok bool) {
	supported := id.UDMAModes & 0xff

	for m := 6; m >= 0; m-- {
		if supported&(1<<uint(m)) != 0 {
			return m, true
		}
	}

	return 0, false
}

// MultiwordDMAMode returns the highest multiword DMA mode the device
// advertises support for (word 63 low byte).
func (id *Identify) MultiwordDMAMode() (mode int, ok bool) {
	supported := id.MultiwordDMA & 0xff

	for m := 2; m >= 0; m-- {
		if supported&(1<<uint(m)) != 0 {
			return m, true
		}
	}

	return 0, false
}

// PIOMode returns the highest flow-controlled PIO mode (3 or 4) the device
// advertises via word 64, when word 53 bit 1 marks the field valid.
func (id *Identify) PIOMode() (mode int, ok bool) {
	if id.FieldValidity&(1<<1) == 0 {
		return 0, false
	}

	supported := id.PIOModes & 0x3

	for m := 1; m >= 0; m-- {
		if supported&(1<<uint(m)) != 0 {
			return m + 3, true
		}
	}

	return 0, false
}

// LegacyHeads returns word 3, the legacy CHS head count, consulted by
// INIT-DRIVE-PARAMETERS.
func (id *Identify) LegacyHeads() byte {
	return byte(id.HeadsLegacy)
}

// LegacySectorsPerTrack returns word 6, the legacy CHS sectors-per-track
// count, consulted by INIT-DRIVE-PARAMETERS.
func (id *Identify) LegacySectorsPerTrack() byte {
	return byte(id.SectorsPerTrackLegacy)
}

// MultipleSectorCount returns the low byte of word 59 when valid (bit 8),
// the current READ/WRITE MULTIPLE block count, consulted by
// SET-MULTIPLE-MODE.
func (id *Identify) MultipleSectorCount() byte {
	if id.MultiSector&(1<<8) == 0 {
		return 0
	}

	return byte(id.MultiSector & 0xff)
}

// Bytes serializes Identify back into its 512-byte wire form, used by test
// fixtures that construct a synthetic IDENTIFY response.
func (id *Identify) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, id)
	return buf.Bytes()
}

// ParseIdentify decodes a 512-byte IDENTIFY response.
func ParseIdentify(raw []byte) (*Identify, error) {
	if len(raw) != IdentifySize {
		return nil, errIdentifySize(len(raw))
	}

	id := &Identify{}

	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, id); err != nil {
		return nil, err
	}

	return id, nil
}
