// Device-info record
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package devinfo holds the types shared across engines and the
// pass-through façade: the per-device enumeration record, the IDENTIFY
// decoder, the ATA command/status block, and device-path node encoding.
package devinfo

// Kind classifies a device discovered during enumeration.
type Kind int

const (
	KindUnknown Kind = iota
	KindHardDisk
	KindCDROM
	KindPortMultiplier
)

func (k Kind) String() string {
	switch k {
	case KindHardDisk:
		return "hard-disk"
	case KindCDROM:
		return "cd-rom"
	case KindPortMultiplier:
		return "port-multiplier"
	default:
		return "unknown"
	}
}

// Device is the per-device-info record kept in insertion order by the
// pass-through instance.
type Device struct {
	// Port is the IDE channel/device pair or the AHCI HBA port.
	Port int
	// PortMultiplier is the SATA port-multiplier port, or -1 when none.
	PortMultiplier int
	Kind           Kind
	Identify       Identify

	// SMARTAboveThreshold records the SMART-RETURN-STATUS outcome taken
	// during enumeration, when the SMART bring-up is enabled: true means
	// the device reported a threshold-exceeded condition.
	SMARTAboveThreshold bool
}

// TargetLUN packs (Port, PortMultiplier) into the byte[0], byte[1]
// encoding the SCSI-ext pass-through surface uses for its 16-byte target
// array.
func (d *Device) TargetLUN() (target [16]byte, lun uint64) {
	target[0] = byte(d.Port)

	if d.PortMultiplier < 0 {
		target[1] = 0xff
	} else {
		target[1] = byte(d.PortMultiplier)
	}

	return target, 0
}
