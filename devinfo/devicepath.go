// ATAPI/SATA device-path node encode/decode
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devinfo

// NoPortMultiplier is the sentinel stored internally for "no port
// multiplier present", lifted to 0xFFFF on the SATA device-path node.
const NoPortMultiplier = -1

// DevicePathKind distinguishes the two device-path node forms.
type DevicePathKind int

const (
	// PathATAPI is emitted for IDE devices: ATAPI(primary-secondary,
	// slave-master, lun).
	PathATAPI DevicePathKind = iota
	// PathSATA is emitted for AHCI devices: SATA(hba-port,
	// port-multiplier-port-or-0xFFFF, lun).
	PathSATA
)

// DevicePath is a single device-path node, in either of the two forms.
type DevicePath struct {
	Kind DevicePathKind

	// ATAPI form.
	PrimarySecondary uint16
	SlaveMaster      uint16

	// SATA form.
	HBAPort        uint16
	PortMultiplier uint16 // 0xFFFF when the device has no port multiplier

	LUN uint16
}

// BuildDevicePath translates a device record into its device-path node.
// kind selects which form to emit; callers
// pick IDE vs AHCI based on the owning engine's mode.
func BuildDevicePath(d *Device, kind DevicePathKind) DevicePath {
	if kind == PathATAPI {
		return DevicePath{
			Kind:             PathATAPI,
			PrimarySecondary: uint16(d.Port / 2),
			SlaveMaster:      uint16(d.Port % 2),
		}
	}

	pm := uint16(0xffff)
	if d.PortMultiplier >= 0 {
		pm = uint16(d.PortMultiplier)
	}

	return DevicePath{
		Kind:           PathSATA,
		HBAPort:        uint16(d.Port),
		PortMultiplier: pm,
	}
}

// Device translates a device-path node back to a (port, portMultiplier)
// pair, the inverse of BuildDevicePath.
func (p DevicePath) Device() (port int, portMultiplier int) {
	if p.Kind == PathATAPI {
		return int(p.PrimarySecondary)*2 + int(p.SlaveMaster), NoPortMultiplier
	}

	pm := NoPortMultiplier
	if p.PortMultiplier != 0xffff {
		pm = int(p.PortMultiplier)
	}

	return int(p.HBAPort), pm
}
