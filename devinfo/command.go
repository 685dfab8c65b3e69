// ATA command block / status block
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devinfo

// CommandBlock is the ATA command block: 12 register-aligned fields,
// serialized in this order into the H2D FIS
// (AHCI) or written to the per-register FIFO (IDE) without reordering.
type CommandBlock struct {
	Command        byte
	Features       byte
	FeaturesExp    byte
	SectorCount    byte
	SectorCountExp byte
	LBALow         byte
	LBALowExp      byte
	LBAMid         byte
	LBAMidExp      byte
	LBAHigh        byte
	LBAHighExp     byte
	Device         byte
}

// StatusBlock mirrors the device's status/error/LBA/count registers after
// the final poll, in the documented dump order. On AHCI it is
// populated from the received-FIS area; on IDE from a final register read.
type StatusBlock struct {
	Status      byte
	Error       byte
	SectorCount byte
	LBALow      byte
	LBAMid      byte
	LBAHigh     byte
	Device      byte
}

// Status register bits shared by the AHCI TFD shadow and the IDE status
// register.
const (
	StatusERR  = 1 << 0
	StatusDRQ  = 1 << 3
	StatusDF   = 1 << 5
	StatusDRDY = 1 << 6
	StatusBSY  = 1 << 7
)

// HasError reports whether the status block's status byte latches ERR or
// DF, the condition reported as ataerr.DeviceError.
func (s StatusBlock) HasError() bool {
	return s.Status&(StatusERR|StatusDF) != 0
}
