// IDE command-issue preamble
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"time"

	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/internal/reg"
)

// dataDir names which direction, if any, a command moves data.
type dataDir int

const (
	dataNone dataDir = iota
	dataIn
	dataOut
)

// postCommandStall is the mandatory delay after writing the command
// register.
const postCommandStall = 400 * time.Microsecond

// commandBlockPair is one (exp, cur) register pair of the 2-byte FIFO the
// preamble pushes, in register-aligned order.
type commandBlockPair struct {
	offset   uint32
	exp, cur byte
}

// issuePreamble runs the command-issue preamble shared by every ATA
// command on this channel: wait BSY clear, select the device, wait DRQ
// clear, push the 2-byte-FIFO parameter pairs then the command byte, then
// stall 400us.
func (ch *Channel) issuePreamble(device int, cb devinfo.CommandBlock, timeout time.Duration) error {
	if err := reg.WaitUntilSet8(ch.clock, ch.io, ch.regs.commandBase+regCommand, devinfo.StatusBSY, 0, timeout); err != nil {
		return err
	}

	head := 0xe0 | byte(device<<4) | (cb.Device & 0x0f)
	if err := ch.io.Write8(ch.regs.commandBase+regDeviceHead, head); err != nil {
		return err
	}

	if err := reg.WaitUntilSet8(ch.clock, ch.io, ch.regs.commandBase+regCommand, devinfo.StatusDRQ, 0, timeout); err != nil {
		return err
	}

	pairs := []commandBlockPair{
		{regFeatures, cb.FeaturesExp, cb.Features},
		{regSectorCount, cb.SectorCountExp, cb.SectorCount},
		{regSectorNum, cb.LBALowExp, cb.LBALow},
		{regCylLow, cb.LBAMidExp, cb.LBAMid},
		{regCylHigh, cb.LBAHighExp, cb.LBAHigh},
	}

	for _, p := range pairs {
		if err := ch.io.Write8(ch.regs.commandBase+p.offset, p.exp); err != nil {
			return err
		}
		if err := ch.io.Write8(ch.regs.commandBase+p.offset, p.cur); err != nil {
			return err
		}
	}

	if err := ch.io.Write8(ch.regs.commandBase+regCommand, cb.Command); err != nil {
		return err
	}

	ch.clock.Stall(postCommandStall)

	return nil
}

// readStatusBlock reads the status/error/LBA/count registers once more in
// the documented dump order, populating an ATA status block on IDE.
func (ch *Channel) readStatusBlock() (devinfo.StatusBlock, error) {
	var sb devinfo.StatusBlock
	var err error

	if sb.Status, err = ch.readStatus(); err != nil {
		return sb, err
	}
	if sb.Error, err = ch.io.Read8(ch.regs.commandBase + regFeatures); err != nil {
		return sb, err
	}
	if sb.SectorCount, err = ch.io.Read8(ch.regs.commandBase + regSectorCount); err != nil {
		return sb, err
	}
	if sb.LBALow, err = ch.io.Read8(ch.regs.commandBase + regSectorNum); err != nil {
		return sb, err
	}
	if sb.LBAMid, err = ch.io.Read8(ch.regs.commandBase + regCylLow); err != nil {
		return sb, err
	}
	if sb.LBAHigh, err = ch.io.Read8(ch.regs.commandBase + regCylHigh); err != nil {
		return sb, err
	}
	sb.Device, err = ch.io.Read8(ch.regs.commandBase + regDeviceHead)

	return sb, err
}
