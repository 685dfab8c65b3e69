// AHCI ATAPI packet execution and sense-data recovery
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"time"

	"github.com/usbarmory/atahost/devinfo"
)

// ATAPI packet-command commands/constants.
const (
	ataCommandPacket = 0xa0

	atapiMaxByteCount = 0xfffe

	atapiCmdReadCapacity = 0x25
	atapiCmdRequestSense = 0x03

	senseBlockSize  = 18
	senseKeyNoSense = 0x00

	readCapacityRetries = 5
)

// ATAPIResult is returned by ExecutePacket: the bytes transferred, and any
// sense data collected after a failure.
type ATAPIResult struct {
	BytesTransferred int
	Sense            []byte
}

// atapiCommand issues one PACKET command: Features "no OVL, no DMA" and the
// byte-count limit programmed into CylinderLow/High so the device picks its
// own per-drain word count.
func (c *Controller) atapiCommand(p *Port, cdb []byte, dir dataDir, data []byte, timeout time.Duration) (result, error) {
	cb := devinfo.CommandBlock{
		Command:  ataCommandPacket,
		Features: 0x00,
		LBAMid:   byte(atapiMaxByteCount & 0xff),
		LBAHigh:  byte(atapiMaxByteCount >> 8),
	}

	cmd := command{cb: cb, atapi: cdb, dir: dir, data: data, timeout: timeout}

	return c.execute(p, cmd)
}

// atapiRequestSense issues REQUEST SENSE in a loop, appending one 18-byte
// sense block per call, until the sense key is NO-SENSE or maxBlocks have
// been collected.
func (c *Controller) atapiRequestSense(p *Port, maxBlocks int) ([]byte, error) {
	var out []byte

	for len(out) < maxBlocks*senseBlockSize {
		cdb := []byte{atapiCmdRequestSense, 0, 0, 0, senseBlockSize, 0, 0, 0, 0, 0, 0, 0}
		buf := make([]byte, senseBlockSize)

		if _, err := c.atapiCommand(p, cdb, dataIn, buf, time.Second); err != nil {
			return out, err
		}

		out = append(out, buf...)

		if buf[2]&0x0f == senseKeyNoSense {
			break
		}
	}

	return out, nil
}

// executePacket runs one ATAPI command to completion: READ CAPACITY is
// retried up to 5 times on failure; any command that fails and is given
// sense-buffer capacity is followed by a REQUEST SENSE loop.
func (c *Controller) executePacket(p *Port, cdb []byte, dir dataDir, data []byte, senseCap int) (ATAPIResult, error) {
	attempts := 1
	if len(cdb) > 0 && cdb[0] == atapiCmdReadCapacity {
		attempts = readCapacityRetries
	}

	var (
		res result
		err error
	)

	for i := 0; i < attempts; i++ {
		res, err = c.atapiCommand(p, cdb, dir, data, time.Second)
		if err == nil {
			return ATAPIResult{BytesTransferred: res.bytesTransferred}, nil
		}
	}

	if senseCap <= 0 {
		return ATAPIResult{}, err
	}

	sense, senseErr := c.atapiRequestSense(p, senseCap/senseBlockSize)
	if senseErr != nil {
		return ATAPIResult{Sense: sense}, senseErr
	}

	return ATAPIResult{Sense: sense}, err
}
