// IDE port-addressed ExecutePacket surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
)

// Direction distinguishes a read-type packet transfer from a write-type
// one, exported as an alias so callers outside this package (the
// pass-through façade) can name it without reaching into unexported types.
type Direction = dataDir

const (
	DataIn  Direction = dataIn
	DataOut Direction = dataOut
)

// ATAPI sense-retry constants, mirroring ahci's ExecutePacket.
const (
	ideAtapiCmdReadCapacity = 0x25
	ideAtapiCmdRequestSense = 0x03
	ideSenseBlockSize       = 18
	ideSenseKeyNoSense      = 0x00
	ideReadCapacityRetries  = 5
)

// ATAPIResult is returned by Controller.ExecutePacket: the bytes
// transferred, and any sense data collected after a failure.
type ATAPIResult struct {
	BytesTransferred int
	Sense            []byte
}

// requestSense issues REQUEST SENSE in a loop on (channel, device),
// appending one 18-byte sense block per call, until the sense key is
// NO-SENSE or maxBlocks have been collected, mirroring ahci's
// atapiRequestSense.
func (c *Controller) requestSense(ch *Channel, device, maxBlocks int) ([]byte, error) {
	var out []byte

	for len(out) < maxBlocks*ideSenseBlockSize {
		cdb := []byte{ideAtapiCmdRequestSense, 0, 0, 0, ideSenseBlockSize, 0, 0, 0, 0, 0, 0, 0}
		buf := make([]byte, ideSenseBlockSize)

		if _, err := ch.ExecutePacket(device, cdb, DataIn, buf, time.Second); err != nil {
			return out, err
		}

		out = append(out, buf...)

		if buf[2]&0x0f == ideSenseKeyNoSense {
			break
		}
	}

	return out, nil
}

// ExecutePacket runs one ATAPI command to completion; port is the
// pass-through port number, decomposed into (channel, device) here.
// READ CAPACITY is retried up to 5 times on failure; any command that
// fails and is given sense-buffer capacity is followed by a REQUEST SENSE
// loop, for parity with ahci.Controller.ExecutePacket.
func (c *Controller) ExecutePacket(port int, cdb []byte, dir Direction, data []byte, senseCap int, timeout time.Duration) (ATAPIResult, error) {
	channel, device := port/2, port%2

	if channel < 0 || channel >= len(c.channels) || c.channels[channel] == nil {
		return ATAPIResult{}, fmt.Errorf("ide: channel %d not present: %w", channel, ataerr.InvalidParameter)
	}
	ch := c.channels[channel]

	attempts := 1
	if len(cdb) > 0 && cdb[0] == ideAtapiCmdReadCapacity {
		attempts = ideReadCapacityRetries
	}

	var (
		n   int
		err error
	)

	for i := 0; i < attempts; i++ {
		n, err = ch.ExecutePacket(device, cdb, dir, data, timeout)
		if err == nil {
			return ATAPIResult{BytesTransferred: n}, nil
		}
	}

	if senseCap <= 0 {
		return ATAPIResult{}, err
	}

	sense, senseErr := c.requestSense(ch, device, senseCap/ideSenseBlockSize)
	if senseErr != nil {
		return ATAPIResult{Sense: sense}, senseErr
	}

	return ATAPIResult{Sense: sense}, err
}
