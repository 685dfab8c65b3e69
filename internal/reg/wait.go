// Polled register wait helpers
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/pciio"
)

// pollGranularity bounds how long a polling iteration may block.
const pollGranularity = 100 * time.Microsecond

// WaitUntilSetErr is returned when a polled wait exceeds its timeout.
type WaitUntilSetErr struct {
	Offset uint32
	Mask   uint32
	Want   uint32
	Got    uint32
}

func (e *WaitUntilSetErr) Error() string {
	return fmt.Sprintf("reg: timeout waiting for offset %#x & %#x == %#x (last read %#x): %v", e.Offset, e.Mask, e.Want, e.Got, ataerr.Timeout)
}

// Unwrap lets callers classify a wait timeout with errors.Is(err, ataerr.Timeout).
func (e *WaitUntilSetErr) Unwrap() error { return ataerr.Timeout }

// WaitUntilSet32 loops at 100us granularity checking that
// (read(offset) & mask) == val. timeout == 0
// means "infinite" and is honored even when c is a cooperative scheduler
// clock (there is no separate blocking primitive here, the loop simply
// never gives up).
func WaitUntilSet32(c clock.Clock, io pciio.IO, offset uint32, mask uint32, val uint32, timeout time.Duration) error {
	start := c.Now()

	for {
		got, err := io.Read32(offset)
		if err != nil {
			return err
		}

		if got&mask == val {
			return nil
		}

		if timeout != 0 && c.Now().Sub(start) >= timeout {
			return &WaitUntilSetErr{Offset: offset, Mask: mask, Want: val, Got: got}
		}

		c.Stall(pollGranularity)
	}
}

// WaitUntilSet16 is the 16-bit-register counterpart of WaitUntilSet32, used
// by the UHCI engine's USBSTS/USBCMD waits.
func WaitUntilSet16(c clock.Clock, io pciio.IO, offset uint32, mask uint16, val uint16, timeout time.Duration) error {
	start := c.Now()

	for {
		got, err := io.Read16(offset)
		if err != nil {
			return err
		}

		if got&mask == val {
			return nil
		}

		if timeout != 0 && c.Now().Sub(start) >= timeout {
			return &WaitUntilSetErr{Offset: offset, Mask: uint32(mask), Want: uint32(val), Got: uint32(got)}
		}

		c.Stall(pollGranularity)
	}
}

// WaitUntilSet8 is the 8-bit-register counterpart, used throughout the IDE
// register-set polling (BSY/DRQ/ERR live in the one-byte status register).
func WaitUntilSet8(c clock.Clock, io pciio.IO, offset uint32, mask uint8, val uint8, timeout time.Duration) error {
	start := c.Now()

	for {
		got, err := io.Read8(offset)
		if err != nil {
			return err
		}

		if got&mask == val {
			return nil
		}

		if timeout != 0 && c.Now().Sub(start) >= timeout {
			return &WaitUntilSetErr{Offset: offset, Mask: uint32(mask), Want: uint32(val), Got: uint32(got)}
		}

		c.Stall(pollGranularity)
	}
}
