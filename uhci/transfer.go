// UHCI TD chain polling and teardown helpers
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// pollInterval is the 50us cadence of control/bulk/interrupt completion
// polling.
const pollInterval = 50 * time.Microsecond

// sectorFactor is the empirical bandwidth-reclamation table from the UHCI
// design guide, keyed by MaxPacketLength. Treat it as a fixed invariant:
// diverging from it is a behavioral change, not an implementation choice.
func sectorFactor(maxPacketLen int) int {
	switch maxPacketLen {
	case 8:
		return 71
	case 16:
		return 51
	case 32:
		return 33
	case 64:
		return 19
	default:
		// Bulk/interrupt endpoints only ever advertise one of the four
		// packet sizes above at full speed; fall back to the 64-byte
		// factor (the smallest in the table) rather than guess.
		return 19
	}
}

// buildDataTDs splits data into ceil(len(data)/maxPacketLen) TDs of
// alternating toggle, chained depth-first. toggle is
// the toggle the first TD is issued with; the returned toggle is the
// value the *next* TD after the chain would use.
func buildDataTDs(arena *dma.Arena, devAddr, endpoint int, pid byte, toggle bool, lowSpeed bool, busAddr uint32, data []byte, maxPacketLen int, spd bool) ([]*TD, bool, error) {
	if len(data) == 0 {
		t, err := NewTD(arena, devAddr, endpoint, pid, toggle, lowSpeed, busAddr, 0, false, spd)
		if err != nil {
			return nil, toggle, err
		}
		return []*TD{t}, !toggle, nil
	}

	var tds []*TD

	off := 0
	for off < len(data) {
		n := maxPacketLen
		if len(data)-off < n {
			n = len(data) - off
		}

		t, err := NewTD(arena, devAddr, endpoint, pid, toggle, lowSpeed, busAddr+uint32(off), n, false, spd)
		if err != nil {
			freeTDs(arena, tds)
			return nil, toggle, err
		}

		tds = append(tds, t)
		toggle = !toggle
		off += n
	}

	return tds, toggle, nil
}

// linkChain depth-links consecutive TDs; the last TD is left terminated.
func linkChain(tds []*TD) {
	for i := 0; i+1 < len(tds); i++ {
		tds[i].LinkTo(tds[i+1])
	}
}

func freeTDs(arena *dma.Arena, tds []*TD) {
	for _, t := range tds {
		t.Free(arena)
	}
}

// walkChain implements the terminal-condition scan: OR the
// error bits of each non-active TD into the result mask, stop at the first
// non-active TD whose actual length is short of its token max length
// (short packet completes the chain), else sum every actual length.
// done is false while the chain is still in flight.
func walkChain(tds []*TD) (done bool, errMask uint32, actualLen int, stopIndex int) {
	for i, t := range tds {
		if t.IsActive() {
			return false, 0, 0, -1
		}

		em := t.ErrorMask()
		if em != 0 {
			errMask |= em
			return true, errMask, actualLen, i
		}

		al := t.ActualLength()
		if al < 0 {
			al = 0
		}
		actualLen += al

		if al < t.MaxLength() {
			return true, errMask, actualLen, i
		}
	}

	return true, errMask, actualLen, len(tds) - 1
}

// pollChain polls tds at the mandated 50us granularity until walkChain
// reports completion or timeout elapses. timeout == 0 waits indefinitely.
func pollChain(c clock.Clock, tds []*TD, timeout time.Duration) (errMask uint32, actualLen int, err error) {
	em, al, _, err := pollChainIndexed(c, tds, timeout)
	return em, al, err
}

// pollChainIndexed is pollChain plus the index of the TD that ended the
// scan, used by the bulk path's toggle-flip-on-error rule.
func pollChainIndexed(c clock.Clock, tds []*TD, timeout time.Duration) (errMask uint32, actualLen int, stopIndex int, err error) {
	start := c.Now()

	for {
		done, em, al, idx := walkChain(tds)
		if done {
			if em != 0 {
				return em, al, idx, fmt.Errorf("uhci: transfer error, mask %#x: %w", em, ataerr.DeviceError)
			}
			return em, al, idx, nil
		}

		if timeout != 0 && c.Now().Sub(start) >= timeout {
			return 0, 0, -1, fmt.Errorf("uhci: transfer did not complete: %w", ataerr.Timeout)
		}

		c.Stall(pollInterval)
	}
}

// mapData maps a caller-supplied data buffer for bus-master DMA, returning
// a no-op unmap function when the buffer is empty.
func mapData(dmaDev pciio.DMA, data []byte, dir pciio.Direction) (busAddr uint32, unmap func(), err error) {
	if len(data) == 0 {
		return 0, func() {}, nil
	}

	cpuAddr, bus, err := dma.MapBuffer(dmaDev, data, dir)
	if err != nil {
		return 0, nil, err
	}

	return bus, func() { dma.UnmapBuffer(dmaDev, cpuAddr, len(data), dir) }, nil
}
