// UHCI bulk transfer orchestration
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"time"

	"github.com/usbarmory/atahost/pciio"
)

// BulkTransfer executes a USB bulk transfer: TDs without
// SETUP/STATUS framing, spread across base+500+ceil(total_bytes/(sectorFactor*MaxPacketLen))
// frame-list entries. toggle is the data toggle to start with; on return it
// holds the toggle the next bulk transfer on this endpoint should start
// with, including the odd-TD-count flip rule on error.
func (c *Controller) BulkTransfer(devAddr, endpoint int, dataIn bool, maxPacketLen int, data []byte, toggle *bool, timeout time.Duration) (n int, errMask uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := pciio.DirBusMasterRead
	if dataIn {
		dir = pciio.DirBusMasterWrite
	}

	busAddr, unmap, err := mapData(c.dmaDev, data, dir)
	if err != nil {
		return 0, 0, err
	}
	defer unmap()

	pid := byte(PIDOut)
	if dataIn {
		pid = PIDIn
	}

	tds, nextToggle, err := buildDataTDs(c.arena, devAddr, endpoint, pid, *toggle, false, busAddr, data, maxPacketLen, true)
	if err != nil {
		return 0, 0, err
	}
	linkChain(tds)
	defer freeTDs(c.arena, tds)

	qh, err := NewQH(c.arena)
	if err != nil {
		return 0, 0, err
	}
	defer qh.Free(c.arena)

	qh.LinkVerticalTD(tds[0])

	base, err := c.FrameNumber()
	if err != nil {
		return 0, 0, err
	}

	span := controlFullSpeedEntries + ceilDivInt(len(data), sectorFactor(maxPacketLen)*maxPacketLen)

	entries := make([]int, span)
	for i := 0; i < span; i++ {
		entries[i] = frame(base + i)
		c.frameList.SetQH(entries[i], qh)
	}

	em, al, stopIdx, pollErr := pollChainIndexed(c.clock, tds, timeout)

	c.frameList.UnlinkEntries(entries)
	qh.TerminateVertical()

	if pollErr != nil && stopIdx >= 0 {
		// Count the TDs up to and including the failing one;
		// if that count is odd, flip the caller's data toggle.
		if (stopIdx+1)%2 == 1 {
			*toggle = !*toggle
		}
	} else {
		*toggle = nextToggle
	}

	return al, em, pollErr
}

func ceilDivInt(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
