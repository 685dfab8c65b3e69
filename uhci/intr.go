// UHCI synchronous interrupt transfer orchestration
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

// syncInterruptBase is the fixed portion of the schedule span a
// synchronous interrupt transfer occupies.
const syncInterruptBase = 100

// InterruptTransfer executes a blocking (synchronous) USB interrupt
// transfer: identical to BulkTransfer except short-packet-detect is always
// enabled and the schedule spans base+100+sectorFactor(maxPacketLen)
// entries.
func (c *Controller) InterruptTransfer(devAddr, endpoint int, dataIn bool, maxPacketLen int, data []byte, toggle *bool, timeout time.Duration) (n int, errMask uint32, err error) {
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

	span := syncInterruptBase + sectorFactor(maxPacketLen)

	entries := make([]int, span)
	for i := 0; i < span; i++ {
		entries[i] = frame(base + i)
		c.frameList.SetQH(entries[i], qh)
	}

	em, al, pollErr := pollChain(c.clock, tds, timeout)

	c.frameList.UnlinkEntries(entries)
	qh.TerminateVertical()

	if pollErr == nil {
		*toggle = nextToggle
	}

	return al, em, pollErr
}
