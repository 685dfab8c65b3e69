// UHCI control transfer orchestration
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

// controlLowSpeedEntries / controlFullSpeedEntries are the schedule
// spans: low-speed devices submit each stage separately
// across 100 consecutive frame-list entries; full-speed devices submit the
// whole chain once across 500.
const (
	controlLowSpeedEntries  = 100
	controlFullSpeedEntries = 500
)

// Request is one USB control transfer, submitted via ControlTransfer;
// timeout bounds the whole operation.
type Request struct {
	DevAddr      int
	Endpoint     int
	LowSpeed     bool
	MaxPacketLen int
	Setup        [8]byte
	Data         []byte
	DataIn       bool
}

// ControlTransfer executes a USB control transfer: SETUP, optional DATA
// stages, STATUS. The low-speed and full-speed paths are kept as
// textually separate functions rather than unified: the ordering between
// TD linkage and QH publication differs between them and must be
// preserved exactly.
func (c *Controller) ControlTransfer(req Request, timeout time.Duration) (n int, errMask uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qh, err := NewQH(c.arena)
	if err != nil {
		return 0, 0, err
	}
	defer qh.Free(c.arena)

	var dataBusAddr uint32
	var unmapData func()

	if len(req.Data) > 0 {
		// an IN data stage is written by the device; an OUT stage is
		// read by it.
		dir := pciio.DirBusMasterRead
		if req.DataIn {
			dir = pciio.DirBusMasterWrite
		}

		dataBusAddr, unmapData, err = mapData(c.dmaDev, req.Data, dir)
		if err != nil {
			return 0, 0, err
		}
		defer unmapData()
	}

	if req.LowSpeed {
		return c.controlLowSpeed(qh, req, dataBusAddr, timeout)
	}

	return c.controlFullSpeed(qh, req, dataBusAddr, timeout)
}

// controlLowSpeed submits SETUP, DATA and STATUS as three independent
// publish/poll/unlink passes.
func (c *Controller) controlLowSpeed(qh *QH, req Request, dataBusAddr uint32, timeout time.Duration) (int, uint32, error) {
	setupBuf, unmapSetup, err := mapData(c.dmaDev, req.Setup[:], pciio.DirBusMasterRead)
	if err != nil {
		return 0, 0, err
	}
	defer unmapSetup()

	setupTD, err := NewTD(c.arena, req.DevAddr, req.Endpoint, PIDSetup, false, true, setupBuf, len(req.Setup), false, false)
	if err != nil {
		return 0, 0, err
	}
	defer setupTD.Free(c.arena)

	if _, _, err := c.runStage(qh, []*TD{setupTD}, controlLowSpeedEntries, timeout); err != nil {
		return 0, 0, err
	}

	toggle := true
	actual := 0
	var errMask uint32

	if len(req.Data) > 0 {
		pid := byte(PIDOut)
		if req.DataIn {
			pid = PIDIn
		}

		dataTDs, nextToggle, err := buildDataTDs(c.arena, req.DevAddr, req.Endpoint, pid, toggle, true, dataBusAddr, req.Data, req.MaxPacketLen, false)
		if err != nil {
			return 0, 0, err
		}
		linkChain(dataTDs)
		defer freeTDs(c.arena, dataTDs)

		em, al, err := c.runStage(qh, dataTDs, controlLowSpeedEntries, timeout)
		actual = al
		errMask = em
		if err != nil {
			return actual, errMask, err
		}

		toggle = nextToggle
	}

	statusPID := byte(PIDIn)
	if req.DataIn {
		statusPID = PIDOut
	}

	statusTD, err := NewTD(c.arena, req.DevAddr, req.Endpoint, statusPID, true, true, 0, 0, false, false)
	if err != nil {
		return actual, errMask, err
	}
	defer statusTD.Free(c.arena)

	em, _, err := c.runStage(qh, []*TD{statusTD}, controlLowSpeedEntries, timeout)
	errMask |= em
	_ = toggle

	return actual, errMask, err
}

// controlFullSpeed submits SETUP, DATA and STATUS as one combined TD chain
// published once.
func (c *Controller) controlFullSpeed(qh *QH, req Request, dataBusAddr uint32, timeout time.Duration) (int, uint32, error) {
	setupBuf, unmapSetup, err := mapData(c.dmaDev, req.Setup[:], pciio.DirBusMasterRead)
	if err != nil {
		return 0, 0, err
	}
	defer unmapSetup()

	setupTD, err := NewTD(c.arena, req.DevAddr, req.Endpoint, PIDSetup, false, false, setupBuf, len(req.Setup), false, false)
	if err != nil {
		return 0, 0, err
	}

	tds := []*TD{setupTD}
	defer func() { freeTDs(c.arena, tds) }()

	toggle := true

	if len(req.Data) > 0 {
		pid := byte(PIDOut)
		if req.DataIn {
			pid = PIDIn
		}

		dataTDs, nextToggle, err := buildDataTDs(c.arena, req.DevAddr, req.Endpoint, pid, toggle, false, dataBusAddr, req.Data, req.MaxPacketLen, false)
		if err != nil {
			return 0, 0, err
		}

		tds = append(tds, dataTDs...)
		toggle = nextToggle
	}

	statusPID := byte(PIDIn)
	if req.DataIn {
		statusPID = PIDOut
	}

	statusTD, err := NewTD(c.arena, req.DevAddr, req.Endpoint, statusPID, true, false, 0, 0, false, false)
	if err != nil {
		return 0, 0, err
	}

	tds = append(tds, statusTD)
	linkChain(tds)

	em, al, err := c.runStage(qh, tds, controlFullSpeedEntries, timeout)

	// walkChain sums the whole chain; the caller only sees the DATA
	// stage's bytes.
	if n := setupTD.ActualLength(); n > 0 && al >= n {
		al -= n
	}

	return al, em, err
}

// runStage links tds under qh's vertical element, publishes qh into a
// contiguous span of frame-list entries starting at the current frame
// number, polls to completion, and unlinks.
func (c *Controller) runStage(qh *QH, tds []*TD, span int, timeout time.Duration) (uint32, int, error) {
	qh.LinkVerticalTD(tds[0])

	base, err := c.FrameNumber()
	if err != nil {
		return 0, 0, err
	}

	entries := make([]int, span)
	for i := 0; i < span; i++ {
		entries[i] = frame(base + i)
		c.frameList.SetQH(entries[i], qh)
	}

	em, al, err := pollChain(c.clock, tds, timeout)

	c.frameList.UnlinkEntries(entries)
	qh.TerminateVertical()

	return em, al, err
}
