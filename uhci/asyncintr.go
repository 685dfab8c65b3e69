// UHCI asynchronous interrupt transfer submit/cancel and monitor
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

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// IntrCallback is invoked by the interrupt monitor when an
// asynchronous interrupt endpoint's TD chain retires. buf/length are the
// freshly copied completed data (nil/0 on failure); errMask is the OR of
// every error bit latched across the chain.
type IntrCallback func(buf []byte, length int, ctx interface{}, errMask uint32)

// intrNode is the software-only interrupt-list record: it owns the
// QH chain (one QH per scheduled frame-list entry, spaced by the polling
// interval), the shared TD chain those QHs all point at, the mapped DMA
// buffer, the data toggle (tracked here rather than on the TD, so a
// cancel can return a stable value even mid-resubmission), and the
// completion callback.
type intrNode struct {
	next *intrNode

	devAddr  int
	endpoint int
	interval int

	qhs     []*QH
	entries []int
	tds     []*TD

	cpuAddr uintptr
	busAddr uint32
	dataLen int

	startToggle bool
	nextToggle  bool

	cb  IntrCallback
	ctx interface{}
}

// SubmitAsyncInterrupt builds the QH chain and TD chain for a non-blocking
// interrupt endpoint and installs it at the head of the interrupt list.
// interval is the polling interval in 1ms frame-list units (1-1024).
func (c *Controller) SubmitAsyncInterrupt(devAddr, endpoint, maxPacketLen, interval int, toggle bool, buf []byte, cb IntrCallback, ctx interface{}) error {
	if interval < 1 || interval > FrameListLen {
		return fmt.Errorf("uhci: async interrupt: %w: interval out of range", ataerr.InvalidParameter)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cpuAddr, busAddr, err := dma.MapBuffer(c.dmaDev, buf, pciio.DirBusMasterWrite)
	if err != nil {
		return err
	}

	tds, nextToggle, err := buildDataTDs(c.arena, devAddr, endpoint, PIDIn, toggle, false, busAddr, buf, maxPacketLen, true)
	if err != nil {
		dma.UnmapBuffer(c.dmaDev, cpuAddr, len(buf), pciio.DirBusMasterWrite)
		return err
	}
	linkChain(tds)

	numQHs := ceilDivInt(FrameListLen, interval)

	qhs := make([]*QH, 0, numQHs)
	entries := make([]int, 0, numQHs)

	for i := 0; i < numQHs; i++ {
		qh, err := NewQH(c.arena)
		if err != nil {
			for _, q := range qhs {
				q.Free(c.arena)
			}
			freeTDs(c.arena, tds)
			dma.UnmapBuffer(c.dmaDev, cpuAddr, len(buf), pciio.DirBusMasterWrite)
			return err
		}

		qh.LinkVerticalTD(tds[0])

		if len(qhs) > 0 {
			qhs[len(qhs)-1].NextIntQH = qh
		}

		qhs = append(qhs, qh)
		entries = append(entries, i*interval)
	}

	for i, qh := range qhs {
		c.frameList.SetQH(entries[i], qh)
	}

	node := &intrNode{
		devAddr:     devAddr,
		endpoint:    endpoint,
		interval:    interval,
		qhs:         qhs,
		entries:     entries,
		tds:         tds,
		cpuAddr:     cpuAddr,
		busAddr:     busAddr,
		dataLen:     len(buf),
		startToggle: toggle,
		nextToggle:  nextToggle,
		cb:          cb,
		ctx:         ctx,
	}

	// Insert at the head, not the tail, so that a resubmission triggered
	// from inside this tick's own callback will not be revisited by the
	// monitor pass currently in progress.
	node.next = c.intrHead
	c.intrHead = node

	return nil
}

// CancelAsyncInterrupt locates the node matching {devAddr, endpoint&0x0F},
// snapshots its current data toggle, unlinks every QH in its chain from
// every frame-list entry, and releases its resources.
func (c *Controller) CancelAsyncInterrupt(devAddr, endpoint int) (toggle bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := endpoint & 0x0f

	var prev *intrNode

	for n := c.intrHead; n != nil; n = n.next {
		if n.devAddr == devAddr && (n.endpoint&0x0f) == ep {
			if prev == nil {
				c.intrHead = n.next
			} else {
				prev.next = n.next
			}

			toggle = n.startToggle
			c.frameList.UnlinkEntries(n.entries)
			n.teardown(c.arena, c.dmaDev)

			return toggle, nil
		}

		prev = n
	}

	return false, fmt.Errorf("uhci: async interrupt: %w: no node for dev %d ep %d", ataerr.NotFound, devAddr, endpoint)
}

// teardown releases a node's hardware and software resources: its mapped
// data buffer, its QHs and its TD chain. The caller must already hold the
// controller's mutex and have unlinked the node's QHs from the frame list.
func (n *intrNode) teardown(arena *dma.Arena, dmaDev pciio.DMA) {
	dma.UnmapBuffer(dmaDev, n.cpuAddr, n.dataLen, pciio.DirBusMasterWrite)

	for _, qh := range n.qhs {
		qh.Free(arena)
	}

	freeTDs(arena, n.tds)
}

// MonitorTick is the periodic (50ms) interrupt-list walk. It inspects
// every node exactly once, head to tail.
func (c *Controller) MonitorTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.intrHead; n != nil; n = n.next {
		ready, errMask, actualLen := inspectIntrChain(n.tds)
		if !ready {
			continue
		}

		// Advance the node's toggle by the number of TDs the device
		// actually consumed, so the next round (or a cancel) starts in
		// sync with the endpoint.
		if completedTDs(n.tds)%2 == 1 {
			n.startToggle = !n.startToggle
		}

		if errMask == 0 {
			buf := make([]byte, actualLen)
			dma.Read(n.cpuAddr, 0, buf)

			tog := n.startToggle
			for _, t := range n.tds {
				t.Reactivate(tog)
				tog = !tog
			}
			n.nextToggle = tog

			if n.cb != nil {
				n.cb(buf, actualLen, n.ctx, 0)
			}
		} else {
			// Failure: the chain is left halted (TDs not
			// reactivated) for the callback to decide whether to
			// cancel or resubmit.
			if n.cb != nil {
				n.cb(nil, 0, n.ctx, errMask)
			}
		}
	}
}

// inspectIntrChain implements the terminal-condition check: a still-active
// TD or a bare NAK means the endpoint has produced nothing yet. The
// controller halts the queue on a failing or short TD, so the TDs behind
// one never retire; the scan is terminal at that point rather than waiting
// for the whole chain.
func inspectIntrChain(tds []*TD) (ready bool, errMask uint32, actualLen int) {
	for _, t := range tds {
		if t.IsActive() {
			return false, 0, 0
		}

		em := t.ErrorMask()

		if em == tdStatusNAK {
			return false, 0, 0
		}

		if em != 0 {
			return true, em, actualLen
		}

		al := t.ActualLength()
		if al > 0 {
			actualLen += al
		}

		if al < t.MaxLength() {
			return true, 0, actualLen
		}
	}

	return true, 0, actualLen
}

// completedTDs counts the TDs the device consumed this round: the retired,
// error-free prefix of the chain, stopping after a short packet.
func completedTDs(tds []*TD) int {
	n := 0

	for _, t := range tds {
		if t.IsActive() || t.ErrorMask() != 0 {
			break
		}

		n++

		if t.ActualLength() < t.MaxLength() {
			break
		}
	}

	return n
}
