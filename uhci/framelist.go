// UHCI frame list
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// FrameListLen is the fixed 1024-entry UHCI schedule, one 4-byte pointer
// per 1 ms USB frame.
const (
	FrameListLen   = 1024
	frameListBytes = FrameListLen * 4

	flTerminate = 1 << 0
	flQSelect   = 1 << 1
	flPtrMask   = 0xFFFFFFF0
)

// FrameList is the common-buffer-resident schedule the controller's
// frame-list-base register points at. Unlike QH/TD descriptors it is
// allocated directly through the PCI DMA surface rather than through the
// shared 32-byte arena, so it gets a dedicated, natively page-aligned
// buffer.
type FrameList struct {
	dmaDev  pciio.DMA
	CPUAddr uintptr
	BusAddr uint32
}

// NewFrameList allocates and zero-initializes the frame list, marking every
// entry terminate.
func NewFrameList(dmaDev pciio.DMA) (*FrameList, error) {
	cpu, err := dmaDev.AllocateBuffer(1)
	if err != nil {
		return nil, fmt.Errorf("uhci: frame list allocation: %w", ataerr.OutOfResources)
	}

	bus, err := dmaDev.Map(cpu, frameListBytes, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		dmaDev.FreeBuffer(cpu, 1)
		return nil, fmt.Errorf("uhci: frame list mapping: %w", ataerr.OutOfResources)
	}

	fl := &FrameList{dmaDev: dmaDev, CPUAddr: cpu, BusAddr: bus}

	buf := make([]byte, frameListBytes)
	for i := 0; i < FrameListLen; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], flTerminate)
	}
	dma.Write(fl.CPUAddr, 0, buf)

	return fl, nil
}

// frame normalizes an entry index modulo the 1024-entry wraparound.
func frame(n int) int {
	return n & (FrameListLen - 1)
}

// SetQH publishes qh at frame entry n.
func (fl *FrameList) SetQH(n int, qh *QH) {
	fl.writeEntry(n, (qh.BusAddr&flPtrMask)|flQSelect)
}

// SetTerminate removes whatever was published at entry n.
func (fl *FrameList) SetTerminate(n int) {
	fl.writeEntry(n, flTerminate)
}

// Entry returns the raw link word currently published at entry n.
func (fl *FrameList) Entry(n int) uint32 {
	buf := make([]byte, 4)
	dma.Read(fl.CPUAddr, frame(n)*4, buf)
	return binary.LittleEndian.Uint32(buf)
}

func (fl *FrameList) writeEntry(n int, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	dma.Write(fl.CPUAddr, frame(n)*4, buf)
}

// Free releases the frame list's dedicated buffer.
func (fl *FrameList) Free() {
	fl.dmaDev.Unmap(fl.CPUAddr, frameListBytes, pciio.DirBusMasterCommonBuffer)
	fl.dmaDev.FreeBuffer(fl.CPUAddr, 1)
}

// dedupEntries removes duplicate frame-list indices, preserving order of
// first occurrence. A polling interval's QH chain can publish into an
// overlapping set of entries, and a bulk queue head can end up
// self-linked; traversal that revisits an already-seen entry must not
// loop, so every unlink walk passes through this guard first.
func dedupEntries(entries []int) []int {
	seen := make(map[int]bool, len(entries))
	out := make([]int, 0, len(entries))

	for _, n := range entries {
		f := frame(n)
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}

	return out
}

// UnlinkEntries sets every (deduplicated) entry in entries to terminate,
// used to remove a QH chain from the schedule on completion or
// async-cancel.
func (fl *FrameList) UnlinkEntries(entries []int) {
	for _, n := range dedupEntries(entries) {
		fl.SetTerminate(n)
	}
}
