// UHCI queue-head descriptor
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

	"github.com/usbarmory/atahost/internal/dma"
)

// Queue Head layout: two little-endian dwords (horizontal and vertical
// link). QH descriptors are allocated at qhSize (16 bytes, 16-byte
// aligned) so every descriptor in a chain shares one allocation
// granularity; the trailing 8 bytes are software-unused padding, never
// read by hardware.
const (
	qhSize = 16

	qhTerminate = 1 << 0
	qhQSelect   = 1 << 1
	qhPtrMask   = 0xFFFFFFF0
)

type qhHW struct {
	Horizontal uint32
	Vertical   uint32
}

// QH is the software shadow of a Queue Head: CPU and bus addresses of its
// descriptor, plus a software-only back-pointer used solely by the
// asynchronous-interrupt chain to walk "next interrupt QH" without that
// link being visible to hardware.
type QH struct {
	CPUAddr   uintptr
	BusAddr   uint32
	NextIntQH *QH
}

// NewQH allocates a Queue Head, horizontal-terminated and with no vertical
// element attached.
func NewQH(arena *dma.Arena) (*QH, error) {
	cpu, bus, err := arena.Alloc(qhSize)
	if err != nil {
		return nil, err
	}

	q := &QH{CPUAddr: cpu, BusAddr: bus}
	q.write(qhHW{Horizontal: qhTerminate, Vertical: qhTerminate})

	return q, nil
}

func (q *QH) write(hw qhHW) {
	buf := make([]byte, qhSize)
	binary.LittleEndian.PutUint32(buf[0:4], hw.Horizontal)
	binary.LittleEndian.PutUint32(buf[4:8], hw.Vertical)
	dma.Write(q.CPUAddr, 0, buf)
}

func (q *QH) read() qhHW {
	buf := make([]byte, 8)
	dma.Read(q.CPUAddr, 0, buf)
	return qhHW{
		Horizontal: binary.LittleEndian.Uint32(buf[0:4]),
		Vertical:   binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// LinkVerticalTD attaches t as the first element this QH executes.
func (q *QH) LinkVerticalTD(t *TD) {
	hw := q.read()
	hw.Vertical = t.BusAddr & qhPtrMask
	q.write(hw)
}

// TerminateVertical detaches whatever element this QH points to.
func (q *QH) TerminateVertical() {
	hw := q.read()
	hw.Vertical = qhTerminate
	q.write(hw)
}

// LinkHorizontalQH chains q to next on the queue-element level (horizontal,
// Q-select set).
func (q *QH) LinkHorizontalQH(next *QH) {
	hw := q.read()
	hw.Horizontal = (next.BusAddr & qhPtrMask) | qhQSelect
	q.write(hw)
}

// TerminateHorizontal detaches q's horizontal link.
func (q *QH) TerminateHorizontal() {
	hw := q.read()
	hw.Horizontal = qhTerminate
	q.write(hw)
}

// Free releases the QH's descriptor memory back to arena.
func (q *QH) Free(arena *dma.Arena) {
	arena.Free(q.CPUAddr, qhSize)
}
