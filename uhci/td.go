// UHCI transfer-descriptor
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"bytes"
	"encoding/binary"

	"github.com/usbarmory/atahost/internal/dma"
)

// Transfer Descriptor layout (UHCI Design Guide rev 1.1 §3.2): four
// little-endian dwords with no padding between them.
const (
	tdSize = 16

	// dword0: link pointer
	tdLinkTerminate = 1 << 0
	tdLinkDepth     = 1 << 2
	tdLinkPtrMask   = 0xFFFFFFF0

	// dword1: status/control
	tdActualLenMask    = 0x7FF
	tdStatusBitstuff   = 1 << 17
	tdStatusCRCTimeout = 1 << 18
	tdStatusNAK        = 1 << 19
	tdStatusBabble     = 1 << 20
	tdStatusDataBuffer = 1 << 21
	tdStatusStalled    = 1 << 22
	tdStatusActive     = 1 << 23
	tdErrorMask        = tdStatusBitstuff | tdStatusCRCTimeout | tdStatusNAK | tdStatusBabble | tdStatusDataBuffer | tdStatusStalled
	tdIOC              = 1 << 24
	tdLS               = 1 << 26
	tdCErrShift        = 27
	tdSPD              = 1 << 29

	// dword2: token
	PIDSetup = 0x2D
	PIDIn    = 0x69
	PIDOut   = 0xE1

	tdTokenDevAddrShift = 8
	tdTokenEndPtShift   = 15
	tdTokenToggleShift  = 19
	tdTokenToggle       = 1 << tdTokenToggleShift
	tdTokenMaxLenShift  = 21
	tdTokenMaxLenMask   = 0x7FF << tdTokenMaxLenShift
)

// tdHW is the four-dword hardware image of a Transfer Descriptor.
type tdHW struct {
	Link   uint32
	Status uint32
	Token  uint32
	Buffer uint32
}

// TD is the software shadow of one Transfer Descriptor: the CPU-visible
// handle used to walk and rewrite a chain, paired with the bus address the
// hardware dereferences through its link pointers.
type TD struct {
	CPUAddr uintptr
	BusAddr uint32
}

// NewTD allocates a Transfer Descriptor from arena and programs it with the
// given token and buffer fields, initially active and unlinked (terminate).
// maxLen is the token max-length field (0 for a zero-length STATUS stage);
// spd enables short-packet detect.
func NewTD(arena *dma.Arena, devAddr, endpoint int, pid byte, toggle bool, ls bool, buf uint32, maxLen int, ioc, spd bool) (*TD, error) {
	cpu, bus, err := arena.Alloc(tdSize)
	if err != nil {
		return nil, err
	}

	t := &TD{CPUAddr: cpu, BusAddr: bus}

	status := uint32(tdStatusActive) | uint32(3)<<tdCErrShift
	if ls {
		status |= tdLS
	}
	if ioc {
		status |= tdIOC
	}
	if spd {
		status |= tdSPD
	}
	status |= tdActualLenMask // "not yet accessed" sentinel

	token := uint32(pid)
	token |= uint32(devAddr&0x7F) << tdTokenDevAddrShift
	token |= uint32(endpoint&0xF) << tdTokenEndPtShift
	if toggle {
		token |= tdTokenToggle
	}
	mlen := 0x7FF
	if maxLen > 0 {
		mlen = maxLen - 1
	}
	token |= uint32(mlen&0x7FF) << tdTokenMaxLenShift

	hw := tdHW{Link: tdLinkTerminate, Status: status, Token: token, Buffer: buf}
	t.write(&hw)

	return t, nil
}

func (t *TD) read() tdHW {
	var hw tdHW
	buf := make([]byte, tdSize)
	dma.Read(t.CPUAddr, 0, buf)
	binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hw)
	return hw
}

func (t *TD) write(hw *tdHW) {
	b := new(bytes.Buffer)
	binary.Write(b, binary.LittleEndian, hw)
	dma.Write(t.CPUAddr, 0, b.Bytes())
}

func (t *TD) writeField(offset int, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	dma.Write(t.CPUAddr, offset, buf)
}

// LinkTo chains t to next depth-first (TD chains never use the breadth
// link bit).
func (t *TD) LinkTo(next *TD) {
	t.writeField(0, (next.BusAddr&tdLinkPtrMask)|tdLinkDepth)
}

// Terminate detaches t from any following TD.
func (t *TD) Terminate() {
	t.writeField(0, tdLinkTerminate)
}

// Reactivate clears the status word back to "active, not yet accessed"
// with the given data toggle, for interrupt-transfer resubmission.
func (t *TD) Reactivate(toggle bool) {
	hw := t.read()

	hw.Status = tdStatusActive | uint32(3)<<tdCErrShift | tdActualLenMask | (hw.Status & (tdIOC | tdSPD | tdLS))

	if toggle {
		hw.Token |= tdTokenToggle
	} else {
		hw.Token &^= tdTokenToggle
	}

	t.write(&hw)
}

// IsActive reports whether the hardware has not yet retired this TD.
func (t *TD) IsActive() bool {
	return t.read().Status&tdStatusActive != 0
}

// ErrorMask returns the OR of every error bit latched in the status word,
// zero when the TD completed (or has not been touched) cleanly.
func (t *TD) ErrorMask() uint32 {
	return t.read().Status & tdErrorMask
}

// IsNAK reports whether the TD's only latched condition is a bare NAK.
func (t *TD) IsNAK() bool {
	hw := t.read()
	return hw.Status&tdStatusActive == 0 && hw.Status&tdErrorMask == tdStatusNAK
}

// ActualLength returns the actual-length field, or -1 if the TD was never
// accessed by the controller (the all-ones sentinel).
func (t *TD) ActualLength() int {
	al := t.read().Status & tdActualLenMask
	if al == tdActualLenMask {
		return -1
	}
	return int(al) + 1
}

// MaxLength returns the token max-length field, decoded back to its
// caller-facing value (0 for a zero-length stage).
func (t *TD) MaxLength() int {
	m := int((t.read().Token & tdTokenMaxLenMask) >> tdTokenMaxLenShift)
	if m == 0x7FF {
		return 0
	}
	return m + 1
}

// Toggle returns the data-toggle bit this TD was issued with.
func (t *TD) Toggle() bool {
	return t.read().Token&tdTokenToggle != 0
}

// Free releases the TD's descriptor memory back to arena.
func (t *TD) Free(arena *dma.Arena) {
	arena.Free(t.CPUAddr, tdSize)
}
