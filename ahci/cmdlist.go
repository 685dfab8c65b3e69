// AHCI command-list entry and command-table encoding
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// cmdListBytes is the size of the 32-entry, 16-byte-per-entry command list.
// The single-task design only ever populates entry 0.
const (
	cmdListEntries = 32
	cmdEntrySize   = 16
	cmdListBytes   = cmdListEntries * cmdEntrySize
)

// CommandList is the shared command-list region: 32 command headers, one
// per command slot, though this engine only ever issues through slot 0.
type CommandList struct {
	dmaDev  pciio.DMA
	CPUAddr uintptr
	BusAddr uint32
}

// NewCommandList allocates and zeroes the command-list region.
func NewCommandList(dmaDev pciio.DMA) (*CommandList, error) {
	cpu, err := dmaDev.AllocateBuffer(1)
	if err != nil {
		return nil, fmt.Errorf("ahci: command list allocation: %w", ataerr.OutOfResources)
	}

	bus, err := dmaDev.Map(cpu, cmdListBytes, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		dmaDev.FreeBuffer(cpu, 1)
		return nil, fmt.Errorf("ahci: command list mapping: %w", ataerr.OutOfResources)
	}

	dma.Write(cpu, 0, make([]byte, cmdListBytes))

	return &CommandList{dmaDev: dmaDev, CPUAddr: cpu, BusAddr: bus}, nil
}

// Free releases the command-list region.
func (cl *CommandList) Free() {
	cl.dmaDev.Unmap(cl.CPUAddr, cmdListBytes, pciio.DirBusMasterCommonBuffer)
	cl.dmaDev.FreeBuffer(cl.CPUAddr, 1)
}

const (
	cmdHdrCFLMask    = 0x1f
	cmdHdrATAPI      = 1 << 5
	cmdHdrWrite      = 1 << 6
	cmdHdrPrefetch   = 1 << 7
	cmdHdrClearBSY   = 1 << 10
	cmdHdrPRDTLShift = 16
)

// SetSlot0 programs command-list entry 0 for one command: CFL (command FIS
// length in dwords), whether it carries an ATAPI packet, transfer
// direction, PRD-table entry count and the command-table bus address.
func (cl *CommandList) SetSlot0(cfl int, atapi bool, write bool, prdtl int, ctba uint32) {
	var dw0 uint32
	dw0 = uint32(cfl) & cmdHdrCFLMask
	if atapi {
		dw0 |= cmdHdrATAPI | cmdHdrPrefetch
		if prdtl == 0 {
			dw0 |= cmdHdrClearBSY
		}
	}
	if write {
		dw0 |= cmdHdrWrite
	}
	dw0 |= uint32(prdtl) << cmdHdrPRDTLShift

	var hdr [cmdEntrySize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], dw0)
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // PRDBC, cleared before issue
	binary.LittleEndian.PutUint32(hdr[8:12], ctba)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)

	dma.Write(cl.CPUAddr, 0, hdr[:])
}

// PRDBC0 reads back the bytes-transferred count the controller latched into
// command-list entry 0 after a command completes.
func (cl *CommandList) PRDBC0() int {
	buf := make([]byte, 4)
	dma.Read(cl.CPUAddr, 4, buf)
	return int(binary.LittleEndian.Uint32(buf))
}
