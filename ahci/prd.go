// AHCI PRD table encoding
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

// Command-table layout (AHCI spec rev 1.3.1 §4.2.3): a 64-byte command FIS
// slot, a 16-byte ATAPI packet slot, 48 bytes reserved, then the PRD table.
const (
	ctFISOffset   = 0x00
	ctATAPIOffset = 0x40
	ctPRDOffset   = 0x80

	ctPageBytes  = 4096
	prdEntrySize = 16

	// maxPRDEntries is how many 16-byte PRD slots fit after the 0x80-byte
	// header in one page. The single-task design only ever needs one
	// command table, sized generously rather than per-transfer.
	maxPRDEntries = (ctPageBytes - ctPRDOffset) / prdEntrySize

	// maxPRDBytes is the largest byte count one PRD entry can describe:
	// a 22-bit byteCount-1 field, even byte counts only.
	maxPRDBytes = 4 * 1024 * 1024
)

// CommandTable is the shared command-FIS / ATAPI-packet / PRD-table region
// referenced by command-list slot 0.
type CommandTable struct {
	dmaDev      pciio.DMA
	CPUAddr     uintptr
	BusAddr     uint32
	sixtyFourOK bool
}

// NewCommandTable allocates and zeroes the shared command table.
func NewCommandTable(dmaDev pciio.DMA, sixtyFourOK bool) (*CommandTable, error) {
	cpu, err := dmaDev.AllocateBuffer(1)
	if err != nil {
		return nil, fmt.Errorf("ahci: command table allocation: %w", ataerr.OutOfResources)
	}

	bus, err := dmaDev.Map(cpu, ctPageBytes, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		dmaDev.FreeBuffer(cpu, 1)
		return nil, fmt.Errorf("ahci: command table mapping: %w", ataerr.OutOfResources)
	}

	dma.Write(cpu, 0, make([]byte, ctPageBytes))

	return &CommandTable{dmaDev: dmaDev, CPUAddr: cpu, BusAddr: bus, sixtyFourOK: sixtyFourOK}, nil
}

// Free releases the command table.
func (ct *CommandTable) Free() {
	ct.dmaDev.Unmap(ct.CPUAddr, ctPageBytes, pciio.DirBusMasterCommonBuffer)
	ct.dmaDev.FreeBuffer(ct.CPUAddr, 1)
}

// WriteCFIS writes the command FIS into its slot.
func (ct *CommandTable) WriteCFIS(fis []byte) {
	dma.Write(ct.CPUAddr, ctFISOffset, fis)
}

// WriteATAPIPacket writes a (padded to 16 bytes) ATAPI command descriptor
// block into its slot.
func (ct *CommandTable) WriteATAPIPacket(cdb []byte) {
	var b [16]byte
	copy(b[:], cdb)
	dma.Write(ct.CPUAddr, ctATAPIOffset, b[:])
}

// prdEntry is one physical-region-descriptor: a bus address, byte count and
// whether it raises the transfer-complete interrupt on completion.
type prdEntry struct {
	busAddr uint32
	length  int
	ioc     bool
}

// buildPRDList splits a single DMA mapping into maxPRDBytes-sized entries,
// marking interrupt-on-completion only on the last.
func buildPRDList(busAddr uint32, length int) ([]prdEntry, error) {
	if length <= 0 {
		return nil, fmt.Errorf("ahci: PRD list: %w: length must be positive", ataerr.InvalidParameter)
	}

	var entries []prdEntry

	remaining := length
	addr := busAddr

	for remaining > 0 {
		n := remaining
		if n > maxPRDBytes {
			n = maxPRDBytes
		}

		entries = append(entries, prdEntry{busAddr: addr, length: n})

		addr += uint32(n)
		remaining -= n
	}

	entries[len(entries)-1].ioc = true

	if len(entries) > maxPRDEntries {
		return nil, fmt.Errorf("ahci: PRD list: %w: %d entries exceeds table capacity %d",
			ataerr.OutOfResources, len(entries), maxPRDEntries)
	}

	return entries, nil
}

// SetPRDTable writes entries into the command table's PRD table and returns
// the PRDTL (entry count) command-list slot 0 must carry.
func (ct *CommandTable) SetPRDTable(entries []prdEntry) (prdtl int, err error) {
	if len(entries) > maxPRDEntries {
		return 0, fmt.Errorf("ahci: PRD table: %w: %d entries exceeds capacity %d",
			ataerr.OutOfResources, len(entries), maxPRDEntries)
	}

	for i, e := range entries {
		var b [prdEntrySize]byte

		binary.LittleEndian.PutUint32(b[0:4], e.busAddr)
		binary.LittleEndian.PutUint32(b[4:8], 0) // upper 32 bits of address

		dbc := uint32(e.length - 1)
		if e.ioc {
			dbc |= 1 << 31
		}
		binary.LittleEndian.PutUint32(b[12:16], dbc)

		dma.Write(ct.CPUAddr, ctPRDOffset+i*prdEntrySize, b[:])
	}

	return len(entries), nil
}
