// IDE bus-master UDMA transfer
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// Bus-master register offsets, relative to a channel's bus-master base
// (SFF-8038i).
const (
	bmRegCommand  = 0x00
	bmRegStatus   = 0x02
	bmRegPRDTable = 0x04
)

const (
	bmCmdStart = 1 << 0
	bmCmdRead  = 1 << 3 // set: device-to-memory (host read); clear: memory-to-device

	bmStatusError     = 1 << 1
	bmStatusInterrupt = 1 << 2
)

const (
	udmaPollInterval = 100 * time.Microsecond
	postUDMAStall    = 10 * time.Millisecond
)

// IDE PRD entry layout (SFF-8038i): a 4-byte bus address, a 2-byte byte count (0
// means 64 KiB) and a 2-byte flags word whose top bit marks end-of-table.
const (
	prdEntrySize        = 8
	prdMaxBytesPerEntry = 0x10000 // 64 KiB; encoded as 0 in the byte-count field
	prdAlignment        = 0x10000
	prdTableOversize    = 0x10000
	prdEOTBit           = 1 << 15
)

type prdEntry struct {
	busAddr uint32
	length  int
	eot     bool
}

// buildIDEPRDList splits a single bus-master mapping into entries of at
// most 64 KiB, marking only the last as end-of-table.
func buildIDEPRDList(busAddr uint32, length int) ([]prdEntry, error) {
	if length <= 0 {
		return nil, fmt.Errorf("ide: PRD list: invalid length %d: %w", length, ataerr.InvalidParameter)
	}

	var entries []prdEntry

	addr := busAddr
	remaining := length

	for remaining > 0 {
		chunk := remaining
		if chunk > prdMaxBytesPerEntry {
			chunk = prdMaxBytesPerEntry
		}

		entries = append(entries, prdEntry{busAddr: addr, length: chunk})

		addr += uint32(chunk)
		remaining -= chunk
	}

	entries[len(entries)-1].eot = true

	return entries, nil
}

// prdTable is a bus-master descriptor table allocated oversize and aligned
// to a 64 KiB boundary.
type prdTable struct {
	dmaDev   pciio.DMA
	rawCPU   uintptr
	rawPages int
	CPUAddr  uintptr
	BusAddr  uint32
	capacity int
}

func allocatePRDTable(dmaDev pciio.DMA, maxEntries int) (*prdTable, error) {
	needed := maxEntries * prdEntrySize
	if needed > prdAlignment {
		return nil, fmt.Errorf("ide: PRD table of %d entries exceeds 64KiB: %w", maxEntries, ataerr.OutOfResources)
	}

	oversizeBytes := needed + prdTableOversize
	pages := (oversizeBytes + 4095) / 4096

	cpuAddr, err := dmaDev.AllocateBuffer(pages)
	if err != nil {
		return nil, err
	}

	aligned := (cpuAddr + prdAlignment - 1) &^ (uintptr(prdAlignment) - 1)

	if aligned+uintptr(needed) > cpuAddr+uintptr(pages*4096) {
		dmaDev.FreeBuffer(cpuAddr, pages)
		return nil, fmt.Errorf("ide: PRD table alignment left no room: %w", ataerr.OutOfResources)
	}

	alignedStart := uint64(aligned) &^ uint64(prdAlignment-1)
	alignedEnd := (uint64(aligned) + uint64(needed) - 1) &^ uint64(prdAlignment-1)
	if alignedStart != alignedEnd {
		dmaDev.FreeBuffer(cpuAddr, pages)
		return nil, fmt.Errorf("ide: PRD table crosses a 64KiB boundary: %w", ataerr.OutOfResources)
	}

	busAddr, err := dmaDev.Map(aligned, needed, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		dmaDev.FreeBuffer(cpuAddr, pages)
		return nil, err
	}

	return &prdTable{
		dmaDev:   dmaDev,
		rawCPU:   cpuAddr,
		rawPages: pages,
		CPUAddr:  aligned,
		BusAddr:  busAddr,
		capacity: maxEntries,
	}, nil
}

func (t *prdTable) Free() {
	t.dmaDev.Unmap(t.CPUAddr, t.capacity*prdEntrySize, pciio.DirBusMasterCommonBuffer)
	t.dmaDev.FreeBuffer(t.rawCPU, t.rawPages)
}

func (t *prdTable) SetEntries(entries []prdEntry) error {
	if len(entries) > t.capacity {
		return fmt.Errorf("ide: PRD table holds %d entries, need %d: %w", t.capacity, len(entries), ataerr.OutOfResources)
	}

	for i, e := range entries {
		var buf [prdEntrySize]byte

		binary.LittleEndian.PutUint32(buf[0:4], e.busAddr)

		count := uint16(e.length)
		if e.length == prdMaxBytesPerEntry {
			count = 0
		}
		binary.LittleEndian.PutUint16(buf[4:6], count)

		var flags uint16
		if e.eot {
			flags = prdEOTBit
		}
		binary.LittleEndian.PutUint16(buf[6:8], flags)

		dma.Write(t.CPUAddr, i*prdEntrySize, buf[:])
	}

	return nil
}

// transferUDMA runs the full bus-master UDMA pipeline: PRD table
// build, buffer mapping, descriptor programming, command issue, polled
// completion and the mandated termination sequence.
func (ch *Channel) transferUDMA(device int, cb devinfo.CommandBlock, dir dataDir, data []byte, timeout time.Duration) (int, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return 0, fmt.Errorf("ide: UDMA transfer: odd or empty buffer length %d: %w", len(data), ataerr.InvalidParameter)
	}

	mapDir := pciio.DirBusMasterWrite
	if dir == dataOut {
		mapDir = pciio.DirBusMasterRead
	}

	cpuAddr, busAddr, err := dma.MapBuffer(ch.dmaDev, data, mapDir)
	if err != nil {
		return 0, err
	}
	defer dma.UnmapBuffer(ch.dmaDev, cpuAddr, len(data), mapDir)

	if cpuAddr%2 != 0 {
		return 0, fmt.Errorf("ide: UDMA transfer: unaligned buffer address: %w", ataerr.InvalidParameter)
	}

	maxEntries := (len(data) + prdMaxBytesPerEntry - 1) / prdMaxBytesPerEntry

	table, err := allocatePRDTable(ch.dmaDev, maxEntries)
	if err != nil {
		return 0, err
	}
	defer table.Free()

	entries, err := buildIDEPRDList(busAddr, len(data))
	if err != nil {
		return 0, err
	}

	if err := table.SetEntries(entries); err != nil {
		return 0, err
	}

	if err := ch.io.Write32(ch.regs.busMasterBase+bmRegPRDTable, table.BusAddr); err != nil {
		return 0, err
	}

	if err := ch.io.Write8(ch.regs.busMasterBase+bmRegStatus, bmStatusError|bmStatusInterrupt); err != nil {
		return 0, err
	}

	bmic, err := ch.io.Read8(ch.regs.busMasterBase + bmRegCommand)
	if err != nil {
		return 0, err
	}
	bmic &^= bmCmdStart
	if dir == dataIn {
		bmic |= bmCmdRead
	} else {
		bmic &^= bmCmdRead
	}
	if err := ch.io.Write8(ch.regs.busMasterBase+bmRegCommand, bmic); err != nil {
		return 0, err
	}

	if err := ch.issuePreamble(device, cb, timeout); err != nil {
		return 0, err
	}

	bmic, err = ch.io.Read8(ch.regs.busMasterBase + bmRegCommand)
	if err != nil {
		return 0, err
	}
	if err := ch.io.Write8(ch.regs.busMasterBase+bmRegCommand, bmic|bmCmdStart); err != nil {
		return 0, err
	}

	bmStatus, pollErr := ch.waitUDMAComplete(timeout)

	if err := ch.io.Write8(ch.regs.busMasterBase+bmRegStatus, bmStatus&(bmStatusInterrupt|bmStatusError)); err != nil && pollErr == nil {
		pollErr = err
	}

	devStatus, statusErr := ch.readStatus()

	bmic, _ = ch.io.Read8(ch.regs.busMasterBase + bmRegCommand)
	ch.io.Write8(ch.regs.busMasterBase+bmRegCommand, bmic&^bmCmdStart)

	ch.io.Write8(ch.regs.controlBase+regDeviceControl, deviceControlNIEN)

	ch.clock.Stall(postUDMAStall)

	if pollErr != nil {
		return 0, pollErr
	}
	if statusErr != nil {
		return 0, statusErr
	}
	if devStatus&(devinfo.StatusERR|devinfo.StatusDF) != 0 {
		return 0, fmt.Errorf("ide: UDMA transfer: %w", ataerr.DeviceError)
	}

	return len(data), nil
}

// waitUDMAComplete polls the bus-master status register at 100us
// granularity for INTERRUPT or ERROR. The returned status
// byte is the value the last poll read -- the caller uses it directly to
// clear INTR/ERROR rather than reading BMIS again.
func (ch *Channel) waitUDMAComplete(timeout time.Duration) (byte, error) {
	start := ch.clock.Now()

	for {
		status, err := ch.io.Read8(ch.regs.busMasterBase + bmRegStatus)
		if err != nil {
			return 0, err
		}

		if status&bmStatusError != 0 {
			return status, fmt.Errorf("ide: UDMA: bus-master error: %w", ataerr.DeviceError)
		}

		if status&bmStatusInterrupt != 0 {
			return status, nil
		}

		if timeout != 0 && ch.clock.Now().Sub(start) >= timeout {
			return status, fmt.Errorf("ide: UDMA: %w", ataerr.Timeout)
		}

		ch.clock.Stall(udmaPollInterval)
	}
}
