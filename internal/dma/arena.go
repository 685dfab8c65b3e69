// Bitmap-backed common-buffer arena for hardware-visible descriptor memory
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma implements the common-buffer allocator every engine uses to
// author descriptor rings, PRD/ADMA tables and staging buffers: a linked
// list of memory blocks, each owning one common-buffer page region and a
// bitmap with one bit per 32-byte allocation unit. Allocation is
// first-fit, scanning for a run of zero bits long enough for the request.
package dma

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/pciio"
)

const (
	// UnitSize is the allocation granularity: every Alloc request is
	// rounded up to a multiple of this many bytes.
	UnitSize = 32

	// pageSize is the size of one common-buffer page.
	pageSize = 4096

	// pageDefault is the number of pages a freshly grown block contains
	// when the requesting allocation does not itself demand more.
	pageDefault = 1
)

// block owns one common-buffer page region.
type block struct {
	cpuAddr uintptr
	busAddr uint32
	pages   int
	units   int
	bm      bitmap
	head    bool
}

func (b *block) size() uintptr { return uintptr(b.pages * pageSize) }

func (b *block) contains(addr uintptr) bool {
	return addr >= b.cpuAddr && addr < b.cpuAddr+b.size()
}

// Arena is a linked list of memory blocks backing hardware-visible
// descriptor and buffer allocations. The zero value is not usable; use
// NewArena.
type Arena struct {
	mu     sync.Mutex
	dma    pciio.DMA
	blocks []*block
}

// NewArena constructs an Arena over the given PCI common-buffer
// collaborator. Init must be called before use.
func NewArena(d pciio.DMA) *Arena {
	return &Arena{dma: d}
}

// Init creates the first memory block of one page.
func (a *Arena) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.allocateBlock(pageDefault)
	if err != nil {
		return err
	}

	b.head = true
	a.blocks = []*block{b}

	return nil
}

func (a *Arena) allocateBlock(pages int) (*block, error) {
	cpuAddr, err := a.dma.AllocateBuffer(pages)
	if err != nil {
		return nil, fmt.Errorf("dma: allocate %d pages: %w: %v", pages, ataerr.OutOfResources, err)
	}

	busAddr, err := a.dma.Map(cpuAddr, pages*pageSize, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		// unwind in reverse order of acquisition.
		a.dma.FreeBuffer(cpuAddr, pages)
		return nil, fmt.Errorf("dma: map %d pages: %w: %v", pages, ataerr.OutOfResources, err)
	}

	units := pages * pageSize / UnitSize

	return &block{
		cpuAddr: cpuAddr,
		busAddr: busAddr,
		pages:   pages,
		units:   units,
		bm:      newBitmap(units),
	}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Alloc rounds size up to 32 bytes, walks the block list for the first
// bit-run that fits, and on failure grows the arena by a new block before
// retrying.
func (a *Arena) Alloc(size int) (cpuAddr uintptr, busAddr uint32, err error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("dma: alloc: %w: size must be positive", ataerr.InvalidParameter)
	}

	units := ceilDiv(size, UnitSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if cpuAddr, busAddr, ok := a.tryAlloc(units); ok {
		return cpuAddr, busAddr, nil
	}

	pages := pageDefault
	if want := ceilDiv(size, pageSize) + 1; want > pages {
		pages = want
	}

	newBlock, err := a.allocateBlock(pages)
	if err != nil {
		return 0, 0, err
	}

	a.blocks = append(a.blocks, newBlock)

	cpuAddr, busAddr, ok := a.tryAlloc(units)
	if !ok {
		// the freshly grown block is always sized to fit; reaching here
		// indicates an accounting bug, not a resource shortage.
		panic("dma: newly grown block does not fit allocation")
	}

	return cpuAddr, busAddr, nil
}

func (a *Arena) tryAlloc(units int) (uintptr, uint32, bool) {
	for _, b := range a.blocks {
		if off, ok := b.bm.findRun(b.units, units); ok {
			b.bm.setRun(off, units)
			return b.cpuAddr + uintptr(off*UnitSize), b.busAddr + uint32(off*UnitSize), true
		}
	}

	return 0, 0, false
}

// Free clears the bit run covering addr/size and, if the owning block is
// not the head block and becomes empty, unmaps and releases it back to the
// PCI allocator. Freeing an address not allocated by this arena is a
// programming fault.
func (a *Arena) Free(addr uintptr, size int) {
	units := ceilDiv(size, UnitSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, b := range a.blocks {
		if !b.contains(addr) {
			continue
		}

		off := int(addr-b.cpuAddr) / UnitSize
		b.bm.clearRun(off, units)

		if !b.head && b.bm.countSet(b.units) == 0 {
			a.dma.Unmap(b.cpuAddr, b.pages*pageSize, pciio.DirBusMasterCommonBuffer)
			a.dma.FreeBuffer(b.cpuAddr, b.pages)
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
		}

		return
	}

	panic(fmt.Sprintf("dma: free of unallocated address %#x", addr))
}

// InUseUnits returns the total number of 32-byte units currently allocated
// across every block, used by tests to assert the pre/post-submission
// bitmap invariant.
func (a *Arena) InUseUnits() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, b := range a.blocks {
		n += b.bm.countSet(b.units)
	}

	return n
}

// Read copies len(buf) bytes from the CPU-visible address addr+off into buf.
func Read(addr uintptr, off int, buf []byte) {
	if len(buf) == 0 {
		return
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr+uintptr(off))), len(buf))
	copy(buf, mem)
}

// Write copies buf into the CPU-visible address addr+off.
func Write(addr uintptr, off int, buf []byte) {
	if len(buf) == 0 {
		return
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr+uintptr(off))), len(buf))
	copy(mem, buf)
}
