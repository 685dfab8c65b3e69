// In-memory fake PCI collaborator for tests
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fake implements pciio.Config/IO/DMA/Attributes over a plain byte
// slice, standing in for real PCI configuration space, a memory-mapped bar
// and the common-buffer allocator in unit tests. It is test-only scaffolding,
// not a production PCI stack.
package fake

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/usbarmory/atahost/pciio"
)

// Bar is a fake memory/IO-mapped register bank backed by a byte slice.
type Bar struct {
	mu  sync.Mutex
	mem []byte
}

// NewBar allocates a fake bar of the given size.
func NewBar(size int) *Bar {
	return &Bar{mem: make([]byte, size)}
}

func (b *Bar) Read8(offset uint32) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset) >= len(b.mem) {
		return 0, fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	return b.mem[offset], nil
}

func (b *Bar) Read16(offset uint32) (uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset)+2 > len(b.mem) {
		return 0, fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	return binary.LittleEndian.Uint16(b.mem[offset:]), nil
}

func (b *Bar) Read32(offset uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset)+4 > len(b.mem) {
		return 0, fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	return binary.LittleEndian.Uint32(b.mem[offset:]), nil
}

func (b *Bar) Write8(offset uint32, val uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset) >= len(b.mem) {
		return fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	b.mem[offset] = val

	return nil
}

func (b *Bar) Write16(offset uint32, val uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset)+2 > len(b.mem) {
		return fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	binary.LittleEndian.PutUint16(b.mem[offset:], val)

	return nil
}

func (b *Bar) Write32(offset uint32, val uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int(offset)+4 > len(b.mem) {
		return fmt.Errorf("fake bar: offset %#x out of range", offset)
	}

	binary.LittleEndian.PutUint32(b.mem[offset:], val)

	return nil
}

// Poke directly sets register contents, used by tests to simulate a
// hardware-driven status-bit transition.
func (b *Bar) Poke32(offset uint32, val uint32) {
	b.Write32(offset, val)
}

var _ pciio.IO = (*Bar)(nil)

// DMA is a fake common-buffer allocator backed by process memory; bus
// addresses are identical to CPU addresses (no IOMMU translation).
type DMA struct {
	mu        sync.Mutex
	sixtyFour bool
	bufs      map[uintptr][]byte
}

// NewDMA returns a fake DMA collaborator. sixtyFour reports whether it
// should behave as if the platform can hand out 64-bit bus addresses.
func NewDMA(sixtyFour bool) *DMA {
	return &DMA{sixtyFour: sixtyFour, bufs: make(map[uintptr][]byte)}
}

func (d *DMA) AllocateBuffer(pages int) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pages <= 0 {
		return 0, fmt.Errorf("fake dma: invalid page count %d", pages)
	}

	size := pages * 4096
	buf := make([]byte, size)
	// The returned address must be genuinely dereferenceable: engines
	// and the dma.Arena read/write descriptor memory through it via
	// unsafe.Pointer, exactly as real common-buffer memory would be.
	// Keeping buf alive in d.bufs prevents the GC from reclaiming it
	// out from under that pointer.
	addr := uintptr(unsafe.Pointer(&buf[0]))
	d.bufs[addr] = buf

	return addr, nil
}

func (d *DMA) FreeBuffer(addr uintptr, pages int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.bufs[addr]; !ok {
		return fmt.Errorf("fake dma: free of unknown buffer %#x", addr)
	}

	delete(d.bufs, addr)

	return nil
}

func (d *DMA) Map(hostAddr uintptr, length int, dir pciio.Direction) (uint32, error) {
	return uint32(hostAddr), nil
}

func (d *DMA) Unmap(hostAddr uintptr, length int, dir pciio.Direction) error {
	return nil
}

func (d *DMA) Is64BitCapable() bool {
	return d.sixtyFour
}

// Mem exposes the fake's backing byte slice for an allocation, letting
// tests write descriptor contents or assert on them directly.
func (d *DMA) Mem(addr uintptr) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bufs[addr]
}

var _ pciio.DMA = (*DMA)(nil)

// Attrs is a fake PCI attribute controller.
type Attrs struct {
	mu        sync.Mutex
	supported uint64
	enabled   uint64
}

// NewAttrs returns a fake attribute controller supporting the given mask.
func NewAttrs(supported uint64) *Attrs {
	return &Attrs{supported: supported}
}

func (a *Attrs) Supported() (uint64, error) {
	return a.supported, nil
}

func (a *Attrs) Get() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.enabled, nil
}

func (a *Attrs) Enable(mask uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled |= mask

	return nil
}

func (a *Attrs) Set(mask uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.enabled = mask

	return nil
}

var _ pciio.Attributes = (*Attrs)(nil)

// Config is a fake PCI configuration space.
type Config struct {
	mu    sync.Mutex
	class pciio.ClassCode
	space [256]byte
	bars  [6]struct {
		addr uint32
		isIO bool
	}
}

// NewConfig returns a fake configuration space advertising the given class
// code.
func NewConfig(class pciio.ClassCode) *Config {
	return &Config{class: class}
}

func (c *Config) ReadClassCode() (pciio.ClassCode, error) {
	return c.class, nil
}

func (c *Config) Read8(offset uint32) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.space[offset], nil
}

func (c *Config) Read16(offset uint32) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint16(c.space[offset:]), nil
}

func (c *Config) Read32(offset uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.Uint32(c.space[offset:]), nil
}

func (c *Config) Write8(offset uint32, val uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.space[offset] = val
	return nil
}

func (c *Config) Write16(offset uint32, val uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint16(c.space[offset:], val)
	return nil
}

func (c *Config) Write32(offset uint32, val uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint32(c.space[offset:], val)
	return nil
}

// SetBAR configures the decoded value BAR(n) will report, bypassing the
// raw configuration-space encoding (tests rarely care about that encoding).
func (c *Config) SetBAR(n int, addr uint32, isIO bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars[n].addr = addr
	c.bars[n].isIO = isIO
}

func (c *Config) BAR(n int) (uint32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 0 || n > 5 {
		return 0, false, fmt.Errorf("fake config: invalid bar index %d", n)
	}

	return c.bars[n].addr, c.bars[n].isIO, nil
}

var _ pciio.Config = (*Config)(nil)
