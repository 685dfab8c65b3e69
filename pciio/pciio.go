// External PCI collaborator surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pciio declares the narrow surface this module consumes from the
// PCI configuration / IO / DMA-mapping services and from the boot firmware's
// service table. Per the scope boundary of this driver, nothing in this
// module implements address mapping, common-buffer allocation, PCI
// attribute control, timer events or TPL raising — those belong to an
// external collaborator reached only through these interfaces.
package pciio

import "time"

// DeviceEnable mirrors EFI_PCI_DEVICE_ENABLE: enable IO space, memory space
// and bus-mastering on the function.
const DeviceEnable = 0x7

// Direction selects the direction of a bus-master DMA mapping.
type Direction int

const (
	// DirBusMasterRead maps a buffer the device will read from.
	DirBusMasterRead Direction = iota
	// DirBusMasterWrite maps a buffer the device will write to.
	DirBusMasterWrite
	// DirBusMasterCommonBuffer maps memory the driver allocated for
	// descriptor rings and the like; readable and writable by both
	// sides.
	DirBusMasterCommonBuffer
)

// ClassCode is the three-byte PCI class/sub-class/programming-interface
// triple read from configuration offset 0x09.
type ClassCode struct {
	Base          byte
	Sub           byte
	ProgInterface byte
}

// Config is the PCI configuration-space access surface.
type Config interface {
	// ReadClassCode reads the class-code triple at offset 0x09.
	ReadClassCode() (ClassCode, error)

	// Read8/Read16/Read32 read one 8-, 16- or 32-bit value at the given
	// configuration-space offset.
	Read8(offset uint32) (uint8, error)
	Read16(offset uint32) (uint16, error)
	Read32(offset uint32) (uint32, error)

	// Write8/Write16/Write32 write a value at the given configuration
	// space offset.
	Write8(offset uint32, val uint8) error
	Write16(offset uint32, val uint16) error
	Write32(offset uint32, val uint32) error

	// BAR returns the decoded base address and whether it is IO-space
	// mapped (as opposed to memory-mapped) for BAR index n (0-based,
	// i.e. offset 0x10 + 4*n).
	BAR(n int) (addr uint32, isIO bool, err error)
}

// Attributes controls enable/disable of PCI device attributes such as IO
// space, memory space and bus mastering (EFI_PCI_IO_PROTOCOL.Attributes).
type Attributes interface {
	// Supported returns the attribute bitmask the device supports.
	Supported() (uint64, error)

	// Get returns the currently enabled attribute bitmask, used to
	// snapshot the PCI attributes in force before the driver enabled the
	// controller so that Stop can restore them.
	Get() (uint64, error)

	// Enable sets additional bits in the enabled attribute bitmask.
	Enable(mask uint64) error

	// Set replaces the entire enabled attribute bitmask, used to restore
	// a snapshot taken with Get.
	Set(mask uint64) error
}

// IO is the memory/IO-mapped register access surface for one PCI bar.
type IO interface {
	// Read8/Read16/Read32 read at a byte offset within the bar.
	Read8(offset uint32) (uint8, error)
	Read16(offset uint32) (uint16, error)
	Read32(offset uint32) (uint32, error)

	// Write8/Write16/Write32 write at a byte offset within the bar.
	Write8(offset uint32, val uint8) error
	Write16(offset uint32, val uint16) error
	Write32(offset uint32, val uint32) error
}

// DMA is the common-buffer allocation and bus-master mapping surface.
type DMA interface {
	// AllocateBuffer allocates pages of common-buffer memory, returning
	// the CPU-visible address.
	AllocateBuffer(pages int) (cpuAddr uintptr, err error)

	// FreeBuffer releases memory returned by AllocateBuffer.
	FreeBuffer(cpuAddr uintptr, pages int) error

	// Map establishes a bus-master mapping for an existing buffer and
	// returns the bus-visible address the controller must be given.
	// hostAddr must lie in memory previously returned by AllocateBuffer
	// or otherwise suitable for DMA.
	Map(hostAddr uintptr, length int, dir Direction) (busAddr uint32, err error)

	// Unmap releases a mapping established with Map.
	Unmap(hostAddr uintptr, length int, dir Direction) error

	// Is64BitCapable reports whether the platform can hand out bus
	// addresses above 4 GiB; engines that cannot tolerate a high address
	// (HBAs that do not advertise 64-bit capability) consult this before
	// accepting a mapping.
	Is64BitCapable() bool
}

// Stall blocks the caller for approximately d — a synchronous equivalent of
// the boot firmware's Stall() service. The engines in this module do not
// take a Stall; they delay through the Stall method of clock.Clock (e.g.
// the ATA command preamble's delay after writing the command register).
type Stall interface {
	Stall(d time.Duration)
}
