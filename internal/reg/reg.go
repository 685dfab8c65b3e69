// Typed register façade over a PCI bus-access handle
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides byte/word/dword reads and writes over an opaque
// pciio.IO bus handle. These are pure functions over the handle, no state
// beyond it — the engines above decide which registers are clear-on-read
// status registers and which are "alternate status" registers that must
// not be disturbed by a read; this package only performs the access.
package reg

import "github.com/usbarmory/atahost/pciio"

// Get32 reads a 32-bit register and extracts the field at pos with mask
// applied.
func Get32(io pciio.IO, offset uint32, pos int, mask uint32) (uint32, error) {
	v, err := io.Read32(offset)
	if err != nil {
		return 0, err
	}

	return (v >> uint(pos)) & mask, nil
}

// Set32 sets an individual bit of a 32-bit register.
func Set32(io pciio.IO, offset uint32, pos int) error {
	v, err := io.Read32(offset)
	if err != nil {
		return err
	}

	return io.Write32(offset, v|(1<<uint(pos)))
}

// Clear32 clears an individual bit of a 32-bit register.
func Clear32(io pciio.IO, offset uint32, pos int) error {
	v, err := io.Read32(offset)
	if err != nil {
		return err
	}

	return io.Write32(offset, v&^(1<<uint(pos)))
}

// SetN32 sets a multi-bit field of a 32-bit register.
func SetN32(io pciio.IO, offset uint32, pos int, mask uint32, val uint32) error {
	v, err := io.Read32(offset)
	if err != nil {
		return err
	}

	v = (v &^ (mask << uint(pos))) | ((val & mask) << uint(pos))

	return io.Write32(offset, v)
}

// Read32 reads a 32-bit register verbatim.
func Read32(io pciio.IO, offset uint32) (uint32, error) { return io.Read32(offset) }

// Write32 writes a 32-bit register verbatim.
func Write32(io pciio.IO, offset uint32, val uint32) error { return io.Write32(offset, val) }

// Get16 reads a 16-bit register and extracts the field at pos with mask
// applied.
func Get16(io pciio.IO, offset uint32, pos int, mask uint16) (uint16, error) {
	v, err := io.Read16(offset)
	if err != nil {
		return 0, err
	}

	return (v >> uint(pos)) & mask, nil
}

// Read16 reads a 16-bit register verbatim.
func Read16(io pciio.IO, offset uint32) (uint16, error) { return io.Read16(offset) }

// Write16 writes a 16-bit register verbatim.
func Write16(io pciio.IO, offset uint32, val uint16) error { return io.Write16(offset, val) }

// Read8 reads an 8-bit register verbatim.
func Read8(io pciio.IO, offset uint32) (uint8, error) { return io.Read8(offset) }

// Write8 writes an 8-bit register verbatim.
func Write8(io pciio.IO, offset uint32, val uint8) error { return io.Write8(offset, val) }

// Set8 sets an individual bit of an 8-bit register.
func Set8(io pciio.IO, offset uint32, pos int) error {
	v, err := io.Read8(offset)
	if err != nil {
		return err
	}

	return io.Write8(offset, v|(1<<uint(pos)))
}

// Clear8 clears an individual bit of an 8-bit register.
func Clear8(io pciio.IO, offset uint32, pos int) error {
	v, err := io.Read8(offset)
	if err != nil {
		return err
	}

	return io.Write8(offset, v&^(1<<uint(pos)))
}
