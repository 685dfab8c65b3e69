// DMA buffer mapping helpers
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"unsafe"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/pciio"
)

// MapBuffer establishes a bus-master mapping over a caller-supplied
// software buffer (as opposed to Arena.Alloc, which allocates descriptor
// memory from the common-buffer arena itself). It is used to map a
// transfer's data buffer for the duration of one UHCI/AHCI/IDE command.
func MapBuffer(d pciio.DMA, buf []byte, dir pciio.Direction) (cpuAddr uintptr, busAddr uint32, err error) {
	if len(buf) == 0 {
		return 0, 0, fmt.Errorf("dma: map: %w: empty buffer", ataerr.InvalidParameter)
	}

	cpuAddr = uintptr(unsafe.Pointer(&buf[0]))

	busAddr, err = d.Map(cpuAddr, len(buf), dir)
	if err != nil {
		return 0, 0, fmt.Errorf("dma: map buffer: %w: %v", ataerr.OutOfResources, err)
	}

	if !d.Is64BitCapable() && uint64(busAddr)+uint64(len(buf)) > 1<<32 {
		d.Unmap(cpuAddr, len(buf), dir)
		return 0, 0, fmt.Errorf("dma: map buffer: bus address crosses 4GiB on 32-bit-only platform: %w", ataerr.Unsupported)
	}

	return cpuAddr, busAddr, nil
}

// UnmapBuffer releases a mapping established with MapBuffer.
func UnmapBuffer(d pciio.DMA, cpuAddr uintptr, length int, dir pciio.Direction) error {
	return d.Unmap(cpuAddr, length, dir)
}
