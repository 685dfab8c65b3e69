// Tests for the DMA arena
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"testing"

	"github.com/usbarmory/atahost/pciio/fake"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()

	a := NewArena(fake.NewDMA(true))

	if err := a.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return a
}

func TestAllocAlignmentAndBounds(t *testing.T) {
	a := newTestArena(t)

	cpuAddr, busAddr, err := a.Alloc(48)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if cpuAddr%UnitSize != 0 {
		t.Errorf("cpuAddr %#x not 32-byte aligned", cpuAddr)
	}

	if busAddr%UnitSize != 0 {
		t.Errorf("busAddr %#x not 32-byte aligned", busAddr)
	}

	if a.InUseUnits() != ceilDiv(48, UnitSize) {
		t.Errorf("InUseUnits = %d, want %d", a.InUseUnits(), ceilDiv(48, UnitSize))
	}
}

func TestAllocGrowsOnDemand(t *testing.T) {
	a := newTestArena(t)

	// Request larger than a single default page to force block growth.
	cpuAddr, _, err := a.Alloc(8192)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if len(a.blocks) != 2 {
		t.Fatalf("expected arena to grow to 2 blocks, got %d", len(a.blocks))
	}

	if !a.blocks[1].contains(cpuAddr) {
		t.Errorf("large allocation not placed in grown block")
	}
}

func TestFreeClearsBitmapAndReleasesNonHeadBlock(t *testing.T) {
	a := newTestArena(t)

	cpuAddr, _, err := a.Alloc(8192)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	before := a.InUseUnits()
	a.Free(cpuAddr, 8192)

	if a.InUseUnits() != before-ceilDiv(8192, UnitSize) {
		t.Errorf("InUseUnits after free = %d", a.InUseUnits())
	}

	if len(a.blocks) != 1 {
		t.Errorf("expected empty non-head block to be released, got %d blocks", len(a.blocks))
	}
}

func TestFreeOfUnallocatedAddressPanics(t *testing.T) {
	a := newTestArena(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic freeing an unallocated address")
		}
	}()

	a.Free(0xdeadbeef, 32)
}

func TestReadWriteRoundTrip(t *testing.T) {
	a := newTestArena(t)

	cpuAddr, _, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	want := []byte("0123456789abcdef")
	Write(cpuAddr, 8, want)

	got := make([]byte, len(want))
	Read(cpuAddr, 8, got)

	if string(got) != string(want) {
		t.Errorf("Read/Write round trip = %q, want %q", got, want)
	}
}
