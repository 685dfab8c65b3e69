// AHCI received-FIS area and H2D register FIS builder
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/pciio"
)

// fisAreaSize is the fixed 256-byte received-FIS region per port.
const fisAreaSize = 256

// FISArea is a port's received-FIS region: the controller deposits
// DMA-setup, PIO-setup, D2H register, set-device-bits and unknown FISes at
// the fixed offsets.
type FISArea struct {
	dmaDev  pciio.DMA
	CPUAddr uintptr
	BusAddr uint32
}

// NewFISArea allocates and zeroes one port's received-FIS region.
func NewFISArea(dmaDev pciio.DMA) (*FISArea, error) {
	cpu, err := dmaDev.AllocateBuffer(1)
	if err != nil {
		return nil, fmt.Errorf("ahci: FIS area allocation: %w", ataerr.OutOfResources)
	}

	bus, err := dmaDev.Map(cpu, fisAreaSize, pciio.DirBusMasterCommonBuffer)
	if err != nil {
		dmaDev.FreeBuffer(cpu, 1)
		return nil, fmt.Errorf("ahci: FIS area mapping: %w", ataerr.OutOfResources)
	}

	dma.Write(cpu, 0, make([]byte, fisAreaSize))

	return &FISArea{dmaDev: dmaDev, CPUAddr: cpu, BusAddr: bus}, nil
}

// Free releases the FIS area's dedicated buffer.
func (f *FISArea) Free() {
	f.dmaDev.Unmap(f.CPUAddr, fisAreaSize, pciio.DirBusMasterCommonBuffer)
	f.dmaDev.FreeBuffer(f.CPUAddr, 1)
}

// PIOSetupType reports the FIS type byte latched at the PIO-setup offset.
func (f *FISArea) PIOSetupType() byte {
	buf := make([]byte, 1)
	dma.Read(f.CPUAddr, fisPIOSetupOffset, buf)
	return buf[0]
}

// D2HType reports the FIS type byte latched at the D2H register offset.
func (f *FISArea) D2HType() byte {
	buf := make([]byte, 1)
	dma.Read(f.CPUAddr, fisD2HOffset, buf)
	return buf[0]
}

// D2HStatusBlock decodes the status block out of the D2H register FIS the
// controller deposited in the received-FIS area.
func (f *FISArea) D2HStatusBlock() devinfo.StatusBlock {
	buf := make([]byte, 20)
	dma.Read(f.CPUAddr, fisD2HOffset, buf)

	return devinfo.StatusBlock{
		Status:      buf[2],
		Error:       buf[3],
		LBALow:      buf[4],
		LBAMid:      buf[5],
		LBAHigh:     buf[6],
		Device:      buf[7],
		SectorCount: buf[12],
	}
}

// fisH2DSize is the byte length of a software-built Host-to-Device
// register FIS.
const fisH2DSize = 20

const (
	fisTypeRegH2D = 0x27
	h2dCBit       = 1 << 7 // "command" bit within byte 1
)

// buildH2DFIS fills a 20-byte H2D register FIS from the ATA command
// block.
func buildH2DFIS(cb devinfo.CommandBlock) [fisH2DSize]byte {
	var b [fisH2DSize]byte

	b[0] = fisTypeRegH2D
	b[1] = h2dCBit
	b[2] = cb.Command
	b[3] = cb.Features

	b[4] = cb.LBALow
	b[5] = cb.LBAMid
	b[6] = cb.LBAHigh
	b[7] = cb.Device | 0xe0

	b[8] = cb.LBALowExp
	b[9] = cb.LBAMidExp
	b[10] = cb.LBAHighExp
	b[11] = cb.FeaturesExp

	b[12] = cb.SectorCount
	b[13] = cb.SectorCountExp

	return b
}
