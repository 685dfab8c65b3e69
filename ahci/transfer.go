// AHCI five-step command transfer pipeline
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
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/internal/reg"
	"github.com/usbarmory/atahost/pciio"
)

// dataDir names which direction, if any, a command's PRD table moves data.
type dataDir int

const (
	dataNone dataDir = iota
	dataIn
	dataOut
)

// command describes one five-step AHCI command, built by the higher-level
// identify/atapi/rw callers.
type command struct {
	cb      devinfo.CommandBlock
	atapi   []byte // 12-16 byte CDB, nil for a non-packet command
	dir     dataDir
	pio     bool // dataIn protocol is PIO-setup-FIS, not DMA-setup-FIS
	data    []byte
	timeout time.Duration
}

// slot is always 0: the single-task design issues one command at
// a time through command-list entry 0.
const slot = 0

// result is what a completed command reports back.
type result struct {
	status           devinfo.StatusBlock
	bytesTransferred int
}

// execute runs the full build_fis / build_command / start_command / wait /
// stop_command pipeline against port p.
func (c *Controller) execute(p *Port, cmd command) (result, error) {
	fis := buildH2DFIS(cmd.cb)

	var busAddr uint32
	var unmap func()
	var err error

	if cmd.dir != dataNone {
		// dataIn: the device writes into the buffer, host reads after.
		// dataOut: the device reads the buffer the host just filled.
		dir := pciio.DirBusMasterWrite
		if cmd.dir == dataOut {
			dir = pciio.DirBusMasterRead
		}

		busAddr, unmap, err = c.mapCommandData(cmd.data, dir)
		if err != nil {
			return result{}, err
		}
		defer func() {
			if unmap != nil {
				unmap()
			}
		}()

		if err := c.fatal4GB(busAddr, len(cmd.data)); err != nil {
			return result{}, err
		}
	}

	if _, err := c.buildCommand(fis, cmd, busAddr); err != nil {
		return result{}, err
	}

	if err := c.startCommand(p, cmd); err != nil {
		return result{}, err
	}

	res, err := c.waitCommand(p, cmd)

	if stopErr := p.stopAfterCommand(); stopErr != nil && err == nil {
		err = stopErr
	}

	return res, err
}

func (c *Controller) mapCommandData(data []byte, dir pciio.Direction) (uint32, func(), error) {
	cpuAddr, busAddr, err := dma.MapBuffer(c.dmaDev, data, dir)
	if err != nil {
		return 0, nil, err
	}

	unmap := func() {
		dma.UnmapBuffer(c.dmaDev, cpuAddr, len(data), dir)
	}

	return busAddr, unmap, nil
}

// buildCommand is step 2: write the FIS, any ATAPI CDB, the PRD table and
// command-list entry 0.
func (c *Controller) buildCommand(fis [fisH2DSize]byte, cmd command, busAddr uint32) (int, error) {
	c.cmdTable.WriteCFIS(fis[:])

	isATAPI := cmd.atapi != nil
	if isATAPI {
		c.cmdTable.WriteATAPIPacket(cmd.atapi)
	}

	var prdtl int

	if cmd.dir != dataNone {
		entries, err := buildPRDList(busAddr, len(cmd.data))
		if err != nil {
			return 0, err
		}

		prdtl, err = c.cmdTable.SetPRDTable(entries)
		if err != nil {
			return 0, err
		}
	} else {
		c.cmdTable.SetPRDTable(nil)
	}

	const cfl = fisH2DSize / 4 // dwords

	c.cmdList.SetSlot0(cfl, isATAPI, cmd.dir == dataOut, prdtl, c.cmdTable.BusAddr)

	return prdtl, nil
}

// startCommand is step 3.
func (c *Controller) startCommand(p *Port, cmd command) error {
	if err := reg.Write32(c.io, p.base+pxIS, 0xffffffff); err != nil {
		return err
	}
	if err := reg.Write32(c.io, p.base+pxSERR, 0xffffffff); err != nil {
		return err
	}

	if err := p.startCommandEngine(); err != nil {
		return err
	}

	tfd, err := reg.Read32(c.io, p.base+pxTFD)
	if err != nil {
		return err
	}
	busyOrDRQ := tfd&(devinfo.StatusBSY|devinfo.StatusDRQ) != 0

	if busyOrDRQ && c.caps.CLO {
		cmdReg, err := reg.Read32(c.io, p.base+pxCMD)
		if err != nil {
			return err
		}
		if err := reg.Write32(c.io, p.base+pxCMD, cmdReg|(1<<pxCMDCLOBit)); err != nil {
			return err
		}
		if err := reg.WaitUntilSet32(c.clock, c.io, p.base+pxCMD, 1<<pxCMDCLOBit, 0, 500*time.Millisecond); err != nil {
			return err
		}
	}

	if cmd.atapi != nil {
		cmdReg, err := reg.Read32(c.io, p.base+pxCMD)
		if err != nil {
			return err
		}
		if err := reg.Write32(c.io, p.base+pxCMD, cmdReg|(1<<pxCMDDLAEBit)|(1<<pxCMDATAPIBit)); err != nil {
			return err
		}
	} else {
		cmdReg, err := reg.Read32(c.io, p.base+pxCMD)
		if err != nil {
			return err
		}
		if err := reg.Write32(c.io, p.base+pxCMD, cmdReg&^((1<<pxCMDDLAEBit)|(1<<pxCMDATAPIBit))); err != nil {
			return err
		}
	}

	if err := reg.Write32(c.io, p.base+pxSACT, 1<<slot); err != nil {
		return err
	}

	return reg.Write32(c.io, p.base+pxCI, 1<<slot)
}

// waitCommand is step 4.
func (c *Controller) waitCommand(p *Port, cmd command) (result, error) {
	timeout := cmd.timeout
	if timeout == 0 {
		timeout = time.Second
	}

	switch cmd.dir {
	case dataIn:
		if cmd.pio {
			// PIO read: wait for the PIO-Setup FIS, then for its
			// completion interrupt.
			if err := c.waitFISType(p, fisPIOSetupOffset, fisTypePIOSetup, timeout); err != nil {
				return result{}, err
			}
		} else {
			if err := reg.WaitUntilSet32(c.clock, c.io, p.base+pxIS, pxISDPS, pxISDPS, timeout); err != nil {
				return result{}, err
			}
		}
	case dataOut:
		if err := reg.WaitUntilSet32(c.clock, c.io, p.base+pxIS, pxISDPS, pxISDPS, timeout); err != nil {
			return result{}, err
		}
	default:
		if err := c.waitFISType(p, fisD2HOffset, fisTypeD2H, timeout); err != nil {
			return result{}, err
		}
	}

	if err := reg.WaitUntilSet32(c.clock, c.io, p.base+pxCI, 1<<slot, 0, timeout); err != nil {
		return result{}, err
	}

	finalBit := uint32(pxISDHRS)
	if cmd.dir == dataIn && cmd.pio {
		finalBit = pxISPSS
	}

	if err := reg.WaitUntilSet32(c.clock, c.io, p.base+pxIS, finalBit, finalBit, timeout); err != nil {
		return result{}, err
	}

	sb := p.fis.D2HStatusBlock()

	res := result{status: sb, bytesTransferred: c.cmdList.PRDBC0()}

	if sb.HasError() {
		return res, fmt.Errorf("ahci: command: %w", ataerr.DeviceError)
	}

	is, err := reg.Read32(c.io, p.base+pxIS)
	if err == nil && is&(pxISTFES|pxISHBFS|pxISHBDS|pxISIFS) != 0 {
		return res, fmt.Errorf("ahci: command: %w", ataerr.DeviceError)
	}

	return res, nil
}

func (c *Controller) waitFISType(p *Port, offset int, want byte, timeout time.Duration) error {
	start := c.clock.Now()

	for {
		buf := make([]byte, 1)
		dma.Read(p.fis.CPUAddr, offset, buf)
		if buf[0] == want {
			return nil
		}

		if timeout != 0 && c.clock.Now().Sub(start) >= timeout {
			return fmt.Errorf("ahci: wait for FIS type %#x: %w", want, ataerr.Timeout)
		}

		c.clock.Stall(waitFISPollInterval)
	}
}

const waitFISPollInterval = 50 * time.Microsecond

// stopAfterCommand is step 5.
func (p *Port) stopAfterCommand() error {
	return p.stopCommandEngine()
}
