// AHCI port state machine and port reset
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"time"

	"github.com/usbarmory/atahost/internal/reg"
)

// Per-port register offsets, relative to the port's 128-byte block
// (AHCI spec rev 1.3.1 §3.3).
const (
	pxCLB  = 0x00
	pxCLBU = 0x04
	pxFB   = 0x08
	pxFBU  = 0x0c
	pxIS   = 0x10
	pxIE   = 0x14
	pxCMD  = 0x18
	pxTFD  = 0x20
	pxSIG  = 0x24
	pxSSTS = 0x28
	pxSCTL = 0x2c
	pxSERR = 0x30
	pxSACT = 0x34
	pxCI   = 0x38
	pxSNTF = 0x3c
)

// PxCMD bit positions.
const (
	pxCMDSTBit    = 0
	pxCMDSUDBit   = 1
	pxCMDPODBit   = 2
	pxCMDCLOBit   = 3
	pxCMDFREBit   = 4
	pxCMDFRBit    = 14
	pxCMDCRBit    = 15
	pxCMDCPDBit   = 20
	pxCMDATAPIBit = 24
	pxCMDDLAEBit  = 25
)

// PxIS bit positions (the ones this engine waits on).
const (
	pxISDPS  = 1 << 5 // descriptor processed
	pxISPSS  = 1 << 1 // PIO setup FIS received
	pxISDHRS = 1 << 0 // D2H register FIS received

	pxISTFES = 1 << 30
	pxISHBFS = 1 << 29
	pxISHBDS = 1 << 28
	pxISIFS  = 1 << 27
)

// detPresentAndComm is SSTS.DET == 3, "device present and communication
// established".
const detPresentAndComm = 3

// sctlIPMDisableAll disables both partial- and slumber-state transitions
// in SCTL.IPM (bits 8-11).
const sctlIPMDisableAll = 0x3 << 8

// Received-FIS-area byte offsets (§3, AHCI spec table 5-18).
const (
	fisDMASetupOffset = 0x00
	fisPIOSetupOffset = 0x20
	fisD2HOffset      = 0x40
	fisSDBOffset      = 0x58
	fisUnknownOffset  = 0x60

	fisTypePIOSetup = 0x5f
	fisTypeD2H      = 0x34
)

// Port is the per-port software state: register-block base offset and the
// mapped FIS receive area. The command list and command table are owned by
// the Controller and shared across ports.
type Port struct {
	num  int
	base uint32
	c    *Controller
	fis  *FISArea
}

func (p *Port) sstsDET() (int, error) {
	v, err := reg.Read32(p.c.io, p.base+pxSSTS)
	if err != nil {
		return 0, err
	}

	return int(v & 0xf), nil
}

// stopCommandEngine implements the stop_command sequence:
// clear ST, wait for CR to clear, clear FRE, wait for FR to clear.
func (p *Port) stopCommandEngine() error {
	cmd, err := reg.Read32(p.c.io, p.base+pxCMD)
	if err != nil {
		return err
	}

	cmd &^= 1 << pxCMDSTBit
	if err := reg.Write32(p.c.io, p.base+pxCMD, cmd); err != nil {
		return err
	}

	if err := reg.WaitUntilSet32(p.c.clock, p.c.io, p.base+pxCMD, 1<<pxCMDCRBit, 0, 500*time.Millisecond); err != nil {
		return err
	}

	cmd, err = reg.Read32(p.c.io, p.base+pxCMD)
	if err != nil {
		return err
	}

	cmd &^= 1 << pxCMDFREBit
	if err := reg.Write32(p.c.io, p.base+pxCMD, cmd); err != nil {
		return err
	}

	return reg.WaitUntilSet32(p.c.clock, p.c.io, p.base+pxCMD, 1<<pxCMDFRBit, 0, 500*time.Millisecond)
}

// enableFISReceive sets CMD.FRE and waits for CMD.FR to latch, the shared
// first half of the command-start sequence and of the port-reset
// re-enable.
func (p *Port) enableFISReceive() error {
	cmd, err := reg.Read32(p.c.io, p.base+pxCMD)
	if err != nil {
		return err
	}

	if err := reg.Write32(p.c.io, p.base+pxCMD, cmd|(1<<pxCMDFREBit)); err != nil {
		return err
	}

	return reg.WaitUntilSet32(p.c.clock, p.c.io, p.base+pxCMD, 1<<pxCMDFRBit, 1<<pxCMDFRBit, 500*time.Millisecond)
}

// startCommandEngine implements step 3's FIS-receive enable / ST set:
// enable FRE and wait for FR to latch, then set ST.
func (p *Port) startCommandEngine() error {
	if err := p.enableFISReceive(); err != nil {
		return err
	}

	cmd, err := reg.Read32(p.c.io, p.base+pxCMD)
	if err != nil {
		return err
	}

	return reg.Write32(p.c.io, p.base+pxCMD, cmd|(1<<pxCMDSTBit))
}

// Reset performs the port-reset sequence: clear status, stop
// commands, disable/re-enable FIS receive, SCTL.DET pulse, wait for
// present-and-communicating, clear SERR.
func (p *Port) Reset() error {
	if err := reg.Write32(p.c.io, p.base+pxSERR, 0xffffffff); err != nil {
		return err
	}

	if err := p.stopCommandEngine(); err != nil {
		return err
	}

	if err := p.enableFISReceive(); err != nil {
		return err
	}

	if err := reg.Write32(p.c.io, p.base+pxSCTL, 1); err != nil {
		return err
	}

	p.c.clock.Stall(5 * time.Millisecond)

	if err := reg.Write32(p.c.io, p.base+pxSCTL, 0); err != nil {
		return err
	}

	p.c.clock.Stall(5 * time.Millisecond)

	if err := reg.WaitUntilSet32(p.c.clock, p.c.io, p.base+pxSSTS, 0xf, detPresentAndComm, time.Second); err != nil {
		return err
	}

	return reg.Write32(p.c.io, p.base+pxSERR, 0xffffffff)
}
