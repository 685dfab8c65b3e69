// UHCI host-controller startup, state machine and reset
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package uhci implements the UHCI (USB 1.1) host-controller engine:
// frame list, queue-head/transfer-descriptor rings, control/bulk/interrupt
// transfer orchestration, the periodic interrupt-list monitor, and the
// root-hub port surface. Descriptors are built with binary.Write into
// DMA-arena buffers and polled to completion; the controller never takes
// an interrupt.
package uhci

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/internal/reg"
	"github.com/usbarmory/atahost/pciio"
)

// Register offsets within the UHCI I/O BAR (UHCI spec rev 1.1 §2.1).
const (
	regUSBCMD    = 0x00
	regUSBSTS    = 0x02
	regUSBINTR   = 0x04
	regFRNUM     = 0x06
	regFRBASEADD = 0x08
	regSOFMOD    = 0x0c
	regPORTSC1   = 0x10
	regPORTSC2   = 0x12

	cmdRS      = 1 << 0 // run/stop
	cmdHCRESET = 1 << 1
	cmdGRESET  = 1 << 2
	cmdEGSM    = 1 << 3
	cmdFGR     = 1 << 4
	cmdCF      = 1 << 6
	cmdMAXP    = 1 << 7

	stsUSBINT = 1 << 0
	stsError  = 1 << 1
	stsResume = 1 << 2
	stsHSE    = 1 << 3
	stsHCPE   = 1 << 4
	stsHCH    = 1 << 5

	// legacySupportOffset is the PCI configuration offset the core
	// writes zero to at startup to disable USB legacy (keyboard/mouse)
	// emulation.
	legacySupportOffset = 0xc0
)

// Revision of the USB specification this host controller implements,
// reported through the host-controller protocol surface.
const (
	MajorRevision = 1
	MinorRevision = 1
)

// State names the host-controller state machine.
type State int

const (
	StateHalt State = iota
	StateOperational
	StateSuspend
)

// Controller is the UHCI engine instance: one per PCI function.
type Controller struct {
	mu sync.Mutex

	io     pciio.IO
	cfg    pciio.Config
	attrs  pciio.Attributes
	dmaDev pciio.DMA
	clock  clock.Clock

	arena     *dma.Arena
	frameList *FrameList

	intrHead *intrNode

	state State
}

// New constructs a Controller over the given PCI collaborators. Init
// performs the hardware bring-up.
func New(io pciio.IO, cfg pciio.Config, attrs pciio.Attributes, dmaDev pciio.DMA, c clock.Clock) *Controller {
	if c == nil {
		c = clock.Default
	}

	return &Controller{
		io:     io,
		cfg:    cfg,
		attrs:  attrs,
		dmaDev: dmaDev,
		clock:  c,
		arena:  dma.NewArena(dmaDev),
		state:  StateHalt,
	}
}

// Init validates the class code, disables legacy emulation, enables PCI IO
// and bus-master, allocates the frame list, and sets the controller
// operational.
func (c *Controller) Init() error {
	cc, err := c.cfg.ReadClassCode()
	if err != nil {
		return err
	}

	const (
		classSerial = 0x0c
		subUSB      = 0x03
		progUHCI    = 0x00
	)

	if cc.Base != classSerial || cc.Sub != subUSB || cc.ProgInterface != progUHCI {
		return fmt.Errorf("uhci: unexpected class code %02x/%02x/%02x: %w", cc.Base, cc.Sub, cc.ProgInterface, ataerr.InvalidParameter)
	}

	if err := c.cfg.Write16(legacySupportOffset, 0); err != nil {
		return err
	}

	if err := c.attrs.Enable(pciio.DeviceEnable); err != nil {
		return err
	}

	if err := c.arena.Init(); err != nil {
		return err
	}

	fl, err := NewFrameList(c.dmaDev)
	if err != nil {
		return err
	}

	c.frameList = fl
	c.intrHead = nil

	if err := c.publishFrameListBase(); err != nil {
		return err
	}

	return c.goOperational()
}

func (c *Controller) publishFrameListBase() error {
	if err := reg.Write32(c.io, regFRBASEADD, c.frameList.BusAddr); err != nil {
		return err
	}

	return reg.Write16(c.io, regFRNUM, 0)
}

// errorLatched reports whether HSE or HCPE is latched in USBSTS, which
// refuses every state transition.
func (c *Controller) errorLatched() (bool, error) {
	sts, err := reg.Read16(c.io, regUSBSTS)
	if err != nil {
		return false, err
	}

	return sts&(stsHSE|stsHCPE) != 0, nil
}

// goOperational performs the Halt -> Operational transition.
func (c *Controller) goOperational() error {
	if bad, err := c.errorLatched(); err != nil {
		return err
	} else if bad {
		return fmt.Errorf("uhci: host system/controller-process error latched: %w", ataerr.DeviceError)
	}

	if err := reg.Write16(c.io, regUSBCMD, cmdRS|cmdMAXP); err != nil {
		return err
	}

	c.state = StateOperational

	return nil
}

// Halt performs the Operational -> Halt transition: clear RUN/STOP then
// wait up to one second for HCH.
func (c *Controller) Halt() error {
	if bad, err := c.errorLatched(); err != nil {
		return err
	} else if bad {
		return fmt.Errorf("uhci: host system/controller-process error latched: %w", ataerr.DeviceError)
	}

	cmd, err := reg.Read16(c.io, regUSBCMD)
	if err != nil {
		return err
	}

	if err := reg.Write16(c.io, regUSBCMD, cmd&^cmdRS); err != nil {
		return err
	}

	if err := reg.WaitUntilSet16(c.clock, c.io, regUSBSTS, stsHCH, stsHCH, time.Second); err != nil {
		return err
	}

	c.state = StateHalt

	return nil
}

// Suspend performs the Operational -> Suspend transition: Halt, then set
// EGSM.
func (c *Controller) Suspend() error {
	if c.state == StateOperational {
		if err := c.Halt(); err != nil {
			return err
		}
	}

	cmd, err := reg.Read16(c.io, regUSBCMD)
	if err != nil {
		return err
	}

	if err := reg.Write16(c.io, regUSBCMD, cmd|cmdEGSM); err != nil {
		return err
	}

	c.state = StateSuspend

	return nil
}

// Resume performs the Suspend -> Operational transition: if FGR
// is not already set, set it, stall 20ms, then clear FGR and EGSM together
// with RUN/STOP.
func (c *Controller) Resume() error {
	cmd, err := reg.Read16(c.io, regUSBCMD)
	if err != nil {
		return err
	}

	if cmd&cmdFGR == 0 {
		if err := reg.Write16(c.io, regUSBCMD, cmd|cmdFGR); err != nil {
			return err
		}
	}

	c.clock.Stall(20 * time.Millisecond)

	cmd, err = reg.Read16(c.io, regUSBCMD)
	if err != nil {
		return err
	}

	cmd = (cmd &^ (cmdFGR | cmdEGSM)) | cmdRS

	if err := reg.Write16(c.io, regUSBCMD, cmd); err != nil {
		return err
	}

	c.state = StateOperational

	return nil
}

// Reset performs a global reset (GRESET held 50ms + 10ms recovery)
// followed by a controller reset (HCRESET, self-clearing within 10ms), and
// always rebuilds and re-publishes the frame list.
func (c *Controller) Reset() error {
	if err := reg.Write16(c.io, regUSBCMD, cmdGRESET); err != nil {
		return err
	}

	c.clock.Stall(50 * time.Millisecond)

	if err := reg.Write16(c.io, regUSBCMD, 0); err != nil {
		return err
	}

	c.clock.Stall(10 * time.Millisecond)

	if err := reg.Write16(c.io, regUSBCMD, cmdHCRESET); err != nil {
		return err
	}

	if err := reg.WaitUntilSet16(c.clock, c.io, regUSBCMD, cmdHCRESET, 0, 10*time.Millisecond); err != nil {
		return err
	}

	if c.frameList != nil {
		c.frameList.Free()
	}

	fl, err := NewFrameList(c.dmaDev)
	if err != nil {
		return err
	}

	c.frameList = fl
	c.intrHead = nil

	if err := c.publishFrameListBase(); err != nil {
		return err
	}

	return c.goOperational()
}

// Stop tears down the controller: halts it, cancels every outstanding
// async-interrupt node, and releases the frame list.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.Halt()

	for n := c.intrHead; n != nil; {
		next := n.next
		if c.frameList != nil {
			c.frameList.UnlinkEntries(n.entries)
		}
		n.teardown(c.arena, c.dmaDev)
		n = next
	}
	c.intrHead = nil

	if c.frameList != nil {
		c.frameList.Free()
		c.frameList = nil
	}

	return err
}

// FrameNumber returns the current hardware frame counter masked to 10
// bits, the frame-list index the controller will walk next.
func (c *Controller) FrameNumber() (int, error) {
	v, err := reg.Read16(c.io, regFRNUM)
	if err != nil {
		return 0, err
	}

	return int(v) & (FrameListLen - 1), nil
}

// Arena exposes the controller's DMA arena, e.g. to check that a
// submitted-then-cancelled transfer leaves the allocation count
// unchanged.
func (c *Controller) Arena() *dma.Arena { return c.arena }
