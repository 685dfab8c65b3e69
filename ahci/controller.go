// AHCI host-controller startup, port bring-up and device enumeration
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ahci implements the AHCI SATA engine: per-port command list and
// FIS receive area, PRD tables, port state machine, device identification
// and transfer-mode negotiation. Descriptors are built with
// encoding/binary into DMA-arena buffers and commands are polled to
// completion; no interrupts are taken.
package ahci

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/idemode"
	"github.com/usbarmory/atahost/internal/dma"
	"github.com/usbarmory/atahost/internal/reg"
	"github.com/usbarmory/atahost/pciio"
)

// Global HBA register offsets (AHCI spec rev 1.3.1 §3.1).
const (
	regCAP      = 0x00
	regGHC      = 0x04
	regIS       = 0x08
	regPI       = 0x0c
	regCAP2     = 0x24
	portRegBase = 0x100
	portRegSpan = 0x80
)

const (
	ghcHR = 1 << 0
	ghcAE = 1 << 31
)

// CAP field shifts/masks.
const (
	capNPMask   = 0x1f
	capSSSBit   = 27
	capS64ABit  = 31
	capCLOBit   = 24
	capNCSMask  = 0x1f
	capNCSShift = 8
)

// Capabilities decoded from CAP/CAP2/PI at startup.
type Capabilities struct {
	MaxPorts    int
	MaxSlots    int
	SixtyFourOK bool
	SSS         bool
	CLO         bool
	Implemented uint32 // PI bitmap
}

// Controller is the AHCI engine instance: one per PCI function. The
// implementation is single-task: one command list and one command table
// are shared across every port.
type Controller struct {
	io     pciio.IO
	cfg    pciio.Config
	attrs  pciio.Attributes
	dmaDev pciio.DMA
	clock  clock.Clock
	notify idemode.Notifier
	arena  *dma.Arena

	caps Capabilities

	cmdList  *CommandList
	cmdTable *CommandTable

	ports []*Port

	Devices []devinfo.Device
}

// New constructs a Controller. notify is the IDE-Init phase-notification
// collaborator; if nil, idemode.Default is used.
func New(io pciio.IO, cfg pciio.Config, attrs pciio.Attributes, dmaDev pciio.DMA, c clock.Clock, notify idemode.Notifier) *Controller {
	if c == nil {
		c = clock.Default
	}
	if notify == nil {
		notify = idemode.Default{}
	}

	return &Controller{
		io:     io,
		cfg:    cfg,
		attrs:  attrs,
		dmaDev: dmaDev,
		clock:  c,
		notify: notify,
		arena:  dma.NewArena(dmaDev),
	}
}

func (c *Controller) portBase(n int) uint32 {
	return portRegBase + uint32(n)*portRegSpan
}

// decodeCapabilities extracts the fields this engine consults from CAP/PI.
// CAP2 is read (and its format reserved for future use) but nothing here
// currently depends on it.
func decodeCapabilities(cap0, cap2, pi uint32) Capabilities {
	_ = cap2

	return Capabilities{
		MaxPorts:    int(cap0&capNPMask) + 1,
		MaxSlots:    int((cap0>>capNCSShift)&capNCSMask) + 1,
		SixtyFourOK: cap0&(1<<capS64ABit) != 0,
		SSS:         cap0&(1<<capSSSBit) != 0,
		CLO:         cap0&(1<<capCLOBit) != 0,
		Implemented: pi,
	}
}

// Init performs the HBA reset, capability read, per-port spin-up and
// device enumeration.
func (c *Controller) Init(timeout time.Duration) error {
	if err := c.attrs.Enable(pciio.DeviceEnable); err != nil {
		return err
	}

	if err := reg.Set32(c.io, regGHC, 0); err != nil { // GHC.HR bit 0
		return err
	}

	if err := reg.WaitUntilSet32(c.clock, c.io, regGHC, ghcHR, 0, timeout); err != nil {
		return err
	}

	if err := reg.Set32(c.io, regGHC, 31); err != nil { // GHC.AE, bit 31 == ghcAE
		return err
	}

	cap0, err := reg.Read32(c.io, regCAP)
	if err != nil {
		return err
	}

	cap2, err := reg.Read32(c.io, regCAP2)
	if err != nil {
		return err
	}

	pi, err := reg.Read32(c.io, regPI)
	if err != nil {
		return err
	}

	c.caps = decodeCapabilities(cap0, cap2, pi)

	if err := c.arena.Init(); err != nil {
		return err
	}

	cl, err := NewCommandList(c.dmaDev)
	if err != nil {
		return err
	}
	c.cmdList = cl

	ct, err := NewCommandTable(c.dmaDev, c.caps.SixtyFourOK || c.dmaDev.Is64BitCapable())
	if err != nil {
		cl.Free()
		return err
	}
	c.cmdTable = ct

	c.ports = make([]*Port, c.caps.MaxPorts)

	for n := 0; n < c.caps.MaxPorts; n++ {
		if pi&(1<<uint(n)) == 0 {
			continue
		}

		p, err := c.startPort(n)
		if err != nil {
			return err
		}

		c.ports[n] = p
	}

	c.clock.Stall(100 * time.Millisecond)

	c.notify.Notify(idemode.BeforeChannelEnumeration)

	for n := 0; n < c.caps.MaxPorts; n++ {
		p := c.ports[n]
		if p == nil {
			continue
		}

		if err := c.enumeratePort(p); err != nil {
			return err
		}
	}

	return nil
}

// startPort maps and programs the FIS receive area and shared command
// list pointer for port n, then clears/masks it.
func (c *Controller) startPort(n int) (*Port, error) {
	base := c.portBase(n)

	p := &Port{num: n, base: base, c: c}

	fb, err := NewFISArea(c.dmaDev)
	if err != nil {
		return nil, err
	}
	p.fis = fb

	if err := reg.Write32(c.io, base+pxCLB, c.cmdList.BusAddr); err != nil {
		return nil, err
	}
	if err := reg.Write32(c.io, base+pxCLBU, 0); err != nil {
		return nil, err
	}
	if err := reg.Write32(c.io, base+pxFB, fb.BusAddr); err != nil {
		return nil, err
	}
	if err := reg.Write32(c.io, base+pxFBU, 0); err != nil {
		return nil, err
	}

	if c.caps.SSS {
		if err := reg.Set32(c.io, base+pxCMD, pxCMDSUDBit); err != nil {
			return nil, err
		}
	}

	cmd, err := reg.Read32(c.io, base+pxCMD)
	if err != nil {
		return nil, err
	}
	if cmd&(1<<pxCMDCPDBit) != 0 {
		if err := reg.Set32(c.io, base+pxCMD, pxCMDPODBit); err != nil {
			return nil, err
		}
	}

	cmd, err = reg.Read32(c.io, base+pxCMD)
	if err != nil {
		return nil, err
	}
	cmd &^= (1 << pxCMDFREBit) | (1 << pxCMDCLOBit) | (1 << pxCMDSTBit)
	if err := reg.Write32(c.io, base+pxCMD, cmd); err != nil {
		return nil, err
	}

	sctl, err := reg.Read32(c.io, base+pxSCTL)
	if err != nil {
		return nil, err
	}
	sctl = (sctl &^ (0xf << 8)) | sctlIPMDisableAll
	if err := reg.Write32(c.io, base+pxSCTL, sctl); err != nil {
		return nil, err
	}

	if err := reg.Write32(c.io, base+pxIE, 0); err != nil {
		return nil, err
	}
	if err := reg.Write32(c.io, base+pxSERR, 0xffffffff); err != nil {
		return nil, err
	}

	return p, nil
}

// enumeratePort performs the per-port device-presence/SIG/IDENTIFY
// sequence.
func (c *Controller) enumeratePort(p *Port) error {
	det, err := p.sstsDET()
	if err != nil {
		return err
	}

	if det == 0 {
		return nil
	}

	if det == detPresentAndComm {
		if err := c.waitDeviceReady(p); err != nil {
			return nil // skip
		}
	}

	c.notify.Notify(idemode.BeforeDevicePresenceDetection)

	sig, err := reg.Read32(c.io, p.base+pxSIG)
	if err != nil {
		return err
	}

	var kind devinfo.Kind
	switch sig {
	case 0xeb140000:
		kind = devinfo.KindCDROM
	case 0x00000000:
		kind = devinfo.KindHardDisk
	default:
		return nil // skip
	}

	id, err := c.identifyDevice(p, kind)
	if err != nil {
		return nil // skip on IDENTIFY failure
	}

	mode := c.notify.ProposeMode(id)
	if err := c.setFeatures(p, mode); err != nil {
		return nil // skip
	}

	c.Devices = append(c.Devices, devinfo.Device{
		Port:           p.num,
		PortMultiplier: devinfo.NoPortMultiplier,
		Kind:           kind,
		Identify:       *id,
	})

	return nil
}

func (c *Controller) waitDeviceReady(p *Port) error {
	return reg.WaitUntilSet32(c.clock, c.io, p.base+pxSIG, 0xffffffff, 0x00000101, time.Second)
}

// fatal4GB checks whether a just-obtained bus address crosses 4GiB on an
// HBA that did not advertise 64-bit capability.
func (c *Controller) fatal4GB(busAddr uint32, length int) error {
	if c.caps.SixtyFourOK {
		return nil
	}

	if uint64(busAddr)+uint64(length) > 1<<32 {
		return fmt.Errorf("ahci: bus address crosses 4GiB on a 32-bit-only HBA: %w", ataerr.DeviceError)
	}

	return nil
}

// Stop halts every port and releases the shared command list/table and
// per-port FIS areas.
func (c *Controller) Stop() error {
	for _, p := range c.ports {
		if p == nil {
			continue
		}
		p.stopCommandEngine()
		p.fis.Free()
	}

	if c.cmdList != nil {
		c.cmdList.Free()
	}
	if c.cmdTable != nil {
		c.cmdTable.Free()
	}

	return nil
}
