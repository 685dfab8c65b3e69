// Pass-through façade: root instance, engine selection, lifecycle
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package passthru implements the outer pass-through façade: it
// dispatches every ATA/ATAPI/SCSI-ext pass-through request to whichever
// engine (ide or ahci) the pass-through instance was constructed for,
// translates between the sector-count and byte-length views of a transfer,
// serves the cursored enumeration operations, and runs the non-blocking
// task FIFO. It never talks to hardware directly; all
// register access stays inside the engine packages.
package passthru

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/usbarmory/atahost/ahci"
	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/config"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/ide"
	"github.com/usbarmory/atahost/pciio"
)

// Mode is the pass-through instance's engine-mode. RAID exists as a mode
// value but this module implements no
// RAID engine; a Passthru is only ever constructed in ModeIDE or ModeAHCI.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeIDE
	ModeAHCI
	ModeRAID
)

func (m Mode) String() string {
	switch m {
	case ModeIDE:
		return "ide"
	case ModeAHCI:
		return "ahci"
	case ModeRAID:
		return "raid"
	default:
		return "unknown"
	}
}

// IoAlign is the caller data-buffer/status-block alignment requirement:
// one machine word.
const IoAlign = unsafe.Sizeof(uintptr(0))

// Attribute bits advertised by the pass-through surface: physical and
// logical device addressing plus non-blocking submission.
const (
	AttributePhysical    = 1 << 0
	AttributeLogical     = 1 << 1
	AttributeNonBlocking = 1 << 2
)

// Attributes reports the capability bits every instance advertises.
func (p *Passthru) Attributes() uint32 {
	return AttributePhysical | AttributeLogical | AttributeNonBlocking
}

// Protocol names the direction/mechanism of one ATA (non-packet) command,
// the dispatch key PassThru hands to the engine.
type Protocol int

const (
	ProtocolNonData Protocol = iota
	ProtocolPIOIn
	ProtocolPIOOut
	ProtocolUDMAIn
	ProtocolUDMAOut
)

// Direction distinguishes a read-type ATAPI packet transfer from a
// write-type one.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// packetResult is the engine-agnostic outcome of an ATAPI packet dispatch.
type packetResult struct {
	bytesTransferred int
	sense            []byte
}

// engine is the capability set {submit, reset, identify, enumerate} the
// pass-through instance dispatches to (IDE, AHCI).
// uhci.Controller is a standalone USB host-controller engine and does not
// implement this interface.
type engine interface {
	init(timeout time.Duration) error
	stop() error
	execute(port int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error)
	executePacket(port int, cdb []byte, dir Direction, data []byte, senseCap int, timeout time.Duration) (packetResult, error)
	resetPort(port int) error
	devices() []devinfo.Device
}

// ideEngine adapts ide.Controller's channel/device addressing to the
// façade's unified port addressing (port == channel*2+device, matching
// ide/enumerate.go's own Device.Port assignment).
type ideEngine struct {
	c *ide.Controller
}

func (e ideEngine) init(time.Duration) error {
	if err := e.c.Init(); err != nil {
		return err
	}

	return e.c.Enumerate()
}

func (e ideEngine) stop() error { return nil }

func (e ideEngine) execute(port int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error) {
	channel, device := port/2, port%2

	var p ide.Protocol
	switch protocol {
	case ProtocolNonData:
		p = ide.ProtocolNonData
	case ProtocolPIOIn:
		p = ide.ProtocolPIOIn
	case ProtocolPIOOut:
		p = ide.ProtocolPIOOut
	case ProtocolUDMAIn:
		p = ide.ProtocolUDMAIn
	case ProtocolUDMAOut:
		p = ide.ProtocolUDMAOut
	default:
		return devinfo.StatusBlock{}, 0, fmt.Errorf("passthru: unknown protocol %d: %w", protocol, ataerr.InvalidParameter)
	}

	return e.c.Execute(channel, device, cb, p, data, timeout)
}

func (e ideEngine) executePacket(port int, cdb []byte, dir Direction, data []byte, senseCap int, timeout time.Duration) (packetResult, error) {
	d := ide.DataIn
	if dir == DirOut {
		d = ide.DataOut
	}

	res, err := e.c.ExecutePacket(port, cdb, d, data, senseCap, timeout)

	return packetResult{bytesTransferred: res.BytesTransferred, sense: res.Sense}, err
}

// resetPort on IDE always succeeds silently.
func (e ideEngine) resetPort(port int) error {
	return e.c.ResetChannel(port / 2)
}

func (e ideEngine) devices() []devinfo.Device { return e.c.Devices }

// ahciEngine adapts ahci.Controller's native HBA port addressing, which
// already matches the façade's port addressing directly.
type ahciEngine struct {
	c *ahci.Controller
}

func (e ahciEngine) init(timeout time.Duration) error {
	return e.c.Init(timeout)
}

func (e ahciEngine) stop() error { return e.c.Stop() }

func (e ahciEngine) execute(port int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error) {
	var p ahci.Protocol
	switch protocol {
	case ProtocolNonData:
		p = ahci.ProtocolNonData
	case ProtocolPIOIn:
		p = ahci.ProtocolPIOIn
	case ProtocolPIOOut:
		p = ahci.ProtocolPIOOut
	case ProtocolUDMAIn:
		p = ahci.ProtocolUDMAIn
	case ProtocolUDMAOut:
		p = ahci.ProtocolUDMAOut
	default:
		return devinfo.StatusBlock{}, 0, fmt.Errorf("passthru: unknown protocol %d: %w", protocol, ataerr.InvalidParameter)
	}

	return e.c.Execute(port, cb, p, data, timeout)
}

func (e ahciEngine) executePacket(port int, cdb []byte, dir Direction, data []byte, senseCap int, timeout time.Duration) (packetResult, error) {
	d := ahci.DataIn
	if dir == DirOut {
		d = ahci.DataOut
	}

	res, err := e.c.ExecutePacket(port, cdb, d, data, senseCap)

	return packetResult{bytesTransferred: res.BytesTransferred, sense: res.Sense}, err
}

func (e ahciEngine) resetPort(port int) error {
	return e.c.ResetPort(port)
}

func (e ahciEngine) devices() []devinfo.Device { return e.c.Devices }

// Passthru is the pass-through root object: the chosen engine,
// cursors, the non-blocking task FIFO, and the PCI-attribute snapshot
// restored on Stop.
type Passthru struct {
	mu sync.Mutex

	mode Mode
	eng  engine

	attrs        pciio.Attributes
	savedAttrs   uint64
	haveSnapshot bool

	policy config.Policy

	portCursor   restartCursor
	deviceCursor pmCursor
	targetCursor targetCursor

	tasks []*Task
}

// NewIDE constructs a Passthru bound to an ide.Controller.
func NewIDE(c *ide.Controller, attrs pciio.Attributes, policy config.Policy) *Passthru {
	return &Passthru{mode: ModeIDE, eng: ideEngine{c: c}, attrs: attrs, policy: policy}
}

// NewAHCI constructs a Passthru bound to an ahci.Controller.
func NewAHCI(c *ahci.Controller, attrs pciio.Attributes, policy config.Policy) *Passthru {
	return &Passthru{mode: ModeAHCI, eng: ahciEngine{c: c}, attrs: attrs, policy: policy}
}

// Mode reports the engine-mode this instance was constructed for.
func (p *Passthru) Mode() Mode { return p.mode }

// Policy reports the configured ATA-ATAPI policy object.
func (p *Passthru) Policy() config.Policy { return p.policy }

// Start snapshots the PCI attributes currently in force (so Stop can
// restore them) and then brings the bound engine up: register discovery,
// device enumeration, everything the engine's own Init does.
func (p *Passthru) Start(timeout time.Duration) error {
	if p.attrs != nil {
		saved, err := p.attrs.Get()
		if err != nil {
			return err
		}

		p.savedAttrs = saved
		p.haveSnapshot = true
	}

	return p.eng.init(timeout)
}

// Stop tears down the engine and restores the PCI attributes snapshotted
// by Start. Every pending non-blocking task's event is signalled with
// status 0x01, "Cancellation".
func (p *Passthru) Stop() error {
	p.mu.Lock()
	pending := p.tasks
	p.tasks = nil
	p.mu.Unlock()

	for _, t := range pending {
		if t.event != nil {
			t.event.signal(0x01)
		}
	}

	stopErr := p.eng.stop()

	if p.haveSnapshot && p.attrs != nil {
		if err := p.attrs.Set(p.savedAttrs); err != nil && stopErr == nil {
			stopErr = err
		}
	}

	return stopErr
}
