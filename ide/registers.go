// IDE/ATAPI legacy and native-mode register discovery
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ide implements the legacy IDE/ATAPI engine: per-channel register
// discovery, the command-issue preamble, PIO and bus-master UDMA transfer,
// ATAPI packet execution, and device enumeration. Channels run either in
// compatibility mode on the legacy fixed I/O ranges or in native mode on
// BAR-derived ranges; bus-master UDMA follows SFF-8038i.
package ide

import (
	"fmt"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/config"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/idemode"
	"github.com/usbarmory/atahost/pciio"
)

// Legacy (compatibility-mode) port addresses, used when a channel's
// Programming Interface bit says it is not operating in native PCI mode.
const (
	legacyPrimaryCommandBase   = 0x1f0
	legacyPrimaryControlBase   = 0x3f6
	legacySecondaryCommandBase = 0x170
	legacySecondaryControlBase = 0x376
)

// Programming Interface bits of the Class Code.
const (
	piPrimaryNative   = 1 << 0
	piSecondaryNative = 1 << 2
)

// Command-block register offsets, relative to a channel's command base.
const (
	regData        = 0
	regFeatures    = 1 // write; Error on read
	regSectorCount = 2
	regSectorNum   = 3 // LBALow
	regCylLow      = 4 // LBAMid
	regCylHigh     = 5 // LBAHigh
	regDeviceHead  = 6
	regCommand     = 7 // write; Status on read
)

// Control-block register offset, relative to a channel's control base.
const (
	regAltStatus     = 0 // read
	regDeviceControl = 0 // write
)

// deviceControlNIEN is the interrupt-disable bit of the device control
// register, set once a UDMA transfer has completed.
const deviceControlNIEN = 1 << 1

// registerSet is the three address ranges discovered for one channel.
type registerSet struct {
	commandBase   uint32
	controlBase   uint32
	busMasterBase uint32
}

// discoverChannel derives the command-block, control-block and
// bus-master-base addresses for channel (0 = primary, 1 = secondary).
func discoverChannel(cfg pciio.Config, channel int) (registerSet, error) {
	class, err := cfg.ReadClassCode()
	if err != nil {
		return registerSet{}, err
	}

	var rs registerSet
	var native bool
	var cmdBAR, ctrlBAR int

	switch channel {
	case 0:
		native = class.ProgInterface&piPrimaryNative != 0
		cmdBAR, ctrlBAR = 0, 1
	case 1:
		native = class.ProgInterface&piSecondaryNative != 0
		cmdBAR, ctrlBAR = 2, 3
	default:
		return registerSet{}, fmt.Errorf("ide: invalid channel %d: %w", channel, ataerr.InvalidParameter)
	}

	if !native {
		if channel == 0 {
			rs.commandBase = legacyPrimaryCommandBase
			rs.controlBase = legacyPrimaryControlBase
		} else {
			rs.commandBase = legacySecondaryCommandBase
			rs.controlBase = legacySecondaryControlBase
		}
	} else {
		addr, isIO, err := cfg.BAR(cmdBAR)
		if err != nil {
			return registerSet{}, err
		}
		if !isIO {
			return registerSet{}, fmt.Errorf("ide: BAR%d is not IO-space: %w", cmdBAR, ataerr.Unsupported)
		}
		rs.commandBase = addr &^ 0x7 // bits 15:3

		addr, isIO, err = cfg.BAR(ctrlBAR)
		if err != nil {
			return registerSet{}, err
		}
		if !isIO {
			return registerSet{}, fmt.Errorf("ide: BAR%d is not IO-space: %w", ctrlBAR, ataerr.Unsupported)
		}
		rs.controlBase = (addr &^ 0x3) + 2 // bits 15:2, then +2 for alt status
	}

	bmAddr, isIO, err := cfg.BAR(4)
	if err != nil {
		return registerSet{}, err
	}
	if !isIO {
		return registerSet{}, fmt.Errorf("ide: BAR4 is not IO-space: %w", ataerr.Unsupported)
	}

	rs.busMasterBase = bmAddr
	if channel == 1 {
		rs.busMasterBase += 8
	}

	return rs, nil
}

// Channel is one IDE channel (primary or secondary), addressing up to two
// devices (master/slave).
type Channel struct {
	num    int
	io     pciio.IO
	dmaDev pciio.DMA
	clock  clock.Clock
	regs   registerSet
}

// Controller is the IDE/ATAPI engine instance: one per PCI IDE function,
// owning both channels.
type Controller struct {
	io     pciio.IO
	cfg    pciio.Config
	attrs  pciio.Attributes
	dmaDev pciio.DMA
	clock  clock.Clock
	notify idemode.Notifier
	policy config.Policy

	channels [2]*Channel

	Devices []devinfo.Device
}

// New constructs a Controller. notify defaults to idemode.Default when
// nil; policy is used as given.
func New(io pciio.IO, cfg pciio.Config, attrs pciio.Attributes, dmaDev pciio.DMA, c clock.Clock, notify idemode.Notifier, policy config.Policy) *Controller {
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
		policy: policy,
	}
}

// Init enables the PCI function and discovers both channels' register
// sets. Channels whose register discovery fails (e.g. a BAR that is
// not IO-space) are left nil and skipped by Enumerate.
func (c *Controller) Init() error {
	if err := c.attrs.Enable(pciio.DeviceEnable); err != nil {
		return err
	}

	for n := 0; n < 2; n++ {
		rs, err := discoverChannel(c.cfg, n)
		if err != nil {
			continue
		}

		c.channels[n] = &Channel{
			num:    n,
			io:     c.io,
			dmaDev: c.dmaDev,
			clock:  c.clock,
			regs:   rs,
		}
	}

	return nil
}

// selectDevice writes the device-select bit of the device/head register,
// used by the enumeration diagnostic before any command block is pushed.
func (ch *Channel) selectDevice(device int) error {
	return ch.io.Write8(ch.regs.commandBase+regDeviceHead, 0xa0|byte(device<<4))
}

func (ch *Channel) readStatus() (byte, error) {
	return ch.io.Read8(ch.regs.commandBase + regCommand)
}
