// IDE/ATAPI enumeration and configuration
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"time"

	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/idemode"
)

// ATA commands and SMART sub-commands issued during enumeration.
const (
	ataCommandExecuteDeviceDiagnostic = 0x90
	ataCommandIdentifyDevice          = 0xec
	ataCommandIdentifyPacketDevice    = 0xa1
	ataCommandSetFeatures             = 0xef
	ataFeatureSetTransferMode         = 0x03
	ataCommandSMART                   = 0xb0
	smartEnable                       = 0xd8
	smartAutosave                     = 0xd2
	smartAutosaveEnable               = 0xf1
	smartReturnStatus                 = 0xda
	ataCommandInitDriveParameters     = 0x91
	ataCommandSetMultipleMode         = 0xc6

	diagnosticTimeout = 35 * time.Second
	enumerateTimeout  = time.Second
	smartLBAMidBelow  = 0x4f
	smartLBAHighBelow = 0xc2
	smartLBAMidAbove  = 0xf4
	smartLBAHighAbove = 0x2c
)

// signature is the four registers EXECUTE-DEVICE-DIAGNOSTIC leaves behind
// for the host to classify the attached device.
type signature struct {
	count, lbaLow, lbaMid, lbaHigh byte
}

func (ch *Channel) readSignature() (signature, error) {
	var sig signature
	var err error

	if sig.count, err = ch.io.Read8(ch.regs.commandBase + regSectorCount); err != nil {
		return sig, err
	}
	if sig.lbaLow, err = ch.io.Read8(ch.regs.commandBase + regSectorNum); err != nil {
		return sig, err
	}
	if sig.lbaMid, err = ch.io.Read8(ch.regs.commandBase + regCylLow); err != nil {
		return sig, err
	}
	sig.lbaHigh, err = ch.io.Read8(ch.regs.commandBase + regCylHigh)

	return sig, err
}

func classifySignature(sig signature) (devinfo.Kind, bool) {
	switch {
	case sig.count == 1 && sig.lbaLow == 1 && sig.lbaMid == 0 && sig.lbaHigh == 0:
		return devinfo.KindHardDisk, true
	case sig.lbaMid == 0x14 && sig.lbaHigh == 0xeb:
		return devinfo.KindCDROM, true
	default:
		return devinfo.KindUnknown, false
	}
}

// transferModeValue encodes a ProposedMode into the SET FEATURES 0x03
// sector-count subcommand byte: PIO default 0x00, flow-controlled PIO
// 0x08|n, multiword DMA 0x20|n, UDMA 0x40|n.
func transferModeValue(mode idemode.ProposedMode) byte {
	switch mode.Mode {
	case idemode.ModeUDMA:
		return 0x40 | byte(mode.Number)
	case idemode.ModeMultiwordDMA:
		return 0x20 | byte(mode.Number)
	default:
		if mode.Number > 2 {
			return 0x08 | byte(mode.Number)
		}
		return 0x00
	}
}

// Enumerate probes both devices of both channels.
func (c *Controller) Enumerate() error {
	c.notify.Notify(idemode.BeforeChannelEnumeration)

	for _, ch := range c.channels {
		if ch == nil {
			continue
		}

		for device := 0; device < 2; device++ {
			c.enumerateDevice(ch, device)
		}
	}

	return nil
}

func (c *Controller) enumerateDevice(ch *Channel, device int) {
	if err := ch.selectDevice(device); err != nil {
		return
	}

	if err := ch.io.Write8(ch.regs.commandBase+regCommand, ataCommandExecuteDeviceDiagnostic); err != nil {
		return
	}

	if _, err := ch.waitPIOReady(diagnosticTimeout); err != nil {
		return
	}

	sig, err := ch.readSignature()
	if err != nil {
		return
	}

	kind, ok := classifySignature(sig)
	if !ok {
		return
	}

	c.notify.Notify(idemode.BeforeDevicePresenceDetection)

	id, err := ch.identify(device, kind)
	if err != nil {
		return
	}

	smartAbove := false
	if kind == devinfo.KindHardDisk && c.policy.EnableSMART {
		smartAbove = ch.runSMART(device)
	}

	mode := c.notify.ProposeMode(id)
	if err := ch.setFeatures(device, mode); err == nil {
		c.notify.LatchTiming(ch.num, device, mode)
	}

	if kind == devinfo.KindHardDisk {
		ch.initDriveParameters(device, id)
		ch.setMultipleMode(device, id)
	}

	c.Devices = append(c.Devices, devinfo.Device{
		Port:                ch.num*2 + device,
		PortMultiplier:      devinfo.NoPortMultiplier,
		Kind:                kind,
		Identify:            *id,
		SMARTAboveThreshold: smartAbove,
	})
}

// identify issues IDENTIFY for kind, falling back to the other kind once on
// failure.
func (ch *Channel) identify(device int, kind devinfo.Kind) (*devinfo.Identify, error) {
	id, err := ch.identifyAs(device, kind)
	if err == nil {
		return id, nil
	}

	other := devinfo.KindHardDisk
	if kind == devinfo.KindHardDisk {
		other = devinfo.KindCDROM
	}

	return ch.identifyAs(device, other)
}

func (ch *Channel) identifyAs(device int, kind devinfo.Kind) (*devinfo.Identify, error) {
	cmdByte := byte(ataCommandIdentifyDevice)
	if kind == devinfo.KindCDROM {
		cmdByte = ataCommandIdentifyPacketDevice
	}

	if err := ch.issuePreamble(device, devinfo.CommandBlock{Command: cmdByte}, enumerateTimeout); err != nil {
		return nil, err
	}

	buf := make([]byte, devinfo.IdentifySize)
	if _, err := ch.transferPIO(dataIn, buf, enumerateTimeout); err != nil {
		return nil, err
	}

	return devinfo.ParseIdentify(buf)
}

// runSMART sends SMART-ENABLE, SMART-AUTOSAVE and SMART-RETURN-STATUS and
// classifies the threshold-exceeded signature the device leaves behind,
// reporting true when the device signals an above-threshold condition.
// Failures are non-fatal: SMART is best-effort during enumeration.
func (ch *Channel) runSMART(device int) bool {
	ch.issuePreamble(device, devinfo.CommandBlock{Command: ataCommandSMART, Features: smartEnable, LBAMid: smartLBAMidBelow, LBAHigh: smartLBAHighBelow}, enumerateTimeout)
	ch.issuePreamble(device, devinfo.CommandBlock{Command: ataCommandSMART, Features: smartAutosave, SectorCount: smartAutosaveEnable, LBAMid: smartLBAMidBelow, LBAHigh: smartLBAHighBelow}, enumerateTimeout)
	ch.issuePreamble(device, devinfo.CommandBlock{Command: ataCommandSMART, Features: smartReturnStatus, LBAMid: smartLBAMidBelow, LBAHigh: smartLBAHighBelow}, enumerateTimeout)

	lbaMid, err1 := ch.io.Read8(ch.regs.commandBase + regCylLow)
	lbaHigh, err2 := ch.io.Read8(ch.regs.commandBase + regCylHigh)
	if err1 != nil || err2 != nil {
		return false
	}

	return lbaMid == smartLBAMidAbove && lbaHigh == smartLBAHighAbove
}

func (ch *Channel) setFeatures(device int, mode idemode.ProposedMode) error {
	cb := devinfo.CommandBlock{
		Command:     ataCommandSetFeatures,
		Features:    ataFeatureSetTransferMode,
		SectorCount: transferModeValue(mode),
	}

	return ch.issuePreamble(device, cb, enumerateTimeout)
}

// initDriveParameters issues INIT-DRIVE-PARAMETERS with the legacy CHS
// geometry IDENTIFY reports: sectors-per-track in SectorCount, heads-1 in
// Device.
func (ch *Channel) initDriveParameters(device int, id *devinfo.Identify) {
	cb := devinfo.CommandBlock{
		Command:     ataCommandInitDriveParameters,
		SectorCount: id.LegacySectorsPerTrack(),
		Device:      id.LegacyHeads() - 1,
	}

	ch.issuePreamble(device, cb, enumerateTimeout)
}

// setMultipleMode issues SET-MULTIPLE-MODE with the block count IDENTIFY
// reports as the device's current READ/WRITE MULTIPLE setting.
func (ch *Channel) setMultipleMode(device int, id *devinfo.Identify) {
	count := id.MultipleSectorCount()
	if count == 0 {
		return
	}

	cb := devinfo.CommandBlock{
		Command:     ataCommandSetMultipleMode,
		SectorCount: count,
	}

	ch.issuePreamble(device, cb, enumerateTimeout)
}
