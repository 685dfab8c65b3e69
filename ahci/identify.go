// AHCI device identification and transfer-mode negotiation
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

	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/idemode"
)

const (
	ataCommandIdentifyDevice       = 0xec
	ataCommandIdentifyPacketDevice = 0xa1
	ataCommandSetFeatures          = 0xef
	ataFeatureSetTransferMode      = 0x03
)

// identifyDevice issues IDENTIFY DEVICE or IDENTIFY PACKET DEVICE (depending
// on kind) via a PIO read.
func (c *Controller) identifyDevice(p *Port, kind devinfo.Kind) (*devinfo.Identify, error) {
	cmdByte := byte(ataCommandIdentifyDevice)
	if kind == devinfo.KindCDROM {
		cmdByte = ataCommandIdentifyPacketDevice
	}

	buf := make([]byte, devinfo.IdentifySize)

	cmd := command{
		cb:      devinfo.CommandBlock{Command: cmdByte},
		dir:     dataIn,
		pio:     true,
		data:    buf,
		timeout: time.Second,
	}

	if _, err := c.execute(p, cmd); err != nil {
		return nil, err
	}

	return devinfo.ParseIdentify(buf)
}

// transferModeValue encodes a ProposedMode into the SET FEATURES 0x03
// sector-count subcommand byte the ATA/ATAPI command set defines: PIO
// default 0x00, flow-controlled PIO 0x08|n, multiword DMA 0x20|n, UDMA
// 0x40|n.
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

// setFeatures sends SET FEATURES/transfer-mode and, on success, lets the
// collaborator latch any platform timing it needs.
func (c *Controller) setFeatures(p *Port, mode idemode.ProposedMode) error {
	cmd := command{
		cb: devinfo.CommandBlock{
			Command:     ataCommandSetFeatures,
			Features:    ataFeatureSetTransferMode,
			SectorCount: transferModeValue(mode),
		},
		dir:     dataNone,
		timeout: time.Second,
	}

	if _, err := c.execute(p, cmd); err != nil {
		return err
	}

	c.notify.LatchTiming(p.num, 0, mode)

	return nil
}
