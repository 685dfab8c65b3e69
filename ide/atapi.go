// IDE ATAPI packet framing
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// ATAPI packet-command constants.
const (
	ataCommandPacket  = 0xa0
	atapiMaxByteCount = 0xfffe
	atapiCDBWords     = 6
	atapiCDBWordStall = 10 * time.Microsecond
)

// ExecutePacket issues an ATAPI PACKET command on device (0 or 1) of this
// channel: a 12-byte CDB pushed as six words, then a data phase negotiated
// per-turn against the controller-chosen CylinderHigh:CylinderLow byte
// count.
func (ch *Channel) ExecutePacket(device int, cdb []byte, dir dataDir, data []byte, timeout time.Duration) (int, error) {
	cb := devinfo.CommandBlock{
		Command:  ataCommandPacket,
		Features: 0x00,
		LBAMid:   byte(atapiMaxByteCount & 0xff),
		LBAHigh:  byte(atapiMaxByteCount >> 8),
	}

	if err := ch.issuePreamble(device, cb, timeout); err != nil {
		return 0, err
	}

	status, err := ch.waitPIOReady(timeout)
	if err != nil {
		return 0, err
	}
	if status&devinfo.StatusDRQ == 0 {
		return 0, fmt.Errorf("ide: ATAPI packet: device did not raise DRQ for the CDB: %w", ataerr.DeviceError)
	}

	padded := make([]byte, atapiCDBWords*2)
	copy(padded, cdb)

	for i := 0; i < len(padded); i += 2 {
		w := binary.LittleEndian.Uint16(padded[i:])
		if err := ch.io.Write16(ch.regs.commandBase+regData, w); err != nil {
			return 0, err
		}
		ch.clock.Stall(atapiCDBWordStall)
	}

	transferred := 0

	for transferred < len(data) {
		status, err := ch.waitPIOReady(timeout)
		if err != nil {
			return transferred, err
		}

		if status&devinfo.StatusDRQ == 0 {
			return transferred, nil
		}

		byteCount, err := ch.atapiByteCount()
		if err != nil {
			return transferred, err
		}

		turn := atapiTurnSize(byteCount, len(data)-transferred)

		if dir == dataIn {
			for i := 0; i < turn; i += 2 {
				w, err := ch.io.Read16(ch.regs.commandBase + regData)
				if err != nil {
					return transferred, err
				}
				binary.LittleEndian.PutUint16(data[transferred+i:], w)
			}
		} else {
			for i := 0; i < turn; i += 2 {
				w := binary.LittleEndian.Uint16(data[transferred+i:])
				if err := ch.io.Write16(ch.regs.commandBase+regData, w); err != nil {
					return transferred, err
				}
			}
		}

		transferred += turn

		if dir == dataIn && turn < byteCount {
			// The device still wants to send more than the caller
			// asked for; drain it so the channel ends in a clean
			// state.
			for i := turn; i < byteCount; i += 2 {
				if _, err := ch.io.Read16(ch.regs.commandBase + regData); err != nil {
					return transferred, err
				}
			}
		}
	}

	if err := ch.waitDRQClear(timeout); err != nil {
		return transferred, err
	}

	status, err = ch.readStatus()
	if err != nil {
		return transferred, err
	}
	if status&(devinfo.StatusERR|devinfo.StatusDF) != 0 {
		return transferred, fmt.Errorf("ide: ATAPI packet: %w", ataerr.DeviceError)
	}

	return transferred, nil
}

// atapiTurnSize caps the controller-chosen byteCount to what the caller
// still wants.
func atapiTurnSize(byteCount, remaining int) int {
	if byteCount > remaining {
		return remaining
	}

	return byteCount
}

// atapiByteCount reads the controller-chosen per-turn byte count from
// CylinderHigh:CylinderLow.
func (ch *Channel) atapiByteCount() (int, error) {
	lo, err := ch.io.Read8(ch.regs.commandBase + regCylLow)
	if err != nil {
		return 0, err
	}

	hi, err := ch.io.Read8(ch.regs.commandBase + regCylHigh)
	if err != nil {
		return 0, err
	}

	return int(hi)<<8 | int(lo), nil
}
