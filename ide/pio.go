// IDE PIO data transfer
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

// pioPollInterval is the 100us polling granularity.
const pioPollInterval = 100 * time.Microsecond

// pioBlockWords is the largest block transferred per DRQ period: one
// sector.
const pioBlockWords = 256

// transferPIO moves data between host and device, one DRQ period at a
// time, once a command has been issued with issuePreamble. A short
// packet -- the device clearing DRQ before the requested length is reached
// -- ends the transfer without error.
func (ch *Channel) transferPIO(dir dataDir, data []byte, timeout time.Duration) (int, error) {
	if len(data)%2 != 0 {
		return 0, fmt.Errorf("ide: PIO transfer: odd buffer length %d: %w", len(data), ataerr.InvalidParameter)
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

		block := len(data) - transferred
		if block > pioBlockWords*2 {
			block = pioBlockWords * 2
		}

		if dir == dataIn {
			for i := 0; i < block; i += 2 {
				w, err := ch.io.Read16(ch.regs.commandBase + regData)
				if err != nil {
					return transferred, err
				}
				binary.LittleEndian.PutUint16(data[transferred+i:], w)
			}
		} else {
			for i := 0; i < block; i += 2 {
				w := binary.LittleEndian.Uint16(data[transferred+i:])
				if err := ch.io.Write16(ch.regs.commandBase+regData, w); err != nil {
					return transferred, err
				}
			}
		}

		transferred += block

		status, err = ch.readStatus()
		if err != nil {
			return transferred, err
		}
		if status&(devinfo.StatusERR|devinfo.StatusDF) != 0 {
			return transferred, fmt.Errorf("ide: PIO transfer: %w", ataerr.DeviceError)
		}
	}

	return transferred, nil
}

// waitPIOReady polls the status register at 100us granularity until BSY
// clears, returning the status byte observed.
func (ch *Channel) waitPIOReady(timeout time.Duration) (byte, error) {
	start := ch.clock.Now()

	for {
		status, err := ch.readStatus()
		if err != nil {
			return 0, err
		}

		if status&devinfo.StatusBSY == 0 {
			return status, nil
		}

		if timeout != 0 && ch.clock.Now().Sub(start) >= timeout {
			return 0, fmt.Errorf("ide: wait PIO ready: %w", ataerr.Timeout)
		}

		ch.clock.Stall(pioPollInterval)
	}
}

// waitDRQClear polls until the device clears DRQ after an ATAPI data
// phase.
func (ch *Channel) waitDRQClear(timeout time.Duration) error {
	start := ch.clock.Now()

	for {
		status, err := ch.readStatus()
		if err != nil {
			return err
		}

		if status&devinfo.StatusDRQ == 0 {
			return nil
		}

		if timeout != 0 && ch.clock.Now().Sub(start) >= timeout {
			return fmt.Errorf("ide: wait DRQ clear: %w", ataerr.Timeout)
		}

		ch.clock.Stall(pioPollInterval)
	}
}
