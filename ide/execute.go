// IDE port-addressed Execute surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// Protocol names the direction/mechanism of one pass-through command, the
// dispatch key the pass-through façade hands to the engine.
type Protocol int

const (
	ProtocolNonData Protocol = iota
	ProtocolPIOIn
	ProtocolPIOOut
	ProtocolUDMAIn
	ProtocolUDMAOut
)

// Execute issues one command on (channel, device), dispatching by protocol,
// and returns the final status block read in the documented dump order.
func (c *Controller) Execute(channel, device int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error) {
	if channel < 0 || channel >= len(c.channels) || c.channels[channel] == nil {
		return devinfo.StatusBlock{}, 0, fmt.Errorf("ide: channel %d not present: %w", channel, ataerr.InvalidParameter)
	}
	ch := c.channels[channel]

	var (
		n   int
		err error
	)

	switch protocol {
	case ProtocolNonData:
		err = ch.issuePreamble(device, cb, timeout)
	case ProtocolPIOIn:
		if err = ch.issuePreamble(device, cb, timeout); err == nil {
			n, err = ch.transferPIO(dataIn, data, timeout)
		}
	case ProtocolPIOOut:
		if err = ch.issuePreamble(device, cb, timeout); err == nil {
			n, err = ch.transferPIO(dataOut, data, timeout)
		}
	case ProtocolUDMAIn:
		n, err = ch.transferUDMA(device, cb, dataIn, data, timeout)
	case ProtocolUDMAOut:
		n, err = ch.transferUDMA(device, cb, dataOut, data, timeout)
	default:
		err = fmt.Errorf("ide: unknown protocol %d: %w", protocol, ataerr.InvalidParameter)
	}

	sb, sbErr := ch.readStatusBlock()
	if err == nil {
		err = sbErr
	}

	return sb, n, err
}

// ResetChannel always succeeds silently: IDE offers no channel-reset
// sequence.
func (c *Controller) ResetChannel(channel int) error {
	return nil
}
