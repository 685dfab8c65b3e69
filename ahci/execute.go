// AHCI port-addressed Execute/ExecutePacket/ResetPort surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ahci

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// Direction distinguishes a read-type packet transfer from a write-type
// one, exported as an alias so callers outside this package (the
// pass-through façade) can name it without reaching into unexported types.
type Direction = dataDir

const (
	DataIn  Direction = dataIn
	DataOut Direction = dataOut
)

// Protocol names the direction/mechanism of one pass-through command, the
// dispatch key the pass-through façade hands to the engine. It mirrors
// ide.Protocol so both engines present the same dispatch surface.
type Protocol int

const (
	ProtocolNonData Protocol = iota
	ProtocolPIOIn
	ProtocolPIOOut
	ProtocolUDMAIn
	ProtocolUDMAOut
)

func (c *Controller) portByNum(port int) (*Port, error) {
	if port < 0 || port >= len(c.ports) || c.ports[port] == nil {
		return nil, fmt.Errorf("ahci: port %d not present: %w", port, ataerr.InvalidParameter)
	}

	return c.ports[port], nil
}

// Execute issues one non-packet command on port, dispatching by protocol.
func (c *Controller) Execute(port int, cb devinfo.CommandBlock, protocol Protocol, data []byte, timeout time.Duration) (devinfo.StatusBlock, int, error) {
	p, err := c.portByNum(port)
	if err != nil {
		return devinfo.StatusBlock{}, 0, err
	}

	cmd := command{cb: cb, timeout: timeout}

	switch protocol {
	case ProtocolNonData:
		cmd.dir = dataNone
	case ProtocolPIOIn:
		cmd.dir, cmd.pio, cmd.data = dataIn, true, data
	case ProtocolPIOOut:
		cmd.dir, cmd.data = dataOut, data
	case ProtocolUDMAIn:
		cmd.dir, cmd.data = dataIn, data
	case ProtocolUDMAOut:
		cmd.dir, cmd.data = dataOut, data
	default:
		return devinfo.StatusBlock{}, 0, fmt.Errorf("ahci: unknown protocol %d: %w", protocol, ataerr.InvalidParameter)
	}

	res, err := c.execute(p, cmd)

	return res.status, res.bytesTransferred, err
}

// ExecutePacket runs one ATAPI command on port to completion.
func (c *Controller) ExecutePacket(port int, cdb []byte, dir dataDir, data []byte, senseCap int) (ATAPIResult, error) {
	p, err := c.portByNum(port)
	if err != nil {
		return ATAPIResult{}, err
	}

	return c.executePacket(p, cdb, dir, data, senseCap)
}

// ResetPort resets port.
func (c *Controller) ResetPort(port int) error {
	p, err := c.portByNum(port)
	if err != nil {
		return err
	}

	return p.Reset()
}
