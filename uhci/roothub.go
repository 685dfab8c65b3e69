// UHCI root-hub port surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"fmt"
	"time"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/internal/reg"
)

// NumRootHubPorts is the UHCI root hub's fixed port count.
const NumRootHubPorts = 2

// PORTSC bits (UHCI spec rev 1.1 §2.1.6).
const (
	portCCS  = 1 << 0 // current connect status
	portCSC  = 1 << 1 // connect status change
	portPE   = 1 << 2 // port enabled
	portPEC  = 1 << 3 // port enable change
	portRD   = 1 << 6 // resume detect
	portLSDA = 1 << 8 // low-speed device attached
	portPR   = 1 << 9 // port reset
	portSusp = 1 << 12
)

// Feature names the root-hub feature selectors accepted for set/clear.
type Feature int

const (
	FeatureEnable Feature = iota
	FeatureSuspend
	FeatureReset
	FeaturePower
	FeatureConnectChange
	FeatureEnableChange
)

// PortStatus is the root-hub port status/change bit surface.
type PortStatus struct {
	Connected     bool
	Enabled       bool
	Suspended     bool
	Reset         bool
	LowSpeed      bool
	Owner         bool
	ConnectChange bool
	EnableChange  bool
}

func (c *Controller) portOffset(port int) (uint32, error) {
	switch port {
	case 0:
		return regPORTSC1, nil
	case 1:
		return regPORTSC2, nil
	default:
		return 0, fmt.Errorf("uhci: root hub: %w: port %d out of range", ataerr.InvalidParameter, port)
	}
}

// PortStatus reads the current status/change bits of one root-hub port.
func (c *Controller) PortStatus(port int) (PortStatus, error) {
	off, err := c.portOffset(port)
	if err != nil {
		return PortStatus{}, err
	}

	v, err := reg.Read16(c.io, off)
	if err != nil {
		return PortStatus{}, err
	}

	return PortStatus{
		Connected: v&portCCS != 0,
		Enabled:   v&portPE != 0,
		Suspended: v&portSusp != 0,
		Reset:     v&portPR != 0,
		LowSpeed:  v&portLSDA != 0,
		// UHCI's root hub is never handed off to a companion
		// controller: the CHC always owns every port, so this bit
		// reads back true unconditionally.
		Owner:         true,
		ConnectChange: v&portCSC != 0,
		EnableChange:  v&portPEC != 0,
	}, nil
}

// SetPortFeature sets a root-hub port feature. Power is a no-op on UHCI:
// the hardware has no such bit.
func (c *Controller) SetPortFeature(port int, f Feature) error {
	if f == FeaturePower {
		return nil
	}

	off, err := c.portOffset(port)
	if err != nil {
		return err
	}

	switch f {
	case FeatureEnable:
		return c.setPortBit(off, portPE)
	case FeatureSuspend:
		return c.setPortBit(off, portSusp)
	case FeatureReset:
		return c.resetPort(off)
	default:
		return fmt.Errorf("uhci: root hub: %w: feature %d not settable", ataerr.InvalidParameter, f)
	}
}

// ClearPortFeature clears a root-hub port feature or change bit. Power is a
// no-op on UHCI.
func (c *Controller) ClearPortFeature(port int, f Feature) error {
	if f == FeaturePower {
		return nil
	}

	off, err := c.portOffset(port)
	if err != nil {
		return err
	}

	switch f {
	case FeatureEnable:
		return c.clearPortBit(off, portPE)
	case FeatureSuspend:
		return c.clearPortBit(off, portSusp)
	case FeatureConnectChange:
		return c.clearChangeBit(off, portCSC)
	case FeatureEnableChange:
		return c.clearChangeBit(off, portPEC)
	default:
		return fmt.Errorf("uhci: root hub: %w: feature %d not clearable", ataerr.InvalidParameter, f)
	}
}

func (c *Controller) setPortBit(off uint32, bit uint16) error {
	v, err := reg.Read16(c.io, off)
	if err != nil {
		return err
	}

	// Never let a read-modify-write latch the write-one-to-clear change
	// bits (CSC/PEC) as a side effect of setting an unrelated bit.
	return reg.Write16(c.io, off, (v&^(portCSC|portPEC))|bit)
}

func (c *Controller) clearPortBit(off uint32, bit uint16) error {
	v, err := reg.Read16(c.io, off)
	if err != nil {
		return err
	}

	return reg.Write16(c.io, off, (v&^(portCSC|portPEC))&^bit)
}

// clearChangeBit acknowledges a write-one-to-clear change bit (CSC/PEC)
// without disturbing the other one.
func (c *Controller) clearChangeBit(off uint32, bit uint16) error {
	v, err := reg.Read16(c.io, off)
	if err != nil {
		return err
	}

	return reg.Write16(c.io, off, (v&^(portCSC|portPEC))|bit)
}

// resetPort drives PORTSC.PR for 50ms then releases it, the standard UHCI
// port-reset pulse width.
func (c *Controller) resetPort(off uint32) error {
	v, err := reg.Read16(c.io, off)
	if err != nil {
		return err
	}

	if err := reg.Write16(c.io, off, (v&^(portCSC|portPEC))|portPR); err != nil {
		return err
	}

	c.clock.Stall(50 * time.Millisecond)

	v, err = reg.Read16(c.io, off)
	if err != nil {
		return err
	}

	return reg.Write16(c.io, off, (v&^(portCSC|portPEC))&^portPR)
}
