// Pass-through façade: cursored enumeration
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package passthru

import (
	"fmt"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// restartPort is the "restart" sentinel for get_next_port/get_next_device.
const restartPort uint16 = 0xffff

// restartByte is the "restart" sentinel for the target-array form of
// get_next_target/get_next_target_lun.
const restartByte byte = 0xff

// restartCursor remembers the last port value this instance returned, so a
// caller's non-restart input can be validated against it ("any
// other value must match the previously returned cursor or the call
// returns invalid-parameter").
type restartCursor struct {
	have bool
	last uint16
}

// pmCursor is the same bookkeeping for get_next_device's port-multiplier
// cursor, scoped to whichever port it was last asked about.
type pmCursor struct {
	have bool
	port uint16
	last uint16
}

// targetCursor is the same bookkeeping for the 16-byte target-array form.
type targetCursor struct {
	have bool
	last [16]byte
	lun  uint64
}

func errNotFound(what string) error {
	return fmt.Errorf("passthru: no further %s: %w", what, ataerr.NotFound)
}

func errInvalidCursor() error {
	return fmt.Errorf("passthru: cursor does not match the last value returned: %w", ataerr.InvalidParameter)
}

// portsInOrder returns the distinct port numbers among enumerated devices,
// in first-insertion order.
func portsInOrder(devs []devinfo.Device) []uint16 {
	var out []uint16
	seen := map[int]bool{}

	for _, d := range devs {
		if seen[d.Port] {
			continue
		}
		seen[d.Port] = true
		out = append(out, uint16(d.Port))
	}

	return out
}

// pmsForPort returns the distinct port-multiplier values, in insertion
// order, among devices attached to port.
func pmsForPort(devs []devinfo.Device, port uint16) []uint16 {
	var out []uint16
	seen := map[int]bool{}

	for _, d := range devs {
		if uint16(d.Port) != port {
			continue
		}

		pm := pmSentinel(d.PortMultiplier)
		if seen[int(pm)] {
			continue
		}
		seen[int(pm)] = true
		out = append(out, pm)
	}

	return out
}

// pmSentinel maps devinfo.NoPortMultiplier to the wire sentinel 0xFFFF.
func pmSentinel(pm int) uint16 {
	if pm < 0 {
		return 0xffff
	}

	return uint16(pm)
}

func indexOfUint16(s []uint16, v uint16) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}

	return -1
}

// GetNextPort implements get_next_port.
func (p *Passthru) GetNextPort(port uint16) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := portsInOrder(p.eng.devices())

	if port == restartPort {
		if len(ports) == 0 {
			p.portCursor.have = false
			return 0, errNotFound("ports")
		}

		p.portCursor = restartCursor{have: true, last: ports[0]}
		return ports[0], nil
	}

	if !p.portCursor.have || port != p.portCursor.last {
		return 0, errInvalidCursor()
	}

	idx := indexOfUint16(ports, port)
	if idx < 0 || idx+1 >= len(ports) {
		p.portCursor.have = false
		return 0, errNotFound("ports")
	}

	p.portCursor.last = ports[idx+1]
	return p.portCursor.last, nil
}

// GetNextDevice implements get_next_device: iterates the
// port-multiplier cursor for the ports named by the previous GetNextPort
// call.
func (p *Passthru) GetNextDevice(port uint16, pm uint16) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pms := pmsForPort(p.eng.devices(), port)

	if pm == restartPort {
		if len(pms) == 0 {
			p.deviceCursor.have = false
			return 0, errNotFound("devices")
		}

		p.deviceCursor = pmCursor{have: true, port: port, last: pms[0]}
		return pms[0], nil
	}

	if !p.deviceCursor.have || p.deviceCursor.port != port || pm != p.deviceCursor.last {
		return 0, errInvalidCursor()
	}

	idx := indexOfUint16(pms, pm)
	if idx < 0 || idx+1 >= len(pms) {
		p.deviceCursor.have = false
		return 0, errNotFound("devices")
	}

	p.deviceCursor.last = pms[idx+1]
	return p.deviceCursor.last, nil
}

// targetsInOrder returns the distinct (port, pm) pairs packed as 16-byte
// targets, in insertion order.
func targetsInOrder(devs []devinfo.Device) [][16]byte {
	var out [][16]byte
	seen := map[[2]byte]bool{}

	for i := range devs {
		target, _ := devs[i].TargetLUN()
		key := [2]byte{target[0], target[1]}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, target)
	}

	return out
}

func isRestartTarget(target [16]byte) bool {
	return target[0] == restartByte || target[1] == restartByte
}

func targetsEqual(a, b [16]byte) bool {
	return a[0] == b[0] && a[1] == b[1]
}

// GetNextTarget implements get_next_target.
func (p *Passthru) GetNextTarget(target [16]byte) ([16]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets := targetsInOrder(p.eng.devices())

	if isRestartTarget(target) {
		if len(targets) == 0 {
			p.targetCursor.have = false
			return [16]byte{}, errNotFound("targets")
		}

		p.targetCursor = targetCursor{have: true, last: targets[0]}
		return targets[0], nil
	}

	if !p.targetCursor.have || !targetsEqual(target, p.targetCursor.last) {
		return [16]byte{}, errInvalidCursor()
	}

	idx := -1
	for i, t := range targets {
		if targetsEqual(t, p.targetCursor.last) {
			idx = i
			break
		}
	}

	if idx < 0 || idx+1 >= len(targets) {
		p.targetCursor.have = false
		return [16]byte{}, errNotFound("targets")
	}

	p.targetCursor.last = targets[idx+1]
	return p.targetCursor.last, nil
}

// GetNextTargetLun implements get_next_target_lun: identical to
// GetNextTarget since every ATAPI LUN is 0. The two operations share one
// cursor; it is separate from the port/port-multiplier cursor that the ATA
// surface's GetNextPort and GetNextDevice use.
func (p *Passthru) GetNextTargetLun(target [16]byte, lun uint64) ([16]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	targets := targetsInOrder(p.eng.devices())

	if isRestartTarget(target) {
		if len(targets) == 0 {
			p.targetCursor.have = false
			return [16]byte{}, 0, errNotFound("targets")
		}

		p.targetCursor = targetCursor{have: true, last: targets[0], lun: 0}
		return targets[0], 0, nil
	}

	if !p.targetCursor.have || !targetsEqual(target, p.targetCursor.last) || lun != p.targetCursor.lun {
		return [16]byte{}, 0, errInvalidCursor()
	}

	idx := -1
	for i, t := range targets {
		if targetsEqual(t, p.targetCursor.last) {
			idx = i
			break
		}
	}

	if idx < 0 || idx+1 >= len(targets) {
		p.targetCursor.have = false
		return [16]byte{}, 0, errNotFound("targets")
	}

	p.targetCursor.last = targets[idx+1]
	p.targetCursor.lun = 0
	return p.targetCursor.last, 0, nil
}
