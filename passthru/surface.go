// Pass-through façade: pass_thru, reset, device-path surface operations
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
	"time"
	"unsafe"

	"github.com/usbarmory/atahost/ataerr"
	"github.com/usbarmory/atahost/devinfo"
)

// ATA commands the IDENTIFY cache-hit path recognizes: an IDENTIFY
// against a previously enumerated device is served from the cached
// buffer without touching the engine.
const (
	ataCommandIdentifyDevice       = 0xec
	ataCommandIdentifyPacketDevice = 0xa1
)

// Packet is the unified request/result record for one PassThru call: the
// ATA command block plus protocol for non-packet commands, or a CDB plus
// direction for an ATAPI packet command. Exactly one of the two forms is
// populated; CDB != nil selects the ATAPI form.
type Packet struct {
	CommandBlock devinfo.CommandBlock
	StatusBlock  devinfo.StatusBlock
	Protocol     Protocol
	Data         []byte

	CDB []byte
	Dir Direction

	SenseDataLength  int
	Sense            []byte
	BytesTransferred int

	Timeout time.Duration
}

// checkAlign enforces the IoAlign requirement.
func checkAlign(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if uintptr(unsafe.Pointer(&data[0]))%IoAlign != 0 {
		return fmt.Errorf("passthru: buffer not aligned to IoAlign (%d): %w", IoAlign, ataerr.InvalidParameter)
	}

	return nil
}

// maxSectorCount returns the largest sector count one pass-through
// transfer may request against id.
func maxSectorCount(id *devinfo.Identify) int {
	if id.LBA48Capable() && id.TotalSectors() > 0xfffffff {
		return 0x10000
	}

	return 0x100
}

// translateLength converts a caller byte length into a sector count and
// validates it against id's maximum.
func translateLength(id *devinfo.Identify, byteLen int) (sectors int, err error) {
	sectorSize := int(id.SectorSizeBytes())
	if sectorSize == 0 || byteLen%sectorSize != 0 {
		return 0, fmt.Errorf("passthru: data length %d is not a multiple of sector size %d: %w", byteLen, sectorSize, ataerr.InvalidParameter)
	}

	sectors = byteLen / sectorSize

	if max := maxSectorCount(id); sectors > max {
		return 0, fmt.Errorf("passthru: %d sectors exceeds device max sector count %d: %w", sectors, max, ataerr.BadBufferSize)
	}

	return sectors, nil
}

// findDevice looks up the enumerated device at (port, pm); pm ==
// devinfo.NoPortMultiplier matches an IDE device or an AHCI device with no
// port multiplier.
func (p *Passthru) findDevice(port, pm int) (*devinfo.Device, error) {
	devs := p.eng.devices()

	for i := range devs {
		if devs[i].Port == port && devs[i].PortMultiplier == pm {
			return &devs[i], nil
		}
	}

	return nil, fmt.Errorf("passthru: no device at port %d pm %d: %w", port, pm, ataerr.NotFound)
}

// isIdentify reports whether cb issues IDENTIFY DEVICE or IDENTIFY PACKET
// DEVICE, the cache-hit path.
func isIdentify(cb devinfo.CommandBlock) bool {
	return cb.Command == ataCommandIdentifyDevice || cb.Command == ataCommandIdentifyPacketDevice
}

// runPacketLocked dispatches one packet against the bound engine. Callers
// hold p.mu.
func (p *Passthru) runPacketLocked(port, pm int, pkt *Packet) (devinfo.StatusBlock, error) {
	if pkt.CDB == nil && isIdentify(pkt.CommandBlock) {
		if d, err := p.findDevice(port, pm); err == nil {
			raw := d.Identify.Bytes()
			n := copy(pkt.Data, raw)
			pkt.BytesTransferred = n
			return devinfo.StatusBlock{}, nil
		}
	}

	if pkt.CDB != nil {
		res, err := p.eng.executePacket(port, pkt.CDB, pkt.Dir, pkt.Data, pkt.SenseDataLength, pkt.Timeout)
		pkt.BytesTransferred = res.bytesTransferred
		pkt.Sense = res.sense
		return devinfo.StatusBlock{}, err
	}

	sb, n, err := p.eng.execute(port, pkt.CommandBlock, pkt.Protocol, pkt.Data, pkt.Timeout)
	pkt.BytesTransferred = n

	return sb, err
}

// PassThru implements pass_thru: validate alignment, translate the
// transfer length, then either queue pkt as a non-blocking task (event !=
// nil) or run it to completion on the caller's goroutine.
func (p *Passthru) PassThru(port, pm int, pkt *Packet, event *Event) error {
	if err := checkAlign(pkt.Data); err != nil {
		return err
	}

	if pkt.CDB == nil && pkt.Protocol != ProtocolNonData && !isIdentify(pkt.CommandBlock) {
		d, err := p.findDevice(port, pm)
		if err != nil {
			return err
		}

		if _, err := translateLength(&d.Identify, len(pkt.Data)); err != nil {
			return err
		}
	}

	if event != nil {
		p.enqueue(&Task{port: port, pm: pm, pkt: pkt, event: event})
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.drainPendingLocked()

	sb, err := p.runPacketLocked(port, pm, pkt)
	pkt.StatusBlock = sb

	return err
}

// ResetPort implements reset_port: on IDE always succeeds silently;
// on AHCI performs the port-reset sequence.
func (p *Passthru) ResetPort(port int) error {
	return p.eng.resetPort(port)
}

// ResetDevice implements reset_device. Neither engine resets at a
// finer grain than the port, so this is ResetPort under a name the
// SCSI-ext surface expects.
func (p *Passthru) ResetDevice(port, pm int) error {
	return p.eng.resetPort(port)
}

// pathKind selects the device-path node form for this instance's engine
// mode.
func (p *Passthru) pathKind() devinfo.DevicePathKind {
	if p.mode == ModeAHCI {
		return devinfo.PathSATA
	}

	return devinfo.PathATAPI
}

// BuildDevicePath implements build_device_path.
func (p *Passthru) BuildDevicePath(port, pm int) (devinfo.DevicePath, error) {
	d, err := p.findDevice(port, pm)
	if err != nil {
		return devinfo.DevicePath{}, err
	}

	return devinfo.BuildDevicePath(d, p.pathKind()), nil
}

// GetDevice implements get_device, the inverse of BuildDevicePath.
func (p *Passthru) GetDevice(path devinfo.DevicePath) (*devinfo.Device, error) {
	port, pm := path.Device()

	return p.findDevice(port, pm)
}
