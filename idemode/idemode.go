// IDE Controller Init phase-notification collaborator contract
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package idemode declares the contract for the "IDE Controller Init"
// phase-notification collaborator: the core only invokes
// its phase callbacks and consumes its proposed transfer mode, it does not
// define the collaborator's implementation. Default is a reference
// implementation good enough to drive this module's own tests; production
// deployments are expected to supply their own, platform-specific,
// Notifier.
package idemode

import "github.com/usbarmory/atahost/devinfo"

// Phase names the two notification points the engines fire during
// enumeration.
type Phase int

const (
	// BeforeChannelEnumeration fires once per controller, before any
	// channel or port is probed.
	BeforeChannelEnumeration Phase = iota
	// BeforeDevicePresenceDetection fires once for each device the engine
	// goes on to identify: on AHCI before the port's signature register
	// is read, on IDE after the diagnostic signature has classified the
	// device and before IDENTIFY is issued.
	BeforeDevicePresenceDetection
)

// Mode names an ATA transfer mode category.
type Mode int

const (
	ModePIO Mode = iota
	ModeMultiwordDMA
	ModeUDMA
)

// ProposedMode is the outcome of ProposeMode: a category and the specific
// mode number within it (e.g. Mode=ModeUDMA, Number=5 for UDMA5).
type ProposedMode struct {
	Mode   Mode
	Number int
}

// Notifier is the phase-notification and transfer-mode-proposal surface.
type Notifier interface {
	// Notify is called at each Phase named above.
	Notify(phase Phase)

	// ProposeMode decodes an IDENTIFY response and returns the best
	// mode both the host and the device support.
	ProposeMode(id *devinfo.Identify) ProposedMode

	// LatchTiming is called once IDE or AHCI enumeration has selected a
	// mode and SET FEATURES has succeeded,
	// so the collaborator can program PCI IDE-controller timing
	// registers (a platform-specific concern outside this module).
	LatchTiming(channel int, device int, mode ProposedMode)
}

// Default is a reference Notifier that decodes IDENTIFY words 53/63/64/88
// the way the ATA/ATAPI Command Set describes, preferring UDMA, then
// multiword DMA, then PIO. It performs no platform timing programming.
type Default struct{}

// Notify implements Notifier; the reference implementation has nothing to
// do at either phase.
func (Default) Notify(Phase) {}

// ProposeMode implements Notifier.
func (Default) ProposeMode(id *devinfo.Identify) ProposedMode {
	if mode, ok := id.UDMAMode(); ok {
		return ProposedMode{Mode: ModeUDMA, Number: mode}
	}

	if mode, ok := id.MultiwordDMAMode(); ok {
		return ProposedMode{Mode: ModeMultiwordDMA, Number: mode}
	}

	if mode, ok := id.PIOMode(); ok {
		return ProposedMode{Mode: ModePIO, Number: mode}
	}

	return ProposedMode{Mode: ModePIO, Number: 0}
}

// LatchTiming implements Notifier; the reference implementation is a no-op
// since PCI IDE timing registers are platform-specific and belong to the
// real collaborator.
func (Default) LatchTiming(channel int, device int, mode ProposedMode) {}

var _ Notifier = Default{}
