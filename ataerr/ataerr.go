// ATA/ATAPI host-controller core error taxonomy
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ataerr defines the fixed error taxonomy shared by the UHCI, AHCI
// and IDE engines and by the pass-through façade. Every hardware-facing
// error returned by this module wraps exactly one of these sentinels, so
// callers can classify a failure with errors.Is regardless of which engine
// produced it.
package ataerr

import "errors"

var (
	// InvalidParameter is returned for caller-side errors detected before
	// any hardware contact: bad alignment, bad mode, unsupported CDB
	// length, unknown port.
	InvalidParameter = errors.New("invalid parameter")

	// NotReady is returned by a non-blocking task whose engine has not
	// yet finished; the task is kept at the head of the dispatch queue.
	NotReady = errors.New("not ready")

	// NotFound is returned for enumeration past the end of the
	// device-info list, or an unknown device-path translation.
	NotFound = errors.New("not found")

	// BadBufferSize is returned when the caller's transfer would exceed
	// the device's maximum sector count; the caller must resize and
	// retry.
	BadBufferSize = errors.New("bad buffer size")

	// DeviceError is returned for any latched status-register error bit
	// (HSE, HCPE, HCH for UHCI; TFES/HBFS/HBDS/IFS for AHCI; ERR/DWF/CORR
	// for IDE), and for the non-blocking queue-drained-on-failure case.
	DeviceError = errors.New("device error")

	// Timeout is returned when a polled wait exceeded its budget.
	Timeout = errors.New("timeout")

	// Unsupported is returned for an operation the engine does not
	// implement: isochronous transfers, channel reset on IDE, 64-bit DMA
	// on a 32-bit-only HBA.
	Unsupported = errors.New("unsupported")

	// OutOfResources is returned when arena expansion, PCI mapping, or
	// descriptor allocation is refused.
	OutOfResources = errors.New("out of resources")
)

// Kind reports which sentinel (if any) is wrapped by err, so logging and
// test code can classify a failure without a long errors.Is chain.
func Kind(err error) error {
	for _, k := range []error{
		InvalidParameter,
		NotReady,
		NotFound,
		BadBufferSize,
		DeviceError,
		Timeout,
		Unsupported,
		OutOfResources,
	} {
		if errors.Is(err, k) {
			return k
		}
	}

	return nil
}
