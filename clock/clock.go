// Stall/poll time primitive for the ATA/ATAPI host-controller core
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package clock provides the stall primitive that every polled wait in this
// module is built on (register façade, IDE preamble, UHCI/AHCI completion
// polling). It is injected at construction rather than called as a bare
// time.Sleep so that tests can drive virtual time instead of waiting on
// real microsecond-scale hardware delays.
package clock

import "time"

// Clock abstracts the passage of time for polled waits.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Stall blocks for approximately d. Implementations used in
	// production sleep; implementations used in tests may advance a
	// virtual clock instead.
	Stall(d time.Duration)
}

// Real is a Clock backed by the operating system.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// Stall implements Clock.
func (Real) Stall(d time.Duration) {
	if d <= 0 {
		return
	}

	time.Sleep(d)
}

// Default is the production clock used when no Clock is supplied.
var Default Clock = Real{}
