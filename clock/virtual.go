// Virtual clock for driving polled waits in tests
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package clock

import (
	"sync"
	"time"
)

// Virtual is a Clock whose Now() only advances when Stall is called,
// letting tests drive a polling loop deterministically without sleeping.
type Virtual struct {
	mu  sync.Mutex
	now time.Time

	// Advance, if set, is invoked on every Stall call before the virtual
	// clock is advanced. Tests use it to make hardware state transition
	// (e.g. flip a status-register bit) after N stalls.
	Advance func(d time.Duration)
}

// NewVirtual returns a Virtual clock starting at an arbitrary fixed epoch.
func NewVirtual() *Virtual {
	return &Virtual{now: time.Unix(0, 0)}
}

// Now implements Clock.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.now
}

// Stall implements Clock.
func (v *Virtual) Stall(d time.Duration) {
	if v.Advance != nil {
		v.Advance(d)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.now = v.now.Add(d)
}
