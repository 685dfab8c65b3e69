// Driver-wide configuration surface
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config holds the platform-level "ATA-ATAPI policy" object
// and the handful of additional driver knobs engines consult, as a plain
// struct supplied at construction rather than read from package globals.
package config

// Policy is the platform "ATA-ATAPI policy" object: a version plus four
// bytes. Defaults are PuisEnable = 2, everything else 0.
type Policy struct {
	Version uint32

	// PuisEnable selects the Power-Up In Standby negotiation mode. 0
	// disables it, 1 forces it, 2 (the default) leaves the device's own
	// default in effect.
	PuisEnable byte

	// DeviceSleepEnable and AggressiveDeviceSleepEnable gate the SATA
	// DevSleep link-power-management feature.
	DeviceSleepEnable           byte
	AggressiveDeviceSleepEnable byte

	reserved byte

	// EnableSMART gates the SMART bring-up sequence
	// (SMART-ENABLE/SMART-AUTOSAVE/SMART-RETURN-STATUS) during IDE
	// enumeration.
	EnableSMART bool

	// Use48Bit is carried with the policy but read by no engine; the
	// pass-through surface's max sector count (0x100 or 0x10000) is
	// chosen from the device's IDENTIFY data alone, whatever this field
	// holds.
	Use48Bit bool
}

// Default returns the platform default policy: Version = 1, PuisEnable = 2,
// Use48Bit = true, all other fields zero/false.
func Default() Policy {
	return Policy{
		Version:    1,
		PuisEnable: 2,
		Use48Bit:   true,
	}
}
