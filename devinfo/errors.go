// devinfo package error helpers
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devinfo

import "fmt"

func errIdentifySize(n int) error {
	return fmt.Errorf("devinfo: identify buffer must be %d bytes, got %d", IdentifySize, n)
}
