// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loadkernel

// RollbackStore is the tamper-resistant counter holding the kernel
// version floor. It is an external capability; this package calls it but
// never implements it.
type RollbackStore interface {
	// ReadVersion returns the stored combined-version floor.
	ReadVersion() (uint32, error)

	// WriteVersion raises the stored floor. Callers never lower it.
	WriteVersion(version uint32) error

	// Lock prevents further version writes until the next reset.
	Lock() error

	// Recovery prepares the store for a recovery boot, where versions
	// are neither checked nor advanced.
	Recovery(developer bool) error
}
