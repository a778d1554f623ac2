// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cryptolib

import (
	"errors"
	"fmt"
)

// Structural errors. These mean the blob itself is malformed and are
// reported before any cryptography runs.
var (
	// ErrBadAlgorithm means the algorithm field is outside the known
	// enumeration.
	ErrBadAlgorithm = errors.New("unsupported signature algorithm")

	// ErrBadSize means a declared size does not match what the algorithm
	// requires.
	ErrBadSize = errors.New("declared size does not match algorithm")

	// ErrUnaligned means an offset taken from a blob is not 32-bit aligned.
	ErrUnaligned = errors.New("unaligned offset")

	// ErrBadArraySize means the key material's array-size word disagrees
	// with the algorithm's key length.
	ErrBadArraySize = errors.New("key array size does not match algorithm")

	// ErrWorkbufTooSmall means the scratch workspace cannot hold the
	// intermediate state needed for digest computation.
	ErrWorkbufTooSmall = errors.New("work buffer too small")
)

// RangeError reports a member or data region that does not fit inside its
// parent buffer, either because it extends past the end or because its
// offset arithmetic overflows.
type RangeError struct {
	What      string
	Offset    uint64
	Size      uint64
	ParentLen uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s at offset %d size %d does not fit in %d bytes",
		e.What, e.Offset, e.Size, e.ParentLen)
}

// VerificationError reports a signature that is structurally sound but does
// not verify against the key, or a digest that does not match its expected
// value.
type VerificationError struct {
	Algorithm Algorithm
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification failed (%s): %v", e.Algorithm, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
