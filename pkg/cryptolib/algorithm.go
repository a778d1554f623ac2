// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cryptolib implements parsing and verification of the packed key
// and signature structures used by verified boot. All structures are
// self-describing binary blobs produced by external signing tooling; this
// package only ever consumes them. Every offset taken from such a blob is
// validated against the real buffer length before use.
package cryptolib

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
)

// Algorithm identifies the RSA key strength and hash function used to
// produce a signature. The numeric values are part of the on-disk format.
type Algorithm uint32

// Signature algorithms.
const (
	AlgRSA1024SHA1 Algorithm = iota
	AlgRSA1024SHA256
	AlgRSA1024SHA512
	AlgRSA2048SHA1
	AlgRSA2048SHA256
	AlgRSA2048SHA512
	AlgRSA4096SHA1
	AlgRSA4096SHA256
	AlgRSA4096SHA512
	AlgRSA8192SHA1
	AlgRSA8192SHA256
	AlgRSA8192SHA512

	// AlgCount is the number of defined algorithms.
	AlgCount
)

// IsValid returns true if a is within the known enumeration.
func (a Algorithm) IsValid() bool {
	return a < AlgCount
}

// SigSize returns the size of a signature produced with this algorithm, in
// bytes (the RSA key length). Returns 0 for invalid algorithms.
func (a Algorithm) SigSize() int {
	switch a {
	case AlgRSA1024SHA1, AlgRSA1024SHA256, AlgRSA1024SHA512:
		return 1024 / 8
	case AlgRSA2048SHA1, AlgRSA2048SHA256, AlgRSA2048SHA512:
		return 2048 / 8
	case AlgRSA4096SHA1, AlgRSA4096SHA256, AlgRSA4096SHA512:
		return 4096 / 8
	case AlgRSA8192SHA1, AlgRSA8192SHA256, AlgRSA8192SHA512:
		return 8192 / 8
	}
	return 0
}

// PackedKeyDataSize returns the expected size of the key material that
// follows a PackedKey header: an array-size word, the n0inv word, and the
// modulus and R^2 arrays. Returns 0 for invalid algorithms.
func (a Algorithm) PackedKeyDataSize() int {
	s := a.SigSize()
	if s == 0 {
		return 0
	}
	return 2*4 + 2*s
}

// Hash returns the hash function selected by this algorithm.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case AlgRSA1024SHA1, AlgRSA2048SHA1, AlgRSA4096SHA1, AlgRSA8192SHA1:
		return crypto.SHA1
	case AlgRSA1024SHA256, AlgRSA2048SHA256, AlgRSA4096SHA256, AlgRSA8192SHA256:
		return crypto.SHA256
	case AlgRSA1024SHA512, AlgRSA2048SHA512, AlgRSA4096SHA512, AlgRSA8192SHA512:
		return crypto.SHA512
	}
	return 0
}

// DigestSize returns the size of this algorithm's digest in bytes.
func (a Algorithm) DigestSize() int {
	h := a.Hash()
	if h == 0 {
		return 0
	}
	return h.Size()
}

func (a Algorithm) String() string {
	names := map[Algorithm]string{
		AlgRSA1024SHA1:   "RSA1024 SHA1",
		AlgRSA1024SHA256: "RSA1024 SHA256",
		AlgRSA1024SHA512: "RSA1024 SHA512",
		AlgRSA2048SHA1:   "RSA2048 SHA1",
		AlgRSA2048SHA256: "RSA2048 SHA256",
		AlgRSA2048SHA512: "RSA2048 SHA512",
		AlgRSA4096SHA1:   "RSA4096 SHA1",
		AlgRSA4096SHA256: "RSA4096 SHA256",
		AlgRSA4096SHA512: "RSA4096 SHA512",
		AlgRSA8192SHA1:   "RSA8192 SHA1",
		AlgRSA8192SHA256: "RSA8192 SHA256",
		AlgRSA8192SHA512: "RSA8192 SHA512",
	}
	if n, ok := names[a]; ok {
		return n
	}
	return fmt.Sprintf("unknown algorithm %d", uint32(a))
}

// Digest computes this algorithm's digest over data.
func (a Algorithm) Digest(data []byte) ([]byte, error) {
	ch := a.Hash()
	if ch == 0 {
		return nil, ErrBadAlgorithm
	}
	h := ch.New()
	h.Write(data)
	return h.Sum(nil), nil
}
