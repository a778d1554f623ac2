// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cryptolib

import (
	"crypto"
	"crypto/rsa"
	"crypto/subtle"
	"errors"

	"github.com/linuxboot/vboot/pkg/log"
)

// ErrDigestMismatch reports a digest-only check whose computed digest does
// not equal the expected one.
var ErrDigestMismatch = errors.New("digest mismatch")

// VerifyDigest checks an RSA PKCS#1 v1.5 signature over an already
// computed digest. sig must be exactly the algorithm's signature size.
func VerifyDigest(key *PublicKey, sig []byte, digest []byte) error {
	if !key.Algorithm.IsValid() {
		return ErrBadAlgorithm
	}
	if len(sig) != key.Algorithm.SigSize() {
		return ErrBadSize
	}
	if len(digest) != key.Algorithm.DigestSize() {
		return ErrBadSize
	}
	if err := rsa.VerifyPKCS1v15(key.RSA(), key.Algorithm.Hash(), digest, sig); err != nil {
		return &VerificationError{Algorithm: key.Algorithm, Err: err}
	}
	return nil
}

// VerifyData checks a signature over the first sig.DataSize bytes of data.
// The signature header must declare the size the key's algorithm requires
// and must not claim to cover more data than the caller holds. Digest
// state is allocated from wb and released before returning.
func VerifyData(data []byte, sig *Signature, sigData []byte, key *PublicKey, wb *Workbuf) error {
	if !key.Algorithm.IsValid() {
		return ErrBadAlgorithm
	}
	if int(sig.SigSize) != key.Algorithm.SigSize() {
		log.Debugf("signature size %d does not match algorithm %s", sig.SigSize, key.Algorithm)
		return ErrBadSize
	}
	if uint64(sig.DataSize) > uint64(len(data)) {
		return &RangeError{What: "signed data", Size: uint64(sig.DataSize), ParentLen: uint64(len(data))}
	}

	mark := wb.Used()
	defer wb.Free(mark)
	digest := wb.Alloc(key.Algorithm.DigestSize())
	if digest == nil {
		return ErrWorkbufTooSmall
	}
	if wb.Alloc(digestContextSize) == nil {
		return ErrWorkbufTooSmall
	}

	h := key.Algorithm.Hash().New()
	h.Write(data[:sig.DataSize])
	digest = h.Sum(digest[:0])

	return VerifyDigest(key, sigData, digest)
}

// DigestOnlyCheck compares a computed digest against an expected one in
// constant time. Used where a structure is checked by hash rather than by
// signature.
func DigestOnlyCheck(h crypto.Hash, data []byte, expected []byte) error {
	if !h.Available() {
		return ErrBadAlgorithm
	}
	hh := h.New()
	hh.Write(data)
	got := hh.Sum(nil)
	if len(expected) != len(got) || subtle.ConstantTimeCompare(got, expected) != 1 {
		return ErrDigestMismatch
	}
	return nil
}
