// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cryptolib

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// PackedKeySize is the size of the PackedKey header on disk.
	PackedKeySize = 32

	// SignatureSize is the size of the Signature header on disk.
	SignatureSize = 24
)

// PackedKey is the on-disk header of a public key blob. KeyOffset is
// relative to the start of this header; the key material it points at is
// an array-size word, the n0inv word, and the little-endian modulus and
// R^2 word arrays.
type PackedKey struct {
	KeyOffset  uint32
	Reserved0  uint32
	KeySize    uint32
	Reserved1  uint32
	Algorithm  uint32
	Reserved2  uint32
	KeyVersion uint32
	Reserved3  uint32
}

// Signature is the on-disk header of a signature blob. SigOffset is
// relative to the start of this header. DataSize is the number of bytes of
// the signed object the signature actually covers; callers must verify it
// against the object they hold before trusting any of it.
type Signature struct {
	SigOffset uint32
	Reserved0 uint32
	SigSize   uint32
	Reserved1 uint32
	DataSize  uint32
	Reserved2 uint32
}

// UnmarshalBinary parses a PackedKey header from the start of buf.
func (pk *PackedKey) UnmarshalBinary(buf []byte) error {
	if len(buf) < PackedKeySize {
		return &RangeError{What: "packed key header", Size: PackedKeySize, ParentLen: uint64(len(buf))}
	}
	return binary.Read(bytes.NewReader(buf[:PackedKeySize]), binary.LittleEndian, pk)
}

// MarshalBinary serializes the PackedKey header.
func (pk *PackedKey) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, pk); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// UnmarshalBinary parses a Signature header from the start of buf.
func (s *Signature) UnmarshalBinary(buf []byte) error {
	if len(buf) < SignatureSize {
		return &RangeError{What: "signature header", Size: SignatureSize, ParentLen: uint64(len(buf))}
	}
	return binary.Read(bytes.NewReader(buf[:SignatureSize]), binary.LittleEndian, s)
}

// MarshalBinary serializes the Signature header.
func (s *Signature) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, s); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (s *Signature) String() string {
	return fmt.Sprintf("signature over %d bytes (sig %d bytes at +%d)",
		s.DataSize, s.SigSize, s.SigOffset)
}

// CheckMemberInside validates that a member structure and the data region
// it points at both lie inside a parent buffer of parentLen bytes. The
// member lives at memberOffset and is memberSize bytes long; its data
// region starts dataOffset bytes after the member and is dataSize bytes
// long. All arithmetic is checked for overflow.
func CheckMemberInside(parentLen, memberOffset, memberSize, dataOffset, dataSize uint64) error {
	end := memberOffset + memberSize
	if end < memberOffset || end > parentLen {
		return &RangeError{What: "member", Offset: memberOffset, Size: memberSize, ParentLen: parentLen}
	}
	dataStart := memberOffset + dataOffset
	if dataStart < memberOffset {
		return &RangeError{What: "member data", Offset: dataOffset, Size: dataSize, ParentLen: parentLen}
	}
	dataEnd := dataStart + dataSize
	if dataEnd < dataStart || dataEnd > parentLen {
		return &RangeError{What: "member data", Offset: dataStart, Size: dataSize, ParentLen: parentLen}
	}
	return nil
}

// CheckSignatureInside validates that a Signature header at sigOffset
// within a parent of parentLen bytes, together with the signature bytes it
// points at, fits inside the parent.
func CheckSignatureInside(parentLen, sigOffset uint64, sig *Signature) error {
	return CheckMemberInside(parentLen, sigOffset, SignatureSize,
		uint64(sig.SigOffset), uint64(sig.SigSize))
}

// CheckPackedKeyInside validates that a PackedKey header at keyOffset
// within a parent of parentLen bytes, together with the key material it
// points at, fits inside the parent.
func CheckPackedKeyInside(parentLen, keyOffset uint64, pk *PackedKey) error {
	return CheckMemberInside(parentLen, keyOffset, PackedKeySize,
		uint64(pk.KeyOffset), uint64(pk.KeySize))
}
