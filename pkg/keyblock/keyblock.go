// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyblock implements parsing and verification of the key block
// and kernel preamble structures found at the start of a bootable
// partition. A key block carries the data key that signs the preamble;
// the preamble carries the version and the signature over the kernel
// body. Unpacking performs only structural checks; nothing parsed out of
// a blob may be trusted until Verify has passed.
package keyblock

import (
	"bytes"
	"crypto"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/linuxboot/vboot/pkg/cryptolib"
)

// KeyBlockMagic identifies a key block.
const KeyBlockMagic = "CHROMEOS"

const (
	// KeyBlockSize is the size of the key block header on disk.
	KeyBlockSize = 112

	keyBlockVersionMajor    = 2
	keyBlockVersionMinorMin = 1

	// Offsets of the embedded structures within the header.
	keyBlockSigOffset  = 24
	keyBlockHashOffset = 48
	dataKeyOffset      = 80
)

// Key block flags. Each mode has an off and an on bit; a block is usable
// in a mode when the bit matching the current switch state is set.
const (
	FlagDeveloper0 uint32 = 1 << iota // valid with developer switch off
	FlagDeveloper1                    // valid with developer switch on
	FlagRecovery0                     // valid with recovery switch off
	FlagRecovery1                     // valid with recovery switch on
)

var (
	// ErrBadMagic means the buffer does not start with a key block.
	ErrBadMagic = errors.New("key block magic mismatch")

	// ErrBadVersion means the header declares an incompatible version.
	ErrBadVersion = errors.New("incompatible key block header version")

	// ErrSignedTooLittle means a signature's declared data size does not
	// cover the structure it is supposed to protect.
	ErrSignedTooLittle = errors.New("signed region does not cover header")

	// ErrBadHashSize means the hash payload is not a SHA-512 digest.
	ErrBadHashSize = errors.New("key block hash has wrong size")
)

// KeyBlock is the parsed header of a key block blob.
type KeyBlock struct {
	Magic              [8]byte
	HeaderVersionMajor uint32
	HeaderVersionMinor uint32
	KeyBlockSize       uint32
	Reserved0          uint32
	KeyBlockSignature  cryptolib.Signature
	KeyBlockHash       cryptolib.Signature
	Flags              uint32
	Reserved1          uint32
	DataKey            cryptolib.PackedKey
}

// UnpackKeyBlock parses a key block header from buf and validates its
// structure: magic, version, and that the declared block plus every region
// it references fits inside buf. The data key and signatures are located
// but not yet checked cryptographically.
func UnpackKeyBlock(buf []byte) (*KeyBlock, error) {
	if len(buf) < KeyBlockSize {
		return nil, &cryptolib.RangeError{What: "key block header", Size: KeyBlockSize, ParentLen: uint64(len(buf))}
	}
	kb := new(KeyBlock)
	if err := binary.Read(bytes.NewReader(buf[:KeyBlockSize]), binary.LittleEndian, kb); err != nil {
		return nil, err
	}
	if string(kb.Magic[:]) != KeyBlockMagic {
		return nil, ErrBadMagic
	}
	if kb.HeaderVersionMajor != keyBlockVersionMajor {
		return nil, fmt.Errorf("%w: major %d", ErrBadVersion, kb.HeaderVersionMajor)
	}
	if kb.HeaderVersionMinor < keyBlockVersionMinorMin {
		return nil, fmt.Errorf("%w: minor %d", ErrBadVersion, kb.HeaderVersionMinor)
	}
	if uint64(kb.KeyBlockSize) > uint64(len(buf)) {
		return nil, &cryptolib.RangeError{What: "key block", Size: uint64(kb.KeyBlockSize), ParentLen: uint64(len(buf))}
	}
	blockLen := uint64(kb.KeyBlockSize)
	if err := cryptolib.CheckSignatureInside(blockLen, keyBlockSigOffset, &kb.KeyBlockSignature); err != nil {
		return nil, err
	}
	if err := cryptolib.CheckSignatureInside(blockLen, keyBlockHashOffset, &kb.KeyBlockHash); err != nil {
		return nil, err
	}
	if err := cryptolib.CheckPackedKeyInside(blockLen, dataKeyOffset, &kb.DataKey); err != nil {
		return nil, err
	}
	return kb, nil
}

// MarshalBinary serializes the key block header.
func (kb *KeyBlock) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, kb); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Verify checks the key block in buf against key. With hashOnly set (no
// trusted key available, recovery from trusted media) the SHA-512 hash
// payload is checked instead of the RSA signature. In both modes the
// signed region must cover the whole header and fully contain the data
// key, so the data key may be trusted afterwards.
func (kb *KeyBlock) Verify(buf []byte, key *cryptolib.PublicKey, hashOnly bool, wb *cryptolib.Workbuf) error {
	sig := &kb.KeyBlockSignature
	if hashOnly {
		sig = &kb.KeyBlockHash
	}
	if sig.DataSize < KeyBlockSize {
		return ErrSignedTooLittle
	}
	// The data key payload must lie inside the signed region, not merely
	// inside the block.
	if err := cryptolib.CheckPackedKeyInside(uint64(sig.DataSize), dataKeyOffset, &kb.DataKey); err != nil {
		return err
	}

	if hashOnly {
		if sig.SigSize != sha512.Size {
			return ErrBadHashSize
		}
		if uint64(sig.DataSize) > uint64(len(buf)) {
			return &cryptolib.RangeError{What: "hashed region", Size: uint64(sig.DataSize), ParentLen: uint64(len(buf))}
		}
		digest := buf[keyBlockHashOffset+sig.SigOffset : keyBlockHashOffset+sig.SigOffset+sig.SigSize]
		return cryptolib.DigestOnlyCheck(crypto.SHA512, buf[:sig.DataSize], digest)
	}

	sigData := buf[keyBlockSigOffset+sig.SigOffset : keyBlockSigOffset+sig.SigOffset+sig.SigSize]
	return cryptolib.VerifyData(buf, sig, sigData, key, wb)
}

// DataKeyBytes returns the packed data key region of buf, suitable for
// cryptolib.UnpackKey. Valid only after Verify has passed.
func (kb *KeyBlock) DataKeyBytes(buf []byte) []byte {
	// Offsets inside the packed key are relative to the key struct, so
	// the slice starts at the struct and UnpackKey sees a self-contained
	// blob.
	end := uint64(dataKeyOffset) + uint64(kb.DataKey.KeyOffset) + uint64(kb.DataKey.KeySize)
	return buf[dataKeyOffset:end]
}
