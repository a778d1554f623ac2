// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cryptolib

import (
	"crypto/rsa"
	"encoding/binary"
	"math/big"
)

// rsaExponent is the public exponent used by all verified-boot keys.
const rsaExponent = 65537

// PublicKey is an unpacked view of a key blob. The modulus and R^2 slices
// alias the buffer passed to UnpackKey; the key is only valid while that
// buffer is.
type PublicKey struct {
	Algorithm  Algorithm
	KeyVersion uint32

	// arraySize is the modulus length in 32-bit words.
	arraySize uint32
	// n0inv is -1/n[0] mod 2^32, carried by the blob for implementations
	// that do Montgomery reduction. Retained but unused here.
	n0inv uint32
	// n and rr are the little-endian modulus and R^2 word arrays.
	n  []byte
	rr []byte
}

// UnpackKey parses and validates a packed key blob. It checks that the
// header's algorithm is known, that the key material has exactly the size
// and word count the algorithm requires, that the material is 32-bit
// aligned, and that every region lies inside buf.
func UnpackKey(buf []byte) (*PublicKey, error) {
	var pk PackedKey
	if err := pk.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if err := CheckPackedKeyInside(uint64(len(buf)), 0, &pk); err != nil {
		return nil, err
	}
	alg := Algorithm(pk.Algorithm)
	if !alg.IsValid() {
		return nil, ErrBadAlgorithm
	}
	if int(pk.KeySize) != alg.PackedKeyDataSize() {
		return nil, ErrBadSize
	}
	if pk.KeyOffset%4 != 0 {
		return nil, ErrUnaligned
	}

	data := buf[pk.KeyOffset : pk.KeyOffset+pk.KeySize]
	arraySize := binary.LittleEndian.Uint32(data[0:4])
	if int(arraySize)*4 != alg.SigSize() {
		return nil, ErrBadArraySize
	}

	return &PublicKey{
		Algorithm:  alg,
		KeyVersion: pk.KeyVersion,
		arraySize:  arraySize,
		n0inv:      binary.LittleEndian.Uint32(data[4:8]),
		n:          data[8 : 8+arraySize*4],
		rr:         data[8+arraySize*4 : 8+2*arraySize*4],
	}, nil
}

// Modulus returns the key's RSA modulus.
func (k *PublicKey) Modulus() *big.Int {
	// The blob stores the modulus as little-endian 32-bit words; big.Int
	// wants big-endian bytes.
	be := make([]byte, len(k.n))
	for i, b := range k.n {
		be[len(k.n)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

// RSA returns the key as a crypto/rsa public key.
func (k *PublicKey) RSA() *rsa.PublicKey {
	return &rsa.PublicKey{N: k.Modulus(), E: rsaExponent}
}
