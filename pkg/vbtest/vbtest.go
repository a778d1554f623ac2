// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vbtest builds signed key, key block and kernel preamble blobs
// for tests. The verification packages only ever consume these structures;
// the production producer is external signing tooling, so the builders
// here live in their own package and are imported from _test files only.
package vbtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/linuxboot/vboot/pkg/cryptolib"
	"github.com/linuxboot/vboot/pkg/keyblock"
)

func sha512Sum(data []byte) []byte {
	d := sha512.Sum512(data)
	return d[:]
}

// Signer is an RSA key pair with a fixed verified-boot algorithm.
type Signer struct {
	Alg cryptolib.Algorithm
	Key *rsa.PrivateKey
}

// GenerateSigner creates a fresh key pair of the size alg requires.
func GenerateSigner(alg cryptolib.Algorithm) (*Signer, error) {
	if !alg.IsValid() {
		return nil, cryptolib.ErrBadAlgorithm
	}
	key, err := rsa.GenerateKey(rand.Reader, alg.SigSize()*8)
	if err != nil {
		return nil, err
	}
	return &Signer{Alg: alg, Key: key}, nil
}

// leWords renders x as little-endian bytes padded to n words.
func leWords(x *big.Int, words int) []byte {
	be := x.Bytes()
	out := make([]byte, words*4)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}

// PackKey serializes the signer's public key in the packed key format,
// including the precomputed Montgomery constants the format carries.
func (s *Signer) PackKey(version uint32) []byte {
	words := s.Alg.SigSize() / 4
	n := s.Key.N

	// n0inv = -1/n[0] mod 2^32.
	two32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(n, two32)
	n0inv := new(big.Int).Sub(two32, new(big.Int).ModInverse(n0, two32))

	// rr = R^2 mod n with R = 2^keybits.
	rr := new(big.Int).Lsh(big.NewInt(1), uint(2*s.Alg.SigSize()*8))
	rr.Mod(rr, n)

	data := make([]byte, 8, 8+2*words*4)
	binary.LittleEndian.PutUint32(data[0:4], uint32(words))
	binary.LittleEndian.PutUint32(data[4:8], uint32(n0inv.Uint64()))
	data = append(data, leWords(n, words)...)
	data = append(data, leWords(rr, words)...)

	hdr := cryptolib.PackedKey{
		KeyOffset:  cryptolib.PackedKeySize,
		KeySize:    uint32(len(data)),
		Algorithm:  uint32(s.Alg),
		KeyVersion: version,
	}
	hb, err := hdr.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return append(hb, data...)
}

// Sign produces a PKCS#1 v1.5 signature over data using the signer's hash.
func (s *Signer) Sign(data []byte) []byte {
	h := s.Alg.Hash().New()
	h.Write(data)
	sig, err := rsa.SignPKCS1v15(nil, s.Key, s.Alg.Hash(), h.Sum(nil))
	if err != nil {
		panic(fmt.Sprintf("signing: %v", err))
	}
	return sig
}

// KeyBlockOptions control BuildKeyBlock.
type KeyBlockOptions struct {
	DataKeyVersion uint32
	Flags          uint32

	// PadTo grows the key block to the given size, as signing tooling
	// pads blocks so the preamble starts at a fixed offset. Zero means
	// no padding.
	PadTo uint32

	// Corrupt functions let tests damage the blob after signing.
	CorruptHeader func(hdr *keyblock.KeyBlock)
	CorruptBlob   func(blob []byte)
}

// BuildKeyBlock assembles a key block: header, the data signer's packed
// public key, the RSA signature by rootSigner over header+key, and a
// SHA-512 hash over the same region. Layout mirrors what signing tooling
// emits: [header][data key material][signature data][hash data].
func BuildKeyBlock(rootSigner, dataSigner *Signer, opt KeyBlockOptions) []byte {
	packed := dataSigner.PackKey(opt.DataKeyVersion)
	// Split the packed key back into its header (embedded in the key
	// block header) and its material (appended after the header).
	var dkHdr cryptolib.PackedKey
	if err := dkHdr.UnmarshalBinary(packed); err != nil {
		panic(err)
	}
	material := packed[cryptolib.PackedKeySize:]

	const (
		hdrSize    = keyblock.KeyBlockSize
		sigOffset  = 24
		hashOffset = 48
		dkOffset   = 80
	)
	materialAt := uint32(hdrSize)
	dkHdr.KeyOffset = materialAt - dkOffset

	signedSize := uint32(hdrSize + len(material))
	sigSize := uint32(rootSigner.Alg.SigSize())
	sigAt := signedSize
	hashAt := sigAt + sigSize
	total := hashAt + 64
	if opt.PadTo > total {
		total = opt.PadTo
	}

	kb := keyblock.KeyBlock{
		HeaderVersionMajor: 2,
		HeaderVersionMinor: 1,
		KeyBlockSize:       total,
		KeyBlockSignature: cryptolib.Signature{
			SigOffset: sigAt - sigOffset,
			SigSize:   sigSize,
			DataSize:  signedSize,
		},
		KeyBlockHash: cryptolib.Signature{
			SigOffset: hashAt - hashOffset,
			SigSize:   64,
			DataSize:  signedSize,
		},
		Flags:   opt.Flags,
		DataKey: dkHdr,
	}
	copy(kb.Magic[:], keyblock.KeyBlockMagic)
	if opt.CorruptHeader != nil {
		opt.CorruptHeader(&kb)
	}

	hb, err := kb.MarshalBinary()
	if err != nil {
		panic(err)
	}
	blob := make([]byte, total)
	copy(blob, hb)
	copy(blob[materialAt:], material)

	copy(blob[sigAt:], rootSigner.Sign(blob[:signedSize]))
	copy(blob[hashAt:], sha512Sum(blob[:signedSize]))

	if opt.CorruptBlob != nil {
		opt.CorruptBlob(blob)
	}
	return blob
}

// PreambleOptions control BuildKernelPreamble.
type PreambleOptions struct {
	KernelVersion     uint32
	BodyLoadAddress   uint64
	BootloaderAddress uint64
	BootloaderSize    uint64

	// PadTo grows the preamble to the given size, as signing tooling pads
	// preambles to a sector multiple. Zero means no padding.
	PadTo uint32

	CorruptBlob func(blob []byte)
}

// BuildKernelPreamble assembles a preamble signed by dataSigner, with a
// body signature over body. Layout: [header][body sig data][preamble sig
// data][padding].
func BuildKernelPreamble(dataSigner *Signer, body []byte, opt PreambleOptions) []byte {
	const (
		hdrSize       = keyblock.KernelPreambleSize
		preSigOffset  = 8
		bodySigOffset = 72
	)
	sigSize := uint32(dataSigner.Alg.SigSize())
	bodySigAt := uint32(hdrSize)
	signedSize := bodySigAt + sigSize
	preSigAt := signedSize
	total := preSigAt + sigSize
	if opt.PadTo > total {
		total = opt.PadTo
	}

	p := keyblock.KernelPreamble{
		PreambleSize: total,
		PreambleSignature: cryptolib.Signature{
			SigOffset: preSigAt - preSigOffset,
			SigSize:   sigSize,
			DataSize:  signedSize,
		},
		HeaderVersionMajor: 2,
		HeaderVersionMinor: 0,
		KernelVersion:      opt.KernelVersion,
		BodyLoadAddress:    opt.BodyLoadAddress,
		BootloaderAddress:  opt.BootloaderAddress,
		BootloaderSize:     opt.BootloaderSize,
		BodySignature: cryptolib.Signature{
			SigOffset: bodySigAt - bodySigOffset,
			SigSize:   sigSize,
			DataSize:  uint32(len(body)),
		},
	}
	hb, err := p.MarshalBinary()
	if err != nil {
		panic(err)
	}
	blob := make([]byte, total)
	copy(blob, hb)
	copy(blob[bodySigAt:], dataSigner.Sign(body))
	copy(blob[preSigAt:], dataSigner.Sign(blob[:signedSize]))

	if opt.CorruptBlob != nil {
		opt.CorruptBlob(blob)
	}
	return blob
}

// BuildSignedKernel assembles a full bootable partition image: key block,
// preamble and kernel body, the layout the candidate scan reads.
func BuildSignedKernel(rootSigner, dataSigner *Signer, kbOpt KeyBlockOptions, preOpt PreambleOptions, body []byte) []byte {
	kb := BuildKeyBlock(rootSigner, dataSigner, kbOpt)
	pre := BuildKernelPreamble(dataSigner, body, preOpt)
	out := make([]byte, 0, len(kb)+len(pre)+len(body))
	out = append(out, kb...)
	out = append(out, pre...)
	return append(out, body...)
}
