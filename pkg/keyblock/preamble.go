// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keyblock

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/linuxboot/vboot/pkg/cryptolib"
)

const (
	// KernelPreambleSize is the size of the preamble header on disk. The
	// preamble immediately follows the key block in a bootable partition.
	KernelPreambleSize = 96

	preambleVersionMajor = 2

	preambleSigOffset = 8
	bodySigOffset     = 72
)

// KernelPreamble is the parsed header of a kernel preamble. KernelVersion
// combines with the data key's version into the 32-bit value compared
// against the rollback floor. BodyLoadAddress and the bootloader fields
// are passed through to the caller; this package does not interpret them.
type KernelPreamble struct {
	PreambleSize       uint32
	Reserved0          uint32
	PreambleSignature  cryptolib.Signature
	HeaderVersionMajor uint32
	HeaderVersionMinor uint32
	KernelVersion      uint32
	Reserved1          uint32
	BodyLoadAddress    uint64
	BootloaderAddress  uint64
	BootloaderSize     uint64
	BodySignature      cryptolib.Signature
}

// UnpackKernelPreamble parses a preamble header from buf and validates its
// structure: sizes, version, and that both signatures plus the regions
// they reference fit inside the declared preamble. The signature data is
// located but not yet checked; call Verify before trusting any field.
func UnpackKernelPreamble(buf []byte) (*KernelPreamble, error) {
	if len(buf) < KernelPreambleSize {
		return nil, &cryptolib.RangeError{What: "kernel preamble header", Size: KernelPreambleSize, ParentLen: uint64(len(buf))}
	}
	p := new(KernelPreamble)
	if err := binary.Read(bytes.NewReader(buf[:KernelPreambleSize]), binary.LittleEndian, p); err != nil {
		return nil, err
	}
	if uint64(p.PreambleSize) > uint64(len(buf)) {
		return nil, &cryptolib.RangeError{What: "kernel preamble", Size: uint64(p.PreambleSize), ParentLen: uint64(len(buf))}
	}
	if p.HeaderVersionMajor != preambleVersionMajor {
		return nil, fmt.Errorf("%w: preamble major %d", ErrBadVersion, p.HeaderVersionMajor)
	}
	preLen := uint64(p.PreambleSize)
	if err := cryptolib.CheckSignatureInside(preLen, preambleSigOffset, &p.PreambleSignature); err != nil {
		return nil, err
	}
	if p.PreambleSignature.DataSize < KernelPreambleSize {
		return nil, ErrSignedTooLittle
	}
	if err := cryptolib.CheckSignatureInside(preLen, bodySigOffset, &p.BodySignature); err != nil {
		return nil, err
	}
	return p, nil
}

// MarshalBinary serializes the preamble header.
func (p *KernelPreamble) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, p); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Verify checks the preamble signature in buf against the data key
// unpacked from its key block.
func (p *KernelPreamble) Verify(buf []byte, key *cryptolib.PublicKey, wb *cryptolib.Workbuf) error {
	sig := &p.PreambleSignature
	sigData := buf[preambleSigOffset+sig.SigOffset : preambleSigOffset+sig.SigOffset+sig.SigSize]
	return cryptolib.VerifyData(buf, sig, sigData, key, wb)
}

// VerifyBody checks the body signature over the kernel body bytes. body
// must hold at least BodySignature.DataSize bytes.
func (p *KernelPreamble) VerifyBody(preambleBuf, body []byte, key *cryptolib.PublicKey, wb *cryptolib.Workbuf) error {
	sig := &p.BodySignature
	sigData := preambleBuf[bodySigOffset+sig.SigOffset : bodySigOffset+sig.SigOffset+sig.SigSize]
	return cryptolib.VerifyData(body, sig, sigData, key, wb)
}

// CombinedVersion folds the data key version and the preamble's kernel
// version into the single value compared against the rollback floor.
func (p *KernelPreamble) CombinedVersion(keyVersion uint32) uint32 {
	return keyVersion<<16 | p.KernelVersion&0xFFFF
}

func (p *KernelPreamble) String() string {
	return fmt.Sprintf("kernel preamble v%d.%d: kernel version %d, body %s at %#x, bootloader %s at %#x",
		p.HeaderVersionMajor, p.HeaderVersionMinor, p.KernelVersion,
		humanize.IBytes(uint64(p.BodySignature.DataSize)), p.BodyLoadAddress,
		humanize.IBytes(p.BootloaderSize), p.BootloaderAddress)
}
