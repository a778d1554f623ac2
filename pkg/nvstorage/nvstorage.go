// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nvstorage reads and writes the 16-byte non-volatile context
// block that carries boot requests and results between boots. The block
// lives in a tiny backing store the caller owns; this package only deals
// in its contents. A corrupt block is never an error: it is replaced with
// defaults and the reset flags are raised so consumers know the previous
// contents were lost.
package nvstorage

import "github.com/linuxboot/vboot/pkg/crc8"

// BlockSize is the size of the non-volatile context block.
const BlockSize = 16

const (
	headerOffset          = 0
	headerSignatureMask   = 0xC0
	headerSignature       = 0x40
	headerFirmwareReset   = 0x20
	headerKernelReset     = 0x10
	bootOffset            = 1
	bootDebugReset        = 0x80
	bootDisableDevRequest = 0x40
	bootOpromNeeded       = 0x20
	bootTryBCountMask     = 0x0F
	recoveryOffset        = 2
	localizationOffset    = 3
	devFlagsOffset        = 4
	devBootUSB            = 0x01
	devBootSignedOnly     = 0x02
	devBootLegacy         = 0x04
	devFullCap            = 0x08
	tpmFlagsOffset        = 5
	tpmClearOwnerRequest  = 0x01
	tpmClearOwnerDone     = 0x02
	miscFlagsOffset       = 6
	miscWipeoutRequest    = 0x01
	miscKernelKeyVerified = 0x02
	kernelFieldOffset     = 11
	crcOffset             = 15
)

// RecoveryLegacy is the recovery reason stored when a caller requests a
// reason too wide for the 8-bit field.
const RecoveryLegacy = 0x01

// Param identifies one field of the context block.
type Param int

// Context block fields.
const (
	// FirmwareSettingsReset is set when firmware settings were lost.
	FirmwareSettingsReset Param = iota
	// KernelSettingsReset is set when kernel settings were lost.
	KernelSettingsReset
	// DebugResetMode requests debug reset on next boot.
	DebugResetMode
	// TryBCount is the number of times to try the B firmware slot.
	TryBCount
	// RecoveryRequest is the recovery reason requested for next boot.
	RecoveryRequest
	// LocalizationIndex selects the firmware screen language.
	LocalizationIndex
	// KernelField is the 32-bit field owned by the kernel.
	KernelField
	// DevBootUSB allows developer-mode boot from external media.
	DevBootUSB
	// DevBootSignedOnly restricts developer mode to officially signed
	// kernels.
	DevBootSignedOnly
	// DevBootLegacy allows developer-mode legacy OS boot.
	DevBootLegacy
	// DevFullCap removes developer-mode boot restrictions.
	DevFullCap
	// DisableDevRequest requests leaving developer mode on next boot.
	DisableDevRequest
	// OpromNeeded requests loading the option ROM on next boot.
	OpromNeeded
	// ClearTPMOwnerRequest asks for the trust-anchor owner to be cleared.
	ClearTPMOwnerRequest
	// ClearTPMOwnerDone acknowledges a completed owner clear.
	ClearTPMOwnerDone
	// KernelKeyVerified is set when the kernel key came from a signature
	// rather than a hash.
	KernelKeyVerified
	// WipeoutRequest asks the OS to wipe stateful storage.
	WipeoutRequest
)

// Context is a parsed, mutable view of the block. Zero or corrupt input is
// absorbed at Open; Close hands back the serialized block.
type Context struct {
	raw     [BlockSize]byte
	changed bool
}

// Open parses a raw block. If the signature or CRC check fails the
// contents are replaced with defaults and both reset flags are raised; the
// caller cannot observe the failure except through those flags.
func Open(raw [BlockSize]byte) *Context {
	c := &Context{raw: raw}
	if raw[headerOffset]&headerSignatureMask != headerSignature ||
		crc8.Sum(raw[:crcOffset]) != raw[crcOffset] {
		c.raw = [BlockSize]byte{}
		c.raw[headerOffset] = headerSignature | headerFirmwareReset | headerKernelReset
		c.changed = true
	}
	return c
}

// Close returns the serialized block and whether it differs from what was
// opened. The CRC is recomputed only when something changed.
func (c *Context) Close() ([BlockSize]byte, bool) {
	if c.changed {
		c.raw[crcOffset] = crc8.Sum(c.raw[:crcOffset])
	}
	return c.raw, c.changed
}

type field struct {
	offset int
	mask   byte
}

var bitFields = map[Param]field{
	FirmwareSettingsReset: {headerOffset, headerFirmwareReset},
	KernelSettingsReset:   {headerOffset, headerKernelReset},
	DebugResetMode:        {bootOffset, bootDebugReset},
	DisableDevRequest:     {bootOffset, bootDisableDevRequest},
	OpromNeeded:           {bootOffset, bootOpromNeeded},
	DevBootUSB:            {devFlagsOffset, devBootUSB},
	DevBootSignedOnly:     {devFlagsOffset, devBootSignedOnly},
	DevBootLegacy:         {devFlagsOffset, devBootLegacy},
	DevFullCap:            {devFlagsOffset, devFullCap},
	ClearTPMOwnerRequest:  {tpmFlagsOffset, tpmClearOwnerRequest},
	ClearTPMOwnerDone:     {tpmFlagsOffset, tpmClearOwnerDone},
	KernelKeyVerified:     {miscFlagsOffset, miscKernelKeyVerified},
	WipeoutRequest:        {miscFlagsOffset, miscWipeoutRequest},
}

// Get returns the current value of a field. Boolean fields read as 0 or 1.
func (c *Context) Get(p Param) uint32 {
	if f, ok := bitFields[p]; ok {
		if c.raw[f.offset]&f.mask != 0 {
			return 1
		}
		return 0
	}
	switch p {
	case TryBCount:
		return uint32(c.raw[bootOffset] & bootTryBCountMask)
	case RecoveryRequest:
		return uint32(c.raw[recoveryOffset])
	case LocalizationIndex:
		return uint32(c.raw[localizationOffset])
	case KernelField:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(c.raw[kernelFieldOffset+i]) << (8 * i)
		}
		return v
	}
	return 0
}

// Set stores a field value, masking it to the field width. Recovery
// reasons wider than a byte are recorded as the legacy reason; out-of-range
// localization indices reset to zero. The block is marked changed only if
// the stored bytes differ.
func (c *Context) Set(p Param, value uint32) {
	if f, ok := bitFields[p]; ok {
		c.setBit(f.offset, f.mask, value != 0)
		return
	}
	switch p {
	case TryBCount:
		if value > 15 {
			value = 15
		}
		c.setByte(bootOffset, c.raw[bootOffset]&^byte(bootTryBCountMask)|byte(value))
	case RecoveryRequest:
		if value > 0xFF {
			value = RecoveryLegacy
		}
		c.setByte(recoveryOffset, byte(value))
	case LocalizationIndex:
		if value > 0xFF {
			value = 0
		}
		c.setByte(localizationOffset, byte(value))
	case KernelField:
		for i := 0; i < 4; i++ {
			c.setByte(kernelFieldOffset+i, byte(value>>(8*i)))
		}
	}
}

func (c *Context) setBit(offset int, mask byte, on bool) {
	b := c.raw[offset] &^ mask
	if on {
		b |= mask
	}
	c.setByte(offset, b)
}

func (c *Context) setByte(offset int, b byte) {
	if c.raw[offset] != b {
		c.raw[offset] = b
		c.changed = true
	}
}
