// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package secdata reads and writes the 10-byte secure storage block that
// holds the rollback state: the kernel version floor and the developer
// mode flags. Unlike the non-volatile context, corruption here is not
// silently absorbed; a failed check is returned to the caller, whose boot
// mode decides whether it is fatal.
package secdata

import (
	"encoding/binary"
	"errors"

	"github.com/linuxboot/vboot/pkg/crc8"
)

// Size is the size of the secure storage block.
const Size = 10

const (
	versionOffset        = 0
	flagsOffset          = 1
	kernelVersionsOffset = 2
	crcOffset            = 9

	// structVersion is the lowest block version this code accepts.
	structVersion = 2
)

// Flag bits.
const (
	// FlagDevMode is set while the system is in developer mode.
	FlagDevMode uint32 = 1 << iota
	// FlagLastBootDeveloper records whether the previous boot was in
	// developer mode, for detecting mode transitions.
	FlagLastBootDeveloper

	flagsMask = FlagDevMode | FlagLastBootDeveloper
)

// Param identifies one field of the block.
type Param int

// Block fields.
const (
	// Flags is the developer mode flag byte.
	Flags Param = iota
	// KernelVersions is the 32-bit kernel rollback floor.
	KernelVersions
)

var (
	// ErrCRC means the block's checksum does not match its contents.
	ErrCRC = errors.New("secure storage CRC mismatch")

	// ErrVersion means the block predates the supported format.
	ErrVersion = errors.New("secure storage version too old")

	// ErrNotInitialized means Get or Set was called before a successful
	// Init or Create.
	ErrNotInitialized = errors.New("secure storage not initialized")

	// ErrBadParam means the parameter is not a known field.
	ErrBadParam = errors.New("unknown secure storage parameter")

	// ErrBadFlags means a flags value carries bits outside the defined
	// set.
	ErrBadFlags = errors.New("undefined secure storage flag bits")
)

// Context is a validated view of the block. The CRC is kept current on
// every Set, so Bytes is always safe to persist.
type Context struct {
	raw         [Size]byte
	initialized bool
	changed     bool
}

// Create returns a fresh block with all fields zero, for first boot or
// recovery from corruption. The decision to wipe is the caller's.
func Create() *Context {
	c := &Context{initialized: true, changed: true}
	c.raw[versionOffset] = structVersion
	c.raw[crcOffset] = crc8.Sum(c.raw[:crcOffset])
	return c
}

// Init validates a block read from the secure store. Failure leaves the
// caller with nothing; whether that forces recovery depends on the boot
// mode.
func Init(raw [Size]byte) (*Context, error) {
	if crc8.Sum(raw[:crcOffset]) != raw[crcOffset] {
		return nil, ErrCRC
	}
	if raw[versionOffset] < structVersion {
		return nil, ErrVersion
	}
	return &Context{raw: raw, initialized: true}, nil
}

// Get returns a field value.
func (c *Context) Get(p Param) (uint32, error) {
	if !c.initialized {
		return 0, ErrNotInitialized
	}
	switch p {
	case Flags:
		return uint32(c.raw[flagsOffset]), nil
	case KernelVersions:
		return binary.LittleEndian.Uint32(c.raw[kernelVersionsOffset : kernelVersionsOffset+4]), nil
	}
	return 0, ErrBadParam
}

// Set stores a field value and refreshes the CRC. Flag values with
// undefined bits are rejected rather than masked; an implementation that
// silently dropped bits could lose a future format's state.
func (c *Context) Set(p Param, value uint32) error {
	if !c.initialized {
		return ErrNotInitialized
	}
	switch p {
	case Flags:
		if value&^flagsMask != 0 {
			return ErrBadFlags
		}
		if c.raw[flagsOffset] == byte(value) {
			return nil
		}
		c.raw[flagsOffset] = byte(value)
	case KernelVersions:
		if binary.LittleEndian.Uint32(c.raw[kernelVersionsOffset:kernelVersionsOffset+4]) == value {
			return nil
		}
		binary.LittleEndian.PutUint32(c.raw[kernelVersionsOffset:kernelVersionsOffset+4], value)
	default:
		return ErrBadParam
	}
	c.raw[crcOffset] = crc8.Sum(c.raw[:crcOffset])
	c.changed = true
	return nil
}

// Bytes returns the serialized block and whether it changed since Init.
func (c *Context) Bytes() ([Size]byte, bool) {
	return c.raw, c.changed
}
