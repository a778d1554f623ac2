// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cgpt reads, validates, repairs and updates the redundant GUID
// partition table used for kernel selection. Both copies of the table are
// held in memory; a single valid copy is enough to proceed, and the
// invalid side is rebuilt from the valid one. Kernel partitions carry
// their boot state (priority, tries, successful) in vendor-specific
// attribute bits of the entry.
package cgpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/encoding/unicode"

	"github.com/linuxboot/vboot/pkg/guid"
)

const (
	// HeaderSignature marks a standard GPT header.
	HeaderSignature = "EFI PART"

	// LegacySignature marks a primary header that must be preserved for
	// firmware that keeps non-GPT data there. The table is still usable;
	// the primary header is just never rewritten.
	LegacySignature = "CHROMEOS"

	// HeaderRevision is the only supported header revision.
	HeaderRevision = 0x00010000

	// HeaderSize is the size of the meaningful part of a header; the
	// rest of its sector is padding.
	HeaderSize = 92

	// EntrySize is the size of one partition entry.
	EntrySize = 128

	// TotalEntries is the number of entries in each table copy.
	TotalEntries = 128

	// TotalEntriesSize is the size of one full entry table.
	TotalEntriesSize = EntrySize * TotalEntries
)

// Modified bitmask values, tracking which of the four on-disk regions
// differ from what was read.
const (
	ModifiedHeader1 uint8 = 1 << iota
	ModifiedHeader2
	ModifiedEntries1
	ModifiedEntries2
)

// KernelType is the partition type GUID of bootable kernel partitions.
var KernelType = *guid.MustParse("FE3A2A5D-4F32-41A7-B725-ACCC3285A309")

// Header is a GPT header, primary or secondary.
type Header struct {
	Signature       [8]byte
	Revision        uint32
	Size            uint32
	CRC             uint32
	Reserved        uint32
	MyLBA           uint64
	AlternateLBA    uint64
	FirstUsableLBA  uint64
	LastUsableLBA   uint64
	DiskGUID        guid.GUID
	EntriesLBA      uint64
	NumberOfEntries uint32
	SizeOfEntry     uint32
	EntriesCRC      uint32
}

// Entry is one partition table entry.
type Entry struct {
	Type       guid.GUID
	Unique     guid.GUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	RawName    [72]byte
}

// Attribute bit positions within Entry.Attributes. These live in the
// vendor-defined upper bits of the standard attribute field.
const (
	priorityShift   = 48
	priorityMask    = 0xF
	triesShift      = 52
	triesMask       = 0xF
	successfulShift = 56
	successfulMask  = 0x1
)

// UnmarshalBinary parses a header from the start of a sector buffer.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrBadHeaderSize, len(buf))
	}
	return binary.Read(bytes.NewReader(buf[:HeaderSize]), binary.LittleEndian, h)
}

// MarshalBinary serializes the header without its sector padding.
func (h *Header) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// IsLegacy returns true for the alternate signature that suppresses
// rewriting this header.
func (h *Header) IsLegacy() bool {
	return string(h.Signature[:]) == LegacySignature
}

// UnmarshalBinary parses an entry.
func (e *Entry) UnmarshalBinary(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("%w: entry needs %d bytes, have %d", ErrBadEntries, EntrySize, len(buf))
	}
	return binary.Read(bytes.NewReader(buf[:EntrySize]), binary.LittleEndian, e)
}

// MarshalBinary serializes the entry.
func (e *Entry) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, e); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// IsUnused returns true for an empty table slot.
func (e *Entry) IsUnused() bool {
	return e.Type.IsZero()
}

// IsKernel returns true for a bootable kernel partition.
func (e *Entry) IsKernel() bool {
	return e.Type == KernelType
}

// Sectors returns the partition length in sectors.
func (e *Entry) Sectors() uint64 {
	return e.LastLBA - e.FirstLBA + 1
}

// Priority returns the boot priority, 0-15. Zero means never boot.
func (e *Entry) Priority() int {
	return int(e.Attributes >> priorityShift & priorityMask)
}

// SetPriority stores the boot priority.
func (e *Entry) SetPriority(p int) {
	e.Attributes = e.Attributes&^(priorityMask<<priorityShift) |
		uint64(p&priorityMask)<<priorityShift
}

// Tries returns the remaining boot attempts, 0-15.
func (e *Entry) Tries() int {
	return int(e.Attributes >> triesShift & triesMask)
}

// SetTries stores the remaining boot attempts.
func (e *Entry) SetTries(t int) {
	e.Attributes = e.Attributes&^(triesMask<<triesShift) |
		uint64(t&triesMask)<<triesShift
}

// Successful returns whether the partition has booted successfully before.
func (e *Entry) Successful() bool {
	return e.Attributes>>successfulShift&successfulMask != 0
}

// SetSuccessful stores the successful flag.
func (e *Entry) SetSuccessful(ok bool) {
	e.Attributes &^= uint64(successfulMask) << successfulShift
	if ok {
		e.Attributes |= 1 << successfulShift
	}
}

// Name decodes the entry's UTF-16LE label.
func (e *Entry) Name() string {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	s, err := dec.String(string(e.RawName[:]))
	if err != nil {
		return ""
	}
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

func (e *Entry) String() string {
	if e.IsUnused() {
		return "unused entry"
	}
	s := fmt.Sprintf("%q %s: %s sectors at %d", e.Name(), e.Type, humanize.Comma(int64(e.Sectors())), e.FirstLBA)
	if e.IsKernel() {
		s += fmt.Sprintf(", priority %d, tries %d, successful %v", e.Priority(), e.Tries(), e.Successful())
	}
	return s
}
