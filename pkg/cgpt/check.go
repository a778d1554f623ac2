// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import (
	"fmt"
	"hash/crc32"
)

// Side validity masks.
const (
	maskNone      uint8 = 0
	maskPrimary   uint8 = 1
	maskSecondary uint8 = 2
	maskBoth      uint8 = 3
)

const kernelEntryNotFound = -1

// GPT holds both in-memory copies of a partition table, its geometry, and
// the scan state of a kernel enumeration. Build one with AllocAndRead and
// validate it with Init before any other use.
type GPT struct {
	SectorBytes  uint32
	DriveSectors uint64

	PrimaryHeader    []byte
	SecondaryHeader  []byte
	PrimaryEntries   []byte
	SecondaryEntries []byte

	// Modified tracks which regions must be written back.
	Modified uint8

	legacyPrimary bool
	validHeaders  uint8
	validEntries  uint8

	currentKernel   int
	currentPriority int
}

// headerCRC computes the header checksum: CRC-32 over the header's
// declared size with the checksum field itself zeroed.
func headerCRC(raw []byte, size uint32) uint32 {
	tmp := make([]byte, size)
	copy(tmp, raw[:size])
	for i := 16; i < 20; i++ {
		tmp[i] = 0
	}
	return crc32.ChecksumIEEE(tmp)
}

// checkHeader validates one header against the device geometry. Only the
// primary side may carry the legacy signature.
func (g *GPT) checkHeader(raw []byte, secondary bool) (*Header, error) {
	h := new(Header)
	if err := h.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	sig := string(h.Signature[:])
	if sig != HeaderSignature && !(sig == LegacySignature && !secondary) {
		return nil, fmt.Errorf("%w: %q", ErrBadSignature, sig)
	}
	if h.Revision != HeaderRevision {
		return nil, fmt.Errorf("%w: %#x", ErrBadRevision, h.Revision)
	}
	if h.Size < HeaderSize || h.Size > g.SectorBytes {
		return nil, fmt.Errorf("%w: %d", ErrBadHeaderSize, h.Size)
	}
	if headerCRC(raw, h.Size) != h.CRC {
		return nil, fmt.Errorf("%w: header", ErrBadCRC)
	}
	if h.NumberOfEntries != TotalEntries || h.SizeOfEntry != EntrySize {
		return nil, fmt.Errorf("%w: %d entries of %d bytes", ErrBadEntries, h.NumberOfEntries, h.SizeOfEntry)
	}

	es := entriesSectors(g.SectorBytes)
	last := g.DriveSectors - 1
	var myLBA, altLBA, entriesLBA uint64
	if secondary {
		myLBA, altLBA, entriesLBA = last, 1, last-es
	} else {
		myLBA, altLBA, entriesLBA = 1, last, 2
	}
	if h.MyLBA != myLBA || h.AlternateLBA != altLBA || h.EntriesLBA != entriesLBA {
		return nil, fmt.Errorf("%w: header placement %d/%d/%d", ErrBadGeometry, h.MyLBA, h.AlternateLBA, h.EntriesLBA)
	}
	if h.FirstUsableLBA < 2+es || h.LastUsableLBA > last-1-es || h.FirstUsableLBA > h.LastUsableLBA+1 {
		return nil, fmt.Errorf("%w: usable range %d-%d", ErrBadGeometry, h.FirstUsableLBA, h.LastUsableLBA)
	}
	return h, nil
}

// checkEntries validates an entry table against a trusted header: the
// table checksum, and for each used entry a plausible LBA range with no
// overlap against the others.
func (g *GPT) checkEntries(entries []byte, h *Header) error {
	size := h.NumberOfEntries * h.SizeOfEntry
	if crc32.ChecksumIEEE(entries[:size]) != h.EntriesCRC {
		return fmt.Errorf("%w: entries", ErrBadCRC)
	}

	parsed := make([]Entry, 0, h.NumberOfEntries)
	for i := uint32(0); i < h.NumberOfEntries; i++ {
		var e Entry
		if err := e.UnmarshalBinary(entries[i*h.SizeOfEntry:]); err != nil {
			return err
		}
		if e.IsUnused() {
			continue
		}
		if e.FirstLBA < h.FirstUsableLBA || e.LastLBA > h.LastUsableLBA || e.FirstLBA > e.LastLBA {
			return fmt.Errorf("%w: entry %d spans %d-%d", ErrBadEntries, i, e.FirstLBA, e.LastLBA)
		}
		parsed = append(parsed, e)
	}
	for i := range parsed {
		for j := i + 1; j < len(parsed); j++ {
			if parsed[i].FirstLBA <= parsed[j].LastLBA && parsed[j].FirstLBA <= parsed[i].LastLBA {
				return fmt.Errorf("%w: overlapping entries", ErrBadEntries)
			}
		}
	}
	return nil
}

// synonymous reports whether two valid headers describe the same table, so
// a stale side can be told from a merely rewritten one.
func synonymous(a, b *Header) bool {
	return a.FirstUsableLBA == b.FirstUsableLBA &&
		a.LastUsableLBA == b.LastUsableLBA &&
		a.NumberOfEntries == b.NumberOfEntries &&
		a.SizeOfEntry == b.SizeOfEntry &&
		a.EntriesCRC == b.EntriesCRC
}
