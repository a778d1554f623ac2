// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/vboot/pkg/guid"
)

const (
	testSectorBytes = 512
	testSectors     = 128
	// With 32 entry sectors per copy the usable window is 34-94.
	testFirstUsable = 34
	testLastUsable  = 94
)

// kernelEntry builds a kernel partition entry with the given boot state.
func kernelEntry(index int, first, last uint64, priority, tries int, successful bool) Entry {
	e := Entry{
		Type:     KernelType,
		FirstLBA: first,
		LastLBA:  last,
	}
	// A recognizable unique GUID per entry.
	e.Unique[0] = byte(0xA0 + index)
	e.SetPriority(priority)
	e.SetTries(tries)
	e.SetSuccessful(successful)
	return e
}

// buildDisk assembles a full disk image with both table copies in their
// standard locations.
func buildDisk(t *testing.T, entries []Entry) []byte {
	t.Helper()
	img := make([]byte, testSectorBytes*testSectors)

	table := make([]byte, TotalEntriesSize)
	for i, e := range entries {
		raw, err := e.MarshalBinary()
		require.NoError(t, err)
		copy(table[i*EntrySize:], raw)
	}
	entriesCRC := crc32.ChecksumIEEE(table)

	g := &GPT{SectorBytes: testSectorBytes, DriveSectors: testSectors}
	es := entriesSectors(testSectorBytes)

	h := Header{
		Revision:        HeaderRevision,
		Size:            HeaderSize,
		MyLBA:           1,
		AlternateLBA:    testSectors - 1,
		FirstUsableLBA:  testFirstUsable,
		LastUsableLBA:   testLastUsable,
		EntriesLBA:      2,
		NumberOfEntries: TotalEntries,
		SizeOfEntry:     EntrySize,
		EntriesCRC:      entriesCRC,
	}
	copy(h.Signature[:], HeaderSignature)
	h.DiskGUID[0] = 0xD1

	g.storeHeader(img[1*testSectorBytes:2*testSectorBytes], &h)

	h2 := h
	h2.MyLBA, h2.AlternateLBA, h2.EntriesLBA = testSectors-1, 1, testSectors-1-es
	g.storeHeader(img[(testSectors-1)*testSectorBytes:], &h2)

	copy(img[2*testSectorBytes:], table)
	copy(img[(testSectors-1-es)*testSectorBytes:], table)
	return img
}

func readAndInit(t *testing.T, img []byte) *GPT {
	t.Helper()
	g, err := AllocAndRead(NewMemDisk(img, testSectorBytes))
	require.NoError(t, err)
	require.NoError(t, g.Init())
	return g
}

func testEntries() []Entry {
	return []Entry{
		kernelEntry(0, 34, 43, 2, 0, true),             // KERN-A, proven
		kernelEntry(1, 44, 53, 3, 2, false),            // KERN-B, on trial
		{Type: *guid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"), FirstLBA: 54, LastLBA: 63}, // rootfs
		kernelEntry(3, 64, 73, 2, 1, false),            // KERN-C, same priority as A
		kernelEntry(4, 74, 83, 0, 5, false),            // priority 0, never bootable
		kernelEntry(5, 84, 93, 1, 0, false),            // no tries, not successful
	}
}

func TestInitCleanDisk(t *testing.T) {
	g := readAndInit(t, buildDisk(t, testEntries()))
	assert.Zero(t, g.Modified)
	assert.False(t, g.legacyPrimary)
}

func TestNextKernelEntryOrder(t *testing.T) {
	g := readAndInit(t, buildDisk(t, testEntries()))

	// Priority 3 first.
	start, size, err := g.NextKernelEntry()
	require.NoError(t, err)
	assert.Equal(t, uint64(44), start)
	assert.Equal(t, uint64(10), size)
	assert.Equal(t, 1, g.CurrentKernelIndex())

	// Priority 2 ties broken by table order: entry 0 then entry 3.
	start, _, err = g.NextKernelEntry()
	require.NoError(t, err)
	assert.Equal(t, uint64(34), start)

	start, _, err = g.NextKernelEntry()
	require.NoError(t, err)
	assert.Equal(t, uint64(64), start)

	// Entry 4 has priority 0 and entry 5 has no tries; the walk is over.
	_, _, err = g.NextKernelEntry()
	assert.ErrorIs(t, err, ErrNoValidKernel)

	// The walk does not restart.
	_, _, err = g.NextKernelEntry()
	assert.ErrorIs(t, err, ErrNoValidKernel)
}

func TestCurrentKernelUnique(t *testing.T) {
	g := readAndInit(t, buildDisk(t, testEntries()))

	_, err := g.CurrentKernelUnique()
	assert.ErrorIs(t, err, ErrNoCurrentKernel)

	_, _, err = g.NextKernelEntry()
	require.NoError(t, err)
	u, err := g.CurrentKernelUnique()
	require.NoError(t, err)
	assert.Equal(t, byte(0xA1), u[0])
}

func TestUpdateKernelEntry(t *testing.T) {
	t.Run("try decrements", func(t *testing.T) {
		g := readAndInit(t, buildDisk(t, testEntries()))
		_, _, err := g.NextKernelEntry() // entry 1, tries 2
		require.NoError(t, err)
		require.NoError(t, g.UpdateKernelEntry(UpdateTry))
		e := g.entry(1)
		assert.Equal(t, 1, e.Tries())
		assert.Equal(t, 3, e.Priority())
		assert.Equal(t, ModifiedHeader1|ModifiedHeader2|ModifiedEntries1|ModifiedEntries2, g.Modified)
	})

	t.Run("try on last try marks bad", func(t *testing.T) {
		entries := []Entry{kernelEntry(0, 34, 43, 2, 1, false)}
		g := readAndInit(t, buildDisk(t, entries))
		_, _, err := g.NextKernelEntry()
		require.NoError(t, err)
		require.NoError(t, g.UpdateKernelEntry(UpdateTry))
		e := g.entry(0)
		assert.Equal(t, 0, e.Tries())
		assert.Equal(t, 0, e.Priority())
	})

	t.Run("successful entry never charged", func(t *testing.T) {
		g := readAndInit(t, buildDisk(t, testEntries()))
		_, _, _ = g.NextKernelEntry() // entry 1
		_, _, _ = g.NextKernelEntry() // entry 0, successful
		require.NoError(t, g.UpdateKernelEntry(UpdateTry))
		assert.Zero(t, g.Modified)
		require.NoError(t, g.UpdateKernelEntry(UpdateBad))
		assert.Zero(t, g.Modified)
	})

	t.Run("bad zeroes state", func(t *testing.T) {
		g := readAndInit(t, buildDisk(t, testEntries()))
		_, _, err := g.NextKernelEntry()
		require.NoError(t, err)
		require.NoError(t, g.UpdateKernelEntry(UpdateBad))
		e := g.entry(1)
		assert.Equal(t, 0, e.Priority())
		assert.Equal(t, 0, e.Tries())
		assert.False(t, e.Successful())
	})

	t.Run("no current entry", func(t *testing.T) {
		g := readAndInit(t, buildDisk(t, testEntries()))
		assert.ErrorIs(t, g.UpdateKernelEntry(UpdateTry), ErrNoCurrentKernel)
	})
}

func TestUpdatesSurviveWriteAndReread(t *testing.T) {
	img := buildDisk(t, testEntries())
	disk := NewMemDisk(img, testSectorBytes)

	g := readAndInit(t, img)
	_, _, err := g.NextKernelEntry()
	require.NoError(t, err)
	require.NoError(t, g.UpdateKernelEntry(UpdateTry))
	require.NoError(t, WriteAndFree(disk, g))
	assert.Nil(t, g.PrimaryEntries, "buffers must be freed")

	g2 := readAndInit(t, img)
	assert.Zero(t, g2.Modified, "both copies must have been rewritten consistently")
	e := g2.entry(1)
	assert.Equal(t, 1, e.Tries())
}

func TestOneValidCopySuffices(t *testing.T) {
	pristine := buildDisk(t, testEntries())

	wantOrder := func(t *testing.T, g *GPT) {
		var starts []uint64
		for {
			s, _, err := g.NextKernelEntry()
			if err != nil {
				break
			}
			starts = append(starts, s)
		}
		assert.Equal(t, []uint64{44, 34, 64}, starts)
	}

	t.Run("corrupt primary header", func(t *testing.T) {
		img := append([]byte(nil), pristine...)
		img[1*testSectorBytes+8] ^= 0xFF
		g := readAndInit(t, img)
		assert.Equal(t, ModifiedHeader1, g.Modified&ModifiedHeader1)
		wantOrder(t, g)
	})

	t.Run("corrupt secondary header", func(t *testing.T) {
		img := append([]byte(nil), pristine...)
		img[(testSectors-1)*testSectorBytes+16] ^= 0xFF
		g := readAndInit(t, img)
		assert.Equal(t, ModifiedHeader2, g.Modified&ModifiedHeader2)
		wantOrder(t, g)
	})

	t.Run("corrupt primary entries", func(t *testing.T) {
		img := append([]byte(nil), pristine...)
		img[2*testSectorBytes+5] ^= 0xFF
		g := readAndInit(t, img)
		assert.Equal(t, ModifiedEntries1, g.Modified&ModifiedEntries1)
		wantOrder(t, g)
	})

	t.Run("corrupt secondary entries", func(t *testing.T) {
		img := append([]byte(nil), pristine...)
		es := entriesSectors(testSectorBytes)
		img[(testSectors-1-es)*testSectorBytes+5] ^= 0xFF
		g := readAndInit(t, img)
		assert.Equal(t, ModifiedEntries2, g.Modified&ModifiedEntries2)
		wantOrder(t, g)
	})

	t.Run("everything corrupt", func(t *testing.T) {
		img := append([]byte(nil), pristine...)
		img[1*testSectorBytes] ^= 0xFF
		img[(testSectors-1)*testSectorBytes] ^= 0xFF
		g, err := AllocAndRead(NewMemDisk(img, testSectorBytes))
		require.NoError(t, err)
		assert.ErrorIs(t, g.Init(), ErrInvalidGPT)
	})
}

func TestLegacyPrimarySignature(t *testing.T) {
	img := buildDisk(t, testEntries())
	// Rewrite the primary header with the legacy signature.
	g := &GPT{SectorBytes: testSectorBytes, DriveSectors: testSectors}
	var h Header
	require.NoError(t, h.UnmarshalBinary(img[1*testSectorBytes:]))
	copy(h.Signature[:], LegacySignature)
	g.storeHeader(img[1*testSectorBytes:2*testSectorBytes], &h)

	disk := NewMemDisk(img, testSectorBytes)
	gpt := readAndInit(t, img)
	assert.True(t, gpt.legacyPrimary)

	_, _, err := gpt.NextKernelEntry()
	require.NoError(t, err)
	require.NoError(t, gpt.UpdateKernelEntry(UpdateTry))
	require.NoError(t, WriteAndFree(disk, gpt))

	// The legacy primary header must not have been rewritten; entries
	// and the secondary side must have been.
	var after Header
	require.NoError(t, after.UnmarshalBinary(img[1*testSectorBytes:]))
	assert.True(t, after.IsLegacy())

	tries := func(table []byte) int {
		var e Entry
		require.NoError(t, e.UnmarshalBinary(table[1*EntrySize:]))
		return e.Tries()
	}
	assert.Equal(t, 1, tries(img[2*testSectorBytes:]))
	es := entriesSectors(testSectorBytes)
	assert.Equal(t, 1, tries(img[(testSectors-1-es)*testSectorBytes:]))
}

func TestEntryAttributes(t *testing.T) {
	var e Entry
	e.SetPriority(15)
	e.SetTries(9)
	e.SetSuccessful(true)
	assert.Equal(t, 15, e.Priority())
	assert.Equal(t, 9, e.Tries())
	assert.True(t, e.Successful())

	// Attribute fields must not bleed into each other.
	e.SetPriority(0)
	assert.Equal(t, 9, e.Tries())
	assert.True(t, e.Successful())
	e.SetSuccessful(false)
	assert.Equal(t, 9, e.Tries())
	assert.Equal(t, 0, e.Priority())
}

func TestEntryName(t *testing.T) {
	e := kernelEntry(0, 34, 43, 1, 0, true)
	name := "KERN-A"
	for i, r := range name {
		e.RawName[2*i] = byte(r)
	}
	assert.Equal(t, "KERN-A", e.Name())
	assert.Contains(t, e.String(), "KERN-A")
	assert.Contains(t, e.String(), "priority 1")
}
