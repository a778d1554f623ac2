// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import (
	"hash/crc32"

	"github.com/linuxboot/vboot/pkg/guid"
	"github.com/linuxboot/vboot/pkg/log"
)

// Update is the verdict passed to UpdateKernelEntry after a boot attempt.
type Update int

const (
	// UpdateTry consumes one boot try. A partition that has booted
	// successfully before is never charged; one that runs out of tries
	// is marked bad.
	UpdateTry Update = iota
	// UpdateBad gives up on the partition entirely.
	UpdateBad
)

// entry parses entry i of the primary table.
func (g *GPT) entry(i int) Entry {
	var e Entry
	if err := e.UnmarshalBinary(g.PrimaryEntries[i*EntrySize:]); err != nil {
		panic(err)
	}
	return e
}

// setEntry writes entry i back into the primary table.
func (g *GPT) setEntry(i int, e *Entry) {
	raw, err := e.MarshalBinary()
	if err != nil {
		panic(err)
	}
	copy(g.PrimaryEntries[i*EntrySize:], raw)
}

// bootable reports whether a kernel entry is still worth trying: it must
// have booted before or have tries left.
func bootable(e *Entry) bool {
	return e.IsKernel() && (e.Successful() || e.Tries() > 0)
}

// NextKernelEntry steps a non-restartable walk over the bootable kernel
// entries in decreasing priority order, table order breaking ties. It
// returns the partition's location; ErrNoValidKernel ends the walk.
func (g *GPT) NextKernelEntry() (start, sectors uint64, err error) {
	n := int(g.primary().NumberOfEntries)

	// Keep going at the current priority first, so equal-priority
	// entries come back in table order.
	if g.currentKernel != kernelEntryNotFound {
		for i := g.currentKernel + 1; i < n; i++ {
			e := g.entry(i)
			if !bootable(&e) || e.Priority() != g.currentPriority {
				continue
			}
			g.currentKernel = i
			log.Debugf("next kernel: entry %d %s", i, e.String())
			return e.FirstLBA, e.Sectors(), nil
		}
	}

	// Then take the highest remaining priority below the current one.
	next := kernelEntryNotFound
	nextPriority := 0
	var found Entry
	for i := 0; i < n; i++ {
		e := g.entry(i)
		if !bootable(&e) {
			continue
		}
		p := e.Priority()
		if g.currentKernel != kernelEntryNotFound && p >= g.currentPriority {
			continue
		}
		if p > nextPriority {
			next, nextPriority, found = i, p, e
		}
	}
	if next == kernelEntryNotFound {
		return 0, 0, ErrNoValidKernel
	}
	g.currentKernel = next
	g.currentPriority = nextPriority
	log.Debugf("next kernel: entry %d %s", next, found.String())
	return found.FirstLBA, found.Sectors(), nil
}

// CurrentKernelIndex returns the zero-based table index of the entry the
// walk is positioned on, or -1 before the first step.
func (g *GPT) CurrentKernelIndex() int {
	return g.currentKernel
}

// CurrentKernelUnique returns the unique partition GUID of the current
// entry.
func (g *GPT) CurrentKernelUnique() (guid.GUID, error) {
	if g.currentKernel == kernelEntryNotFound {
		return guid.GUID{}, ErrNoCurrentKernel
	}
	e := g.entry(g.currentKernel)
	return e.Unique, nil
}

// UpdateKernelEntry applies a boot verdict to the current entry. Nothing
// is written to the device here; changed regions are flagged for
// WriteAndFree.
func (g *GPT) UpdateKernelEntry(u Update) error {
	if g.currentKernel == kernelEntryNotFound {
		return ErrNoCurrentKernel
	}
	e := g.entry(g.currentKernel)

	modified := false
	switch u {
	case UpdateTry:
		if e.Successful() {
			// Proven partitions are not charged tries.
			return nil
		}
		if t := e.Tries(); t > 1 {
			e.SetTries(t - 1)
			modified = true
			break
		}
		// Out of tries; fall through to marking it bad.
		fallthrough
	case UpdateBad:
		if !e.Successful() {
			e.SetPriority(0)
			e.SetTries(0)
			modified = true
		}
	}
	if !modified {
		return nil
	}
	g.setEntry(g.currentKernel, &e)
	g.flushEntryUpdate()
	return nil
}

// flushEntryUpdate refreshes the primary checksums after an entry change
// and lets the repair path bring the secondary copy along.
func (g *GPT) flushEntryUpdate() {
	h := g.primary()
	h.EntriesCRC = crc32.ChecksumIEEE(g.PrimaryEntries[:h.NumberOfEntries*h.SizeOfEntry])
	g.storeHeader(g.PrimaryHeader, h)
	g.Modified |= ModifiedHeader1 | ModifiedEntries1
	g.validHeaders = maskPrimary
	g.validEntries = maskPrimary
	g.repair(h)
}
