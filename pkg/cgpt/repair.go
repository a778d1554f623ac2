// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import (
	"encoding/binary"

	"github.com/linuxboot/vboot/pkg/log"
)

// Init validates both table copies and repairs the losing side from the
// winning one, marking the rewritten regions modified. It fails only when
// neither copy is usable. After Init the primary copy is always valid and
// is the one all further operations read.
func (g *GPT) Init() error {
	ph, perr := g.checkHeader(g.PrimaryHeader, false)
	if perr == nil {
		g.validHeaders |= maskPrimary
		g.legacyPrimary = ph.IsLegacy()
	} else {
		log.Debugf("primary GPT header: %v", perr)
	}
	sh, serr := g.checkHeader(g.SecondaryHeader, true)
	if serr == nil {
		g.validHeaders |= maskSecondary
	} else {
		log.Debugf("secondary GPT header: %v", serr)
	}
	if g.validHeaders == maskNone {
		return ErrInvalidGPT
	}

	// Both sides valid but describing different tables: the primary wins,
	// the secondary is treated as stale.
	if g.validHeaders == maskBoth && !synonymous(ph, sh) {
		log.Warnf("GPT copies disagree, preferring primary")
		g.validHeaders = maskPrimary
	}

	good := ph
	if g.validHeaders&maskPrimary == 0 {
		good = sh
	}
	if err := g.checkEntries(g.PrimaryEntries, good); err == nil {
		g.validEntries |= maskPrimary
	} else {
		log.Debugf("primary GPT entries: %v", err)
	}
	if err := g.checkEntries(g.SecondaryEntries, good); err == nil {
		g.validEntries |= maskSecondary
	} else {
		log.Debugf("secondary GPT entries: %v", err)
	}
	if g.validEntries == maskNone {
		return ErrInvalidGPT
	}

	g.repair(good)
	return nil
}

// repair rebuilds whichever sides are invalid from the valid ones.
func (g *GPT) repair(good *Header) {
	switch g.validHeaders {
	case maskPrimary:
		g.rebuildHeader(good, true)
		g.Modified |= ModifiedHeader2
	case maskSecondary:
		g.rebuildHeader(good, false)
		g.Modified |= ModifiedHeader1
	}
	switch g.validEntries {
	case maskPrimary:
		copy(g.SecondaryEntries, g.PrimaryEntries)
		g.Modified |= ModifiedEntries2
	case maskSecondary:
		copy(g.PrimaryEntries, g.SecondaryEntries)
		g.Modified |= ModifiedEntries1
	}
	g.validHeaders = maskBoth
	g.validEntries = maskBoth
}

// rebuildHeader derives one side's header from the other valid side.
func (g *GPT) rebuildHeader(from *Header, secondary bool) {
	h := *from
	copy(h.Signature[:], HeaderSignature)
	es := entriesSectors(g.SectorBytes)
	last := g.DriveSectors - 1
	if secondary {
		h.MyLBA, h.AlternateLBA, h.EntriesLBA = last, 1, last-es
	} else {
		h.MyLBA, h.AlternateLBA, h.EntriesLBA = 1, last, 2
	}
	dst := g.SecondaryHeader
	if !secondary {
		dst = g.PrimaryHeader
	}
	g.storeHeader(dst, &h)
}

// storeHeader serializes h into a sector buffer and refreshes its CRC.
func (g *GPT) storeHeader(dst []byte, h *Header) {
	h.CRC = 0
	raw, err := h.MarshalBinary()
	if err != nil {
		// Headers are fixed-size structs; marshalling cannot fail.
		panic(err)
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, raw)
	binary.LittleEndian.PutUint32(dst[16:20], headerCRC(dst, h.Size))
}

// primary returns the parsed primary header. Valid only after Init.
func (g *GPT) primary() *Header {
	h := new(Header)
	if err := h.UnmarshalBinary(g.PrimaryHeader); err != nil {
		panic(err)
	}
	return h
}
