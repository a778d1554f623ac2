// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/bytesextra"

	"github.com/linuxboot/vboot/pkg/log"
)

// Disk is the sector-addressed device a partition table lives on. The
// caller owns the device; this package never opens or closes anything.
type Disk interface {
	SectorBytes() uint32
	Sectors() uint64
	ReadSectors(start, count uint64) ([]byte, error)
	WriteSectors(start uint64, data []byte) error
}

// SeekerDisk adapts an io.ReadWriteSeeker to the Disk interface.
type SeekerDisk struct {
	rws         io.ReadWriteSeeker
	sectorBytes uint32
	sectors     uint64
}

// NewSeekerDisk wraps rws as a disk of the given geometry.
func NewSeekerDisk(rws io.ReadWriteSeeker, sectorBytes uint32, sectors uint64) *SeekerDisk {
	return &SeekerDisk{rws: rws, sectorBytes: sectorBytes, sectors: sectors}
}

// NewMemDisk builds an in-memory disk over buf, mostly for tests and for
// callers that already hold a full device image.
func NewMemDisk(buf []byte, sectorBytes uint32) *SeekerDisk {
	return NewSeekerDisk(bytesextra.NewReadWriteSeeker(buf), sectorBytes,
		uint64(len(buf))/uint64(sectorBytes))
}

// SectorBytes returns the sector size.
func (d *SeekerDisk) SectorBytes() uint32 { return d.sectorBytes }

// Sectors returns the device size in sectors.
func (d *SeekerDisk) Sectors() uint64 { return d.sectors }

// ReadSectors reads count sectors starting at start.
func (d *SeekerDisk) ReadSectors(start, count uint64) ([]byte, error) {
	if start+count > d.sectors {
		return nil, fmt.Errorf("%w: sectors %d+%d beyond device (%d)", ErrRead, start, count, d.sectors)
	}
	if _, err := d.rws.Seek(int64(start*uint64(d.sectorBytes)), io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	buf := make([]byte, count*uint64(d.sectorBytes))
	if _, err := io.ReadFull(d.rws, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return buf, nil
}

// WriteSectors writes whole sectors starting at start.
func (d *SeekerDisk) WriteSectors(start uint64, data []byte) error {
	if uint64(len(data))%uint64(d.sectorBytes) != 0 {
		return fmt.Errorf("%w: %d bytes is not a sector multiple", ErrWrite, len(data))
	}
	if start+uint64(len(data))/uint64(d.sectorBytes) > d.sectors {
		return fmt.Errorf("%w: write beyond device", ErrWrite)
	}
	if _, err := d.rws.Seek(int64(start*uint64(d.sectorBytes)), io.SeekStart); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if _, err := d.rws.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// entriesSectors returns the length of one entry table in sectors.
func entriesSectors(sectorBytes uint32) uint64 {
	return uint64(TotalEntriesSize) / uint64(sectorBytes)
}

// AllocAndRead reads both table copies from fixed locations: primary
// header at LBA 1 with its entries right after, secondary entries and
// header at the device end. A copy that cannot be read is left zeroed so
// validation rejects it; reading fails outright only when neither header
// sector is readable.
func AllocAndRead(d Disk) (*GPT, error) {
	sb := d.SectorBytes()
	if sb < HeaderSize || sb%512 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadSectorSize, sb)
	}
	es := entriesSectors(sb)
	sectors := d.Sectors()
	if sectors < 2*(es+1)+2 {
		return nil, fmt.Errorf("%w: %d sectors cannot hold two tables", ErrBadGeometry, sectors)
	}

	g := &GPT{
		SectorBytes:      sb,
		DriveSectors:     sectors,
		PrimaryHeader:    make([]byte, sb),
		SecondaryHeader:  make([]byte, sb),
		PrimaryEntries:   make([]byte, TotalEntriesSize),
		SecondaryEntries: make([]byte, TotalEntriesSize),
		currentKernel:    kernelEntryNotFound,
	}

	readInto := func(dst []byte, start, count uint64, what string) bool {
		buf, err := d.ReadSectors(start, count)
		if err != nil {
			log.Warnf("reading %s: %v", what, err)
			return false
		}
		copy(dst, buf)
		return true
	}

	priOK := readInto(g.PrimaryHeader, 1, 1, "primary header")
	secOK := readInto(g.SecondaryHeader, sectors-1, 1, "secondary header")
	if !priOK && !secOK {
		return nil, fmt.Errorf("%w: both header sectors unreadable", ErrRead)
	}
	if priOK {
		readInto(g.PrimaryEntries, 2, es, "primary entries")
	}
	if secOK {
		readInto(g.SecondaryEntries, sectors-1-es, es, "secondary entries")
	}
	return g, nil
}

// WriteAndFree writes back the regions marked modified and releases the
// in-memory table. A legacy primary signature suppresses the primary
// header write but not the entries. Every pending write is attempted even
// after a failure, the buffers are freed unconditionally, and the
// accumulated errors are returned.
func WriteAndFree(d Disk, g *GPT) error {
	var result *multierror.Error
	es := entriesSectors(g.SectorBytes)

	if g.Modified&ModifiedHeader1 != 0 {
		if g.legacyPrimary {
			log.Debugf("legacy primary signature, skipping primary header write")
		} else if err := d.WriteSectors(1, g.PrimaryHeader); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if g.Modified&ModifiedEntries1 != 0 {
		if err := d.WriteSectors(2, g.PrimaryEntries); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if g.Modified&ModifiedEntries2 != 0 {
		if err := d.WriteSectors(g.DriveSectors-1-es, g.SecondaryEntries); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if g.Modified&ModifiedHeader2 != 0 {
		if err := d.WriteSectors(g.DriveSectors-1, g.SecondaryHeader); err != nil {
			result = multierror.Append(result, err)
		}
	}

	g.PrimaryHeader = nil
	g.SecondaryHeader = nil
	g.PrimaryEntries = nil
	g.SecondaryEntries = nil
	g.Modified = 0

	return result.ErrorOrNil()
}
