// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loadkernel

import (
	"fmt"

	"github.com/linuxboot/vboot/pkg/bootmode"
	"github.com/linuxboot/vboot/pkg/cgpt"
	"github.com/linuxboot/vboot/pkg/cryptolib"
	"github.com/linuxboot/vboot/pkg/keyblock"
	"github.com/linuxboot/vboot/pkg/log"
	"github.com/linuxboot/vboot/pkg/nvstorage"
)

// noFloorCandidate marks that no fully verified candidate contributed a
// version yet.
const noFloorCandidate = ^uint32(0)

// keyBlockFlagsAllow checks a key block's compatibility flags against the
// boot mode: each mode has an on and an off bit and the bit matching the
// current state must be set.
func keyBlockFlagsAllow(flags uint32, mode bootmode.Mode) bool {
	devBit := keyblock.FlagDeveloper0
	if mode.Kind == bootmode.Developer {
		devBit = keyblock.FlagDeveloper1
	}
	recBit := keyblock.FlagRecovery0
	if mode.Kind == bootmode.Recovery {
		recBit = keyblock.FlagRecovery1
	}
	return flags&devBit != 0 && flags&recBit != 0
}

// LoadKernel scans the disk for the best bootable kernel. The returned
// Result is never nil; its Outcome, recovery reason and scan log are
// valid on every path. The recovery reason is also written to the
// non-volatile session (when one was supplied), and the partition table
// is committed and released on every path that acquired it.
func LoadKernel(p *Params) (*Result, error) {
	res := &Result{
		Outcome:        OutcomeInvalidParameter,
		RecoveryReason: ReasonUnspecified,
		Log:            NewScanLog(scanLogCapacity),
	}
	// The reason and the key-verification flag travel with the result
	// and land in NV on every exit. The flag reports whether the chosen
	// partition's key block passed full signature verification, even
	// when a later trust-anchor failure turns the outcome into a reboot.
	defer func() {
		if p != nil && p.NV != nil {
			verified := uint32(0)
			if res.PartitionNumber != 0 && res.FullyVerified {
				verified = 1
			}
			p.NV.Set(nvstorage.KernelKeyVerified, verified)
			p.NV.Set(nvstorage.RecoveryRequest, res.RecoveryReason)
		}
	}()

	if p == nil || p.Disk == nil || p.NV == nil || p.Rollback == nil ||
		len(p.KernelKeyBlob) == 0 || p.Body == nil {
		return res, ErrInvalidParams
	}

	kernelKey, err := cryptolib.UnpackKey(p.KernelKeyBlob)
	if err != nil {
		return res, fmt.Errorf("%w: kernel key: %v", ErrInvalidParams, err)
	}

	scratch := p.Workbuf
	if scratch == nil {
		scratch = make([]byte, DefaultWorkbufSize)
	}
	wb := cryptolib.NewWorkbuf(scratch)

	recovery := p.Mode.Kind == bootmode.Recovery
	developer := p.Mode.Kind == bootmode.Developer

	// Read the rollback floor. Recovery mode neither checks nor advances
	// it; a failing store there is logged and ignored.
	var tpmVersion uint32
	if recovery {
		if err := p.Rollback.Recovery(developer); err != nil {
			log.Warnf("rollback store recovery setup: %v", err)
		}
	} else {
		tpmVersion, err = p.Rollback.ReadVersion()
		if err != nil {
			res.Outcome = OutcomeReboot
			res.RecoveryReason = ReasonTPMError
			return res, fmt.Errorf("%w: %v", ErrRollbackStore, err)
		}
	}

	gpt, err := cgpt.AllocAndRead(p.Disk)
	if err != nil {
		res.Outcome = OutcomeIOError
		return res, err
	}
	// Commit and release on every path from here on. A failed write-back
	// cannot be acted on this boot; it is logged and the outcome stands.
	defer func() {
		if err := cgpt.WriteAndFree(p.Disk, gpt); err != nil {
			log.Errorf("partition table write-back: %v", err)
		}
	}()

	if err := gpt.Init(); err != nil {
		res.Outcome = OutcomeNoKernel
		res.RecoveryReason = ReasonNoOS
		return res, fmt.Errorf("%w: %v", ErrNoKernel, err)
	}

	sectorBytes := uint64(p.Disk.SectorBytes())
	kbufSectors := kbufBytes / sectorBytes

	sawCandidate := false
	found := false
	lowestVersion := uint32(noFloorCandidate)

	for {
		start, sectors, err := gpt.NextKernelEntry()
		if err != nil {
			break
		}
		sawCandidate = true
		sr := ScanResult{
			Partition: gpt.CurrentKernelIndex() + 1,
			Start:     start,
			Sectors:   sectors,
		}
		reject := func(code CandidateCode, why string, args ...interface{}) {
			sr.Code = code
			res.Log.Append(sr)
			log.Debugf("partition %d rejected (%s): "+why,
				append([]interface{}{sr.Partition, code}, args...)...)
			if err := gpt.UpdateKernelEntry(cgpt.UpdateBad); err != nil {
				log.Warnf("marking partition %d bad: %v", sr.Partition, err)
			}
		}

		if sectors < kbufSectors {
			reject(CandidateTooSmall, "%d sectors", sectors)
			continue
		}
		kbuf, err := p.Disk.ReadSectors(start, kbufSectors)
		if err != nil {
			reject(CandidateReadError, "%v", err)
			continue
		}

		// Key block: full signature check against the trusted key, with
		// a hash-only fallback for developer mode when policy allows.
		kb, err := keyblock.UnpackKeyBlock(kbuf)
		if err != nil {
			reject(CandidateBadKeyBlock, "%v", err)
			continue
		}
		fullyVerified := true
		if err := kb.Verify(kbuf, kernelKey, false, wb); err != nil {
			if !developer || p.Mode.RequireOfficialOnly {
				reject(CandidateBadKeyBlock, "%v", err)
				continue
			}
			if err := kb.Verify(kbuf, nil, true, wb); err != nil {
				reject(CandidateBadKeyBlock, "hash check: %v", err)
				continue
			}
			fullyVerified = false
		}

		// Mode compatibility flags. A mismatch taints the key block; only
		// developer mode keeps looking at a tainted candidate.
		if !keyBlockFlagsAllow(kb.Flags, p.Mode) {
			log.Debugf("partition %d: key block flags %#x disallow %s",
				sr.Partition, kb.Flags, p.Mode)
			fullyVerified = false
		}

		dataKey, err := cryptolib.UnpackKey(kb.DataKeyBytes(kbuf))
		if err != nil {
			reject(CandidateBadKeyBlock, "data key: %v", err)
			continue
		}

		// Key version rollback gate, skipped in recovery mode.
		if !recovery {
			if dataKey.KeyVersion < tpmVersion>>16 || dataKey.KeyVersion > 0xFFFF {
				log.Debugf("partition %d: key version %d outside floor",
					sr.Partition, dataKey.KeyVersion)
				fullyVerified = false
			}
		}
		sr.FullyVerified = fullyVerified

		// Outside developer mode a tainted key block ends the candidate.
		if !developer && !fullyVerified {
			reject(CandidateBadKeyBlock, "key block not valid for %s", p.Mode)
			continue
		}

		// Preamble, verified with the data key carried by the key block.
		if uint64(kb.KeyBlockSize) >= uint64(len(kbuf)) {
			reject(CandidateBadKeyBlock, "key block fills window")
			continue
		}
		preBuf := kbuf[kb.KeyBlockSize:]
		pre, err := keyblock.UnpackKernelPreamble(preBuf)
		if err != nil {
			reject(CandidateBadPreamble, "%v", err)
			continue
		}
		if err := pre.Verify(preBuf, dataKey, wb); err != nil {
			reject(CandidateBadPreamble, "%v", err)
			continue
		}

		combined := pre.CombinedVersion(dataKey.KeyVersion)
		sr.CombinedVersion = combined

		// Combined version rollback gate. Developer mode tolerates an
		// old version; everything else rejects it.
		if !recovery && combined < tpmVersion && !developer {
			reject(CandidateRollback, "version %#x below floor %#x", combined, tpmVersion)
			continue
		}

		// Track the lowest fully verified version for floor refinement.
		if fullyVerified && combined < lowestVersion {
			lowestVersion = combined
		}

		// With a good kernel already selected, later candidates only
		// matter for the version bookkeeping above.
		if found {
			sr.Code = CandidateVersionOnly
			res.Log.Append(sr)
			continue
		}

		// Body placement: sector-aligned within the partition, sized for
		// the output buffer.
		bodySize := pre.BodySignature.DataSize
		bodyOffset := uint64(kb.KeyBlockSize) + uint64(pre.PreambleSize)
		if bodyOffset%sectorBytes != 0 {
			reject(CandidateBodyMisplaced, "body at %#x not sector aligned", bodyOffset)
			continue
		}
		if uint64(bodySize) > uint64(len(p.Body)) {
			reject(CandidateBodyMisplaced, "body %d bytes exceeds buffer %d", bodySize, len(p.Body))
			continue
		}
		bodySectors := (uint64(bodySize) + sectorBytes - 1) / sectorBytes
		if bodyOffset/sectorBytes+bodySectors > sectors {
			reject(CandidateBodyMisplaced, "body extends past partition")
			continue
		}

		body, err := p.Disk.ReadSectors(start+bodyOffset/sectorBytes, bodySectors)
		if err != nil {
			reject(CandidateReadError, "body: %v", err)
			continue
		}
		if err := pre.VerifyBody(preBuf, body[:bodySize], dataKey, wb); err != nil {
			reject(CandidateBadBody, "%v", err)
			continue
		}
		copy(p.Body, body[:bodySize])

		// This is the kernel to boot. Charge it a try and record it.
		if err := gpt.UpdateKernelEntry(cgpt.UpdateTry); err != nil {
			log.Warnf("charging try on partition %d: %v", sr.Partition, err)
		}
		found = true
		res.PartitionNumber = sr.Partition
		res.PartitionStart = start
		res.PartitionSectors = sectors
		if u, err := gpt.CurrentKernelUnique(); err == nil {
			res.PartitionGUID = u
		}
		res.BodySize = bodySize
		res.BodyLoadAddress = pre.BodyLoadAddress
		res.BootloaderAddress = pre.BootloaderAddress
		res.BootloaderSize = pre.BootloaderSize
		res.CombinedVersion = combined
		res.FullyVerified = fullyVerified
		sr.Code = CandidateGood
		res.Log.Append(sr)
		log.Debugf("selected partition %d, version %#x", sr.Partition, combined)

		// Stop early when further scanning cannot refine the floor:
		// recovery mode, a hash-only kernel, or a version already equal
		// to the stored floor.
		if recovery || !fullyVerified || combined == tpmVersion {
			break
		}
	}

	// With a kernel selected, advance the floor (outside recovery mode,
	// never lowered) and lock the store. Recovery mode still locks, but
	// a failure there cannot be improved on by rebooting into recovery.
	if found {
		if !recovery && res.FullyVerified &&
			lowestVersion != noFloorCandidate && lowestVersion > tpmVersion {
			if err := p.Rollback.WriteVersion(lowestVersion); err != nil {
				res.Outcome = OutcomeReboot
				res.RecoveryReason = ReasonTPMError
				return res, fmt.Errorf("%w: %v", ErrRollbackStore, err)
			}
			log.Debugf("rollback floor raised %#x -> %#x", tpmVersion, lowestVersion)
		}
		if err := p.Rollback.Lock(); err != nil {
			if !recovery {
				res.Outcome = OutcomeReboot
				res.RecoveryReason = ReasonTPMError
				return res, fmt.Errorf("%w: %v", ErrRollbackStore, err)
			}
			log.Warnf("rollback store lock in recovery: %v", err)
		}
	}

	switch {
	case found:
		res.Outcome = OutcomeSuccess
		res.RecoveryReason = ReasonNotRequested
		return res, nil
	case sawCandidate:
		res.Outcome = OutcomeInvalidKernel
		res.RecoveryReason = ReasonInvalidOS
		return res, ErrInvalidKernel
	default:
		res.Outcome = OutcomeNoKernel
		res.RecoveryReason = ReasonNoOS
		return res, ErrNoKernel
	}
}
