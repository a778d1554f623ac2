// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loadkernel implements kernel candidate selection: a single scan
// over the bootable partitions of a disk, in priority order, verifying
// each candidate's key block, preamble and body against the root of trust
// for the current boot mode and enforcing the anti-rollback floor. The
// scan is one atomic logical operation; partition table changes become
// durable only at the single write-back point at the end, on every exit
// path.
package loadkernel

import (
	"errors"

	"github.com/linuxboot/vboot/pkg/bootmode"
	"github.com/linuxboot/vboot/pkg/cgpt"
	"github.com/linuxboot/vboot/pkg/guid"
	"github.com/linuxboot/vboot/pkg/nvstorage"
)

// Outcome is the coded result of one selection call.
type Outcome int

const (
	// OutcomeSuccess means a kernel was selected and verified.
	OutcomeSuccess Outcome = iota
	// OutcomeReboot means the machine must reboot, typically into
	// recovery after a trust-anchor failure.
	OutcomeReboot
	// OutcomeInvalidParameter means the call itself was malformed; no
	// partition table was touched.
	OutcomeInvalidParameter
	// OutcomeInvalidKernel means kernel partitions existed but none
	// verified.
	OutcomeInvalidKernel
	// OutcomeNoKernel means no bootable kernel partition exists.
	OutcomeNoKernel
	// OutcomeIOError means the disk failed underneath the scan.
	OutcomeIOError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeReboot:
		return "reboot required"
	case OutcomeInvalidParameter:
		return "invalid parameter"
	case OutcomeInvalidKernel:
		return "invalid kernel"
	case OutcomeNoKernel:
		return "no kernel"
	case OutcomeIOError:
		return "I/O error"
	}
	return "unknown"
}

// Recovery reason codes persisted to the non-volatile context.
const (
	// ReasonNotRequested clears a pending recovery request.
	ReasonNotRequested uint32 = 0x00
	// ReasonLegacy is the catch-all reason from older firmware.
	ReasonLegacy uint32 = 0x01
	// ReasonNoOS means no bootable kernel partition was found.
	ReasonNoOS uint32 = 0x42
	// ReasonInvalidOS means kernel partitions existed but none passed
	// verification.
	ReasonInvalidOS uint32 = 0x43
	// ReasonTPMError means the rollback store failed.
	ReasonTPMError uint32 = 0x44
	// ReasonUnspecified covers parameter and I/O failures.
	ReasonUnspecified uint32 = 0x7F
)

// Errors returned alongside non-success outcomes.
var (
	ErrInvalidParams = errors.New("invalid kernel selection parameters")
	ErrNoKernel      = errors.New("no bootable kernel partition")
	ErrInvalidKernel = errors.New("no kernel partition passed verification")
	ErrRollbackStore = errors.New("rollback store failure")
)

// DefaultWorkbufSize is the scratch size allocated when the caller does
// not supply one. Large enough for the biggest supported digest state.
const DefaultWorkbufSize = 4096

// scanLogCapacity bounds the per-call diagnostic ring.
const scanLogCapacity = 32

// kbufBytes is the leading window of a partition read for verification:
// it must hold the key block and preamble.
const kbufBytes = 0x10000

// Params are the inputs of one selection call. Disk, NV, Rollback and
// KernelKeyBlob are required; Body receives the verified kernel body and
// bounds its size.
type Params struct {
	// Disk is the device to scan. Exclusively owned for the duration of
	// the call.
	Disk cgpt.Disk

	// NV is the open non-volatile context session. The call records its
	// recovery reason and whether the booted key block was fully
	// verified there; committing the session stays with the caller.
	NV *nvstorage.Context

	// Rollback is the tamper-resistant version floor.
	Rollback RollbackStore

	// Mode is the resolved boot mode.
	Mode bootmode.Mode

	// KernelKeyBlob is the packed key trusted to sign key blocks in this
	// mode: the firmware-carried subkey normally, the recovery root key
	// in recovery mode.
	KernelKeyBlob []byte

	// Body receives the verified kernel body. A candidate whose body
	// cannot fit is rejected.
	Body []byte

	// Workbuf is optional scratch for digest computation.
	Workbuf []byte
}

// Result is the output of one selection call. Always returned, also on
// failure, with the Outcome and Log filled in.
type Result struct {
	Outcome Outcome

	// RecoveryReason is the reason persisted to the non-volatile
	// context: ReasonNotRequested on success.
	RecoveryReason uint32

	// PartitionNumber is the selected partition, 1-based.
	PartitionNumber int
	// PartitionGUID is its unique GUID.
	PartitionGUID guid.GUID
	// PartitionStart and PartitionSectors locate it on disk.
	PartitionStart   uint64
	PartitionSectors uint64

	// BodySize is the verified body length written into Params.Body.
	BodySize uint32
	// BodyLoadAddress, BootloaderAddress and BootloaderSize are passed
	// through from the preamble for the caller to act on.
	BodyLoadAddress   uint64
	BootloaderAddress uint64
	BootloaderSize    uint64

	// CombinedVersion is the selected kernel's rollback version.
	CombinedVersion uint32
	// FullyVerified is false when the key block was accepted by hash
	// only (self-signed developer kernel).
	FullyVerified bool

	// Log is the per-candidate diagnostic ring for this call.
	Log *ScanLog
}
