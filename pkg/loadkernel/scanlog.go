// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loadkernel

// CandidateCode classifies what happened to one scanned candidate.
type CandidateCode int

// Candidate outcomes.
const (
	// CandidateGood was selected for boot.
	CandidateGood CandidateCode = iota
	// CandidateVersionOnly passed verification after a good candidate
	// was already chosen; it only contributed to floor refinement.
	CandidateVersionOnly
	// CandidateTooSmall cannot hold the verification window.
	CandidateTooSmall
	// CandidateReadError could not be read from disk.
	CandidateReadError
	// CandidateBadKeyBlock failed key block parsing or verification.
	CandidateBadKeyBlock
	// CandidateRollback carries a version below the stored floor.
	CandidateRollback
	// CandidateBadPreamble failed preamble parsing or verification.
	CandidateBadPreamble
	// CandidateBodyMisplaced has a body that does not fit its partition
	// or the output buffer, or starts off a sector boundary.
	CandidateBodyMisplaced
	// CandidateBadBody failed body signature verification.
	CandidateBadBody
)

func (c CandidateCode) String() string {
	switch c {
	case CandidateGood:
		return "good"
	case CandidateVersionOnly:
		return "version bookkeeping only"
	case CandidateTooSmall:
		return "partition too small"
	case CandidateReadError:
		return "read error"
	case CandidateBadKeyBlock:
		return "bad key block"
	case CandidateRollback:
		return "version rollback"
	case CandidateBadPreamble:
		return "bad preamble"
	case CandidateBodyMisplaced:
		return "body misplaced"
	case CandidateBadBody:
		return "bad body"
	}
	return "unknown"
}

// ScanResult records the fate of one candidate for diagnostics. The scan
// does not depend on these records.
type ScanResult struct {
	Partition       int
	Start           uint64
	Sectors         uint64
	CombinedVersion uint32
	FullyVerified   bool
	Code            CandidateCode
}

// ScanLog is a bounded ring of ScanResults owned by one selection call.
// When full, the oldest records are overwritten.
type ScanLog struct {
	entries []ScanResult
	next    int
	total   int
}

// NewScanLog returns a log holding up to capacity records.
func NewScanLog(capacity int) *ScanLog {
	return &ScanLog{entries: make([]ScanResult, 0, capacity)}
}

// Append records one result.
func (l *ScanLog) Append(r ScanResult) {
	if cap(l.entries) == 0 {
		return
	}
	if len(l.entries) < cap(l.entries) {
		l.entries = append(l.entries, r)
	} else {
		l.entries[l.next] = r
	}
	l.next = (l.next + 1) % cap(l.entries)
	l.total++
}

// Total returns how many results were recorded, including overwritten
// ones.
func (l *ScanLog) Total() int {
	return l.total
}

// Results returns the retained records, oldest first.
func (l *ScanLog) Results() []ScanResult {
	if len(l.entries) < cap(l.entries) || l.next == 0 {
		return append([]ScanResult(nil), l.entries...)
	}
	out := make([]ScanResult, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
