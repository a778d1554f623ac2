// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bootmode resolves which of the three boot modes the machine is
// in and applies the persistent side effects of mode transitions. The
// resolved Mode is the single source of truth consumed by kernel
// selection; nothing downstream re-derives mode from raw switch state.
package bootmode

// Kind is the boot mode family.
type Kind int

const (
	// Normal boots only officially signed kernels with rollback
	// enforcement.
	Normal Kind = iota
	// Developer allows self-signed kernels unless policy restricts it.
	Developer
	// Recovery trusts only the recovery root key and skips rollback.
	Recovery
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Developer:
		return "developer"
	case Recovery:
		return "recovery"
	}
	return "unknown"
}

// Mode is the resolved boot mode.
type Mode struct {
	Kind Kind

	// RequireOfficialOnly restricts Developer mode to officially signed
	// kernels. Meaningless in the other modes.
	RequireOfficialOnly bool

	// RecoveryReason is the reason code that put the machine in Recovery
	// mode, zero otherwise.
	RecoveryReason uint32
}

func (m Mode) String() string {
	s := m.Kind.String()
	if m.Kind == Developer && m.RequireOfficialOnly {
		s += " (official kernels only)"
	}
	return s
}
