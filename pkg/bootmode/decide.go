// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bootmode

import (
	"errors"
	"fmt"

	"github.com/linuxboot/vboot/pkg/log"
	"github.com/linuxboot/vboot/pkg/nvstorage"
	"github.com/linuxboot/vboot/pkg/secdata"
)

// TPM is the trust-anchor capability consumed by mode transitions.
type TPM interface {
	// ClearOwner drops the anchor's owner so secrets sealed under the
	// old mode become unreachable.
	ClearOwner() error
}

// Override is the GBB-equivalent out-of-band flag block. Its flags beat
// switches and persisted state.
type Override struct {
	// ForceRecovery unconditionally forces Recovery mode.
	ForceRecovery bool
	// ForceDeveloper turns the developer switch on regardless of
	// hardware state, and shields it from a disable-dev request.
	ForceDeveloper bool
	// ForceDisableDev turns developer mode off regardless of everything
	// else, including ForceDeveloper.
	ForceDisableDev bool
}

// Inputs are everything the mode decision reads and updates.
type Inputs struct {
	// DevSwitch is the hardware or keyboard developer switch.
	DevSwitch bool
	// RecoveryButton is the physical recovery request.
	RecoveryButton bool
	// ForceWipeout propagates a stateful-wipe request to the OS.
	ForceWipeout bool

	Override Override

	// NV is the open non-volatile context session.
	NV *nvstorage.Context

	// Secdata is the secure persisted state, nil when the store could
	// not be read. A nil store is fatal outside Recovery mode.
	Secdata *secdata.Context

	// TPM performs owner clears on mode transitions and on request.
	TPM TPM
}

// Recovery reasons originated here rather than by kernel selection.
const (
	// ReasonManual is a recovery request from the physical button or
	// the override block.
	ReasonManual uint32 = 0x02
	// reasonTPMError mirrors the kernel selection trust-anchor failure
	// code; a failed owner clear lands here.
	reasonTPMError uint32 = 0x44
)

var (
	// ErrSecdataRequired means secure storage was unreadable in a mode
	// that depends on it.
	ErrSecdataRequired = errors.New("secure storage unreadable outside recovery mode")
	// ErrTrustAnchor means the trust anchor refused an owner clear.
	ErrTrustAnchor = errors.New("trust anchor owner clear failed")
	// ErrNilInputs means a required collaborator was missing.
	ErrNilInputs = errors.New("boot mode inputs incomplete")
)

// Decide resolves the boot mode for this boot and applies the persistent
// side effects of mode transitions: the exactly-once owner clear when the
// developer state flipped, dropping developer-only boot options when
// leaving developer mode, and servicing a pending owner-clear request.
// Raw switch state must not be consulted again after this; the returned
// Mode is the single source of truth.
func Decide(in *Inputs) (Mode, error) {
	if in == nil || in.NV == nil {
		return Mode{}, ErrNilInputs
	}

	if in.ForceWipeout {
		in.NV.Set(nvstorage.WipeoutRequest, 1)
	}

	// An override always wins and forces Recovery regardless of the
	// computed reason; the button beats a stale persisted request.
	var reason uint32
	switch {
	case in.Override.ForceRecovery:
		reason = ReasonManual
	case in.RecoveryButton:
		reason = ReasonManual
	default:
		reason = in.NV.Get(nvstorage.RecoveryRequest)
	}
	recovery := reason != 0

	isDev, err := CheckDevSwitch(in, recovery)
	if err != nil {
		return Mode{}, err
	}

	if err := CheckTPMClear(in.NV, in.TPM); err != nil {
		in.NV.Set(nvstorage.RecoveryRequest, reasonTPMError)
		return Mode{}, err
	}

	switch {
	case recovery:
		return Mode{Kind: Recovery, RecoveryReason: reason}, nil
	case isDev:
		return Mode{
			Kind:                Developer,
			RequireOfficialOnly: in.NV.Get(nvstorage.DevBootSignedOnly) != 0,
		}, nil
	default:
		return Mode{Kind: Normal}, nil
	}
}

// CheckDevSwitch computes the effective developer state and handles a
// state change: exactly one owner clear per transition, tracked by the
// last-boot-developer flag in secure storage so an unchanged state across
// consecutive boots never clears again. Leaving developer mode also
// drops all developer-only boot option flags.
//
// With unreadable secure storage the function fails outside recovery
// mode; in recovery mode it degrades to developer-off and leaves a
// pending disable-dev request unconsumed, since its source of truth was
// unreadable.
func CheckDevSwitch(in *Inputs, recovery bool) (bool, error) {
	if in == nil || in.NV == nil {
		return false, ErrNilInputs
	}

	validSecdata := in.Secdata != nil
	var flags uint32
	if validSecdata {
		f, err := in.Secdata.Get(secdata.Flags)
		if err != nil {
			validSecdata = false
		} else {
			flags = f
		}
	}
	wasDev := flags&secdata.FlagLastBootDeveloper != 0
	newFlags := flags

	isDev := flags&secdata.FlagDevMode != 0 // virtual switch, persisted
	if in.DevSwitch {
		isDev = true
	}
	if in.Override.ForceDeveloper {
		isDev = true
	}
	if validSecdata && in.NV.Get(nvstorage.DisableDevRequest) != 0 {
		if !in.Override.ForceDeveloper {
			isDev = false
			newFlags &^= secdata.FlagDevMode
		}
		in.NV.Set(nvstorage.DisableDevRequest, 0)
	}
	if in.Override.ForceDisableDev {
		isDev = false
		newFlags &^= secdata.FlagDevMode
	}

	if !validSecdata {
		if !recovery {
			return false, ErrSecdataRequired
		}
		log.Warnf("secure storage unreadable, recovery proceeds with developer mode off")
		return false, nil
	}

	if isDev != wasDev {
		// Secrets sealed under the old state must become unreachable
		// before the new state boots anything.
		if in.TPM != nil {
			if err := in.TPM.ClearOwner(); err != nil {
				if !recovery {
					return isDev, fmt.Errorf("%w: %v", ErrTrustAnchor, err)
				}
				// Leave last-boot-developer alone so the clear is
				// retried next boot.
				log.Warnf("owner clear failed in recovery, will retry: %v", err)
				return isDev, nil
			}
		}
		if !isDev {
			in.NV.Set(nvstorage.DevBootUSB, 0)
			in.NV.Set(nvstorage.DevBootLegacy, 0)
			in.NV.Set(nvstorage.DevBootSignedOnly, 0)
			in.NV.Set(nvstorage.DevFullCap, 0)
		}
		newFlags &^= secdata.FlagLastBootDeveloper
		if isDev {
			newFlags |= secdata.FlagLastBootDeveloper
		}
		log.Debugf("developer mode transition, now %v", isDev)
	}
	if newFlags != flags {
		if err := in.Secdata.Set(secdata.Flags, newFlags); err != nil {
			return isDev, err
		}
	}
	return isDev, nil
}

// CheckTPMClear services a pending owner-clear request from the
// non-volatile context. The request is consumed before the clear is
// attempted so a wedged anchor cannot cause a clear loop; the done flag
// is set only after success.
func CheckTPMClear(nv *nvstorage.Context, tpm TPM) error {
	if nv == nil {
		return ErrNilInputs
	}
	if nv.Get(nvstorage.ClearTPMOwnerRequest) == 0 {
		return nil
	}
	nv.Set(nvstorage.ClearTPMOwnerRequest, 0)
	nv.Set(nvstorage.ClearTPMOwnerDone, 0)
	if tpm == nil {
		return nil
	}
	if err := tpm.ClearOwner(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrustAnchor, err)
	}
	nv.Set(nvstorage.ClearTPMOwnerDone, 1)
	return nil
}
