// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bootmode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/vboot/pkg/bootmode"
	"github.com/linuxboot/vboot/pkg/nvstorage"
	"github.com/linuxboot/vboot/pkg/secdata"
)

type fakeTPM struct {
	clears int
	err    error
}

func (f *fakeTPM) ClearOwner() error {
	f.clears++
	return f.err
}

func newInputs() (*bootmode.Inputs, *fakeTPM) {
	tpm := &fakeTPM{}
	return &bootmode.Inputs{
		NV:      nvstorage.Open([nvstorage.BlockSize]byte{}),
		Secdata: secdata.Create(),
		TPM:     tpm,
	}, tpm
}

func secFlags(t *testing.T, in *bootmode.Inputs) uint32 {
	t.Helper()
	f, err := in.Secdata.Get(secdata.Flags)
	require.NoError(t, err)
	return f
}

func TestDecideNormal(t *testing.T) {
	in, tpm := newInputs()
	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Normal, m.Kind)
	assert.Zero(t, tpm.clears)
}

func TestDeveloperTransitionClearsOwnerExactlyOnce(t *testing.T) {
	in, tpm := newInputs()
	in.DevSwitch = true

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Developer, m.Kind)
	assert.Equal(t, 1, tpm.clears)
	assert.NotZero(t, secFlags(t, in)&secdata.FlagLastBootDeveloper)

	// Same switch state next boot: no further clear.
	m, err = bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Developer, m.Kind)
	assert.Equal(t, 1, tpm.clears)
}

func TestLeavingDeveloperDropsBootOptions(t *testing.T) {
	in, tpm := newInputs()
	require.NoError(t, in.Secdata.Set(secdata.Flags, secdata.FlagLastBootDeveloper))
	in.NV.Set(nvstorage.DevBootUSB, 1)
	in.NV.Set(nvstorage.DevBootLegacy, 1)
	in.NV.Set(nvstorage.DevBootSignedOnly, 1)
	in.NV.Set(nvstorage.DevFullCap, 1)

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Normal, m.Kind)
	assert.Equal(t, 1, tpm.clears)
	assert.Zero(t, secFlags(t, in)&secdata.FlagLastBootDeveloper)
	for _, p := range []nvstorage.Param{
		nvstorage.DevBootUSB, nvstorage.DevBootLegacy,
		nvstorage.DevBootSignedOnly, nvstorage.DevFullCap,
	} {
		assert.Zero(t, in.NV.Get(p))
	}
}

func TestVirtualDevSwitchFromSecdata(t *testing.T) {
	in, _ := newInputs()
	require.NoError(t, in.Secdata.Set(secdata.Flags,
		secdata.FlagDevMode|secdata.FlagLastBootDeveloper))

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Developer, m.Kind)
}

func TestDisableDevRequest(t *testing.T) {
	in, tpm := newInputs()
	require.NoError(t, in.Secdata.Set(secdata.Flags,
		secdata.FlagDevMode|secdata.FlagLastBootDeveloper))
	in.NV.Set(nvstorage.DisableDevRequest, 1)

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Normal, m.Kind)
	assert.Equal(t, 1, tpm.clears)
	// Consumed, and the persisted virtual switch is off so the next
	// boot does not re-enter developer mode.
	assert.Zero(t, in.NV.Get(nvstorage.DisableDevRequest))
	assert.Zero(t, secFlags(t, in)&secdata.FlagDevMode)
}

func TestForceDeveloperShieldsDisableRequest(t *testing.T) {
	in, _ := newInputs()
	in.Override.ForceDeveloper = true
	in.NV.Set(nvstorage.DisableDevRequest, 1)

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Developer, m.Kind)
	// Still consumed, just not honored.
	assert.Zero(t, in.NV.Get(nvstorage.DisableDevRequest))
}

func TestForceDisableDevWins(t *testing.T) {
	in, _ := newInputs()
	in.DevSwitch = true
	in.Override.ForceDeveloper = true
	in.Override.ForceDisableDev = true

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Normal, m.Kind)
}

func TestOverrideForcesRecovery(t *testing.T) {
	in, _ := newInputs()
	in.NV.Set(nvstorage.RecoveryRequest, 0x43)
	in.Override.ForceRecovery = true

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Recovery, m.Kind)
	assert.Equal(t, bootmode.ReasonManual, m.RecoveryReason)
}

func TestPersistedRecoveryRequest(t *testing.T) {
	in, _ := newInputs()
	in.NV.Set(nvstorage.RecoveryRequest, 0x43)

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Recovery, m.Kind)
	assert.Equal(t, uint32(0x43), m.RecoveryReason)
}

func TestSecdataUnreadable(t *testing.T) {
	t.Run("fatal in normal mode", func(t *testing.T) {
		in, _ := newInputs()
		in.Secdata = nil
		_, err := bootmode.Decide(in)
		assert.ErrorIs(t, err, bootmode.ErrSecdataRequired)
	})

	t.Run("recovery degrades to developer off", func(t *testing.T) {
		in, tpm := newInputs()
		in.Secdata = nil
		in.RecoveryButton = true
		in.DevSwitch = true
		in.NV.Set(nvstorage.DisableDevRequest, 1)

		m, err := bootmode.Decide(in)
		require.NoError(t, err)
		assert.Equal(t, bootmode.Recovery, m.Kind)
		assert.Zero(t, tpm.clears)
		// Source of truth was unreadable, so the request stays pending.
		assert.Equal(t, uint32(1), in.NV.Get(nvstorage.DisableDevRequest))
	})
}

func TestDeveloperSignedOnlyPolicy(t *testing.T) {
	in, _ := newInputs()
	in.DevSwitch = true
	in.NV.Set(nvstorage.DevBootSignedOnly, 1)

	m, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, bootmode.Developer, m.Kind)
	assert.True(t, m.RequireOfficialOnly)
}

func TestForceWipeoutPropagates(t *testing.T) {
	in, _ := newInputs()
	in.ForceWipeout = true
	_, err := bootmode.Decide(in)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in.NV.Get(nvstorage.WipeoutRequest))
}

func TestOwnerClearFailureOnTransition(t *testing.T) {
	t.Run("fatal outside recovery", func(t *testing.T) {
		in, tpm := newInputs()
		tpm.err = assert.AnError
		in.DevSwitch = true
		_, err := bootmode.Decide(in)
		assert.ErrorIs(t, err, bootmode.ErrTrustAnchor)
		// The transition was not recorded, so it retries next boot.
		assert.Zero(t, secFlags(t, in)&secdata.FlagLastBootDeveloper)
	})

	t.Run("tolerated in recovery", func(t *testing.T) {
		in, tpm := newInputs()
		tpm.err = assert.AnError
		in.DevSwitch = true
		in.RecoveryButton = true
		m, err := bootmode.Decide(in)
		require.NoError(t, err)
		assert.Equal(t, bootmode.Recovery, m.Kind)
		assert.Equal(t, 1, tpm.clears)
		assert.Zero(t, secFlags(t, in)&secdata.FlagLastBootDeveloper)
	})
}

func TestCheckTPMClear(t *testing.T) {
	t.Run("no request is a no-op", func(t *testing.T) {
		nv := nvstorage.Open([nvstorage.BlockSize]byte{})
		tpm := &fakeTPM{}
		require.NoError(t, bootmode.CheckTPMClear(nv, tpm))
		assert.Zero(t, tpm.clears)
	})

	t.Run("request consumed, done on success", func(t *testing.T) {
		nv := nvstorage.Open([nvstorage.BlockSize]byte{})
		nv.Set(nvstorage.ClearTPMOwnerRequest, 1)
		tpm := &fakeTPM{}
		require.NoError(t, bootmode.CheckTPMClear(nv, tpm))
		assert.Equal(t, 1, tpm.clears)
		assert.Zero(t, nv.Get(nvstorage.ClearTPMOwnerRequest))
		assert.Equal(t, uint32(1), nv.Get(nvstorage.ClearTPMOwnerDone))
	})

	t.Run("request consumed, not done on failure", func(t *testing.T) {
		nv := nvstorage.Open([nvstorage.BlockSize]byte{})
		nv.Set(nvstorage.ClearTPMOwnerRequest, 1)
		nv.Set(nvstorage.ClearTPMOwnerDone, 1)
		tpm := &fakeTPM{err: assert.AnError}
		err := bootmode.CheckTPMClear(nv, tpm)
		assert.ErrorIs(t, err, bootmode.ErrTrustAnchor)
		// No clear loop: the request never survives the attempt.
		assert.Zero(t, nv.Get(nvstorage.ClearTPMOwnerRequest))
		assert.Zero(t, nv.Get(nvstorage.ClearTPMOwnerDone))
	})
}
