// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package keyblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/vboot/pkg/cryptolib"
	"github.com/linuxboot/vboot/pkg/keyblock"
	"github.com/linuxboot/vboot/pkg/vbtest"
)

func TestKernelPreambleVerify(t *testing.T) {
	_, data := signers(t)
	dataKey, err := cryptolib.UnpackKey(data.PackKey(2))
	require.NoError(t, err)

	body := make([]byte, 3000)
	for i := range body {
		body[i] = byte(i)
	}
	blob := vbtest.BuildKernelPreamble(data, body, vbtest.PreambleOptions{
		KernelVersion:     5,
		BodyLoadAddress:   0x100000,
		BootloaderAddress: 0x200000,
		BootloaderSize:    512,
		PadTo:             4096,
	})
	require.Len(t, blob, 4096)

	p, err := keyblock.UnpackKernelPreamble(blob)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), p.KernelVersion)
	assert.Equal(t, uint64(0x100000), p.BodyLoadAddress)
	assert.Equal(t, uint32(4096), p.PreambleSize)

	require.NoError(t, p.Verify(blob, dataKey, wb()))
	require.NoError(t, p.VerifyBody(blob, body, dataKey, wb()))

	t.Run("combined version", func(t *testing.T) {
		assert.Equal(t, uint32(2<<16|5), p.CombinedVersion(dataKey.KeyVersion))
		big := *p
		big.KernelVersion = 0x12345
		assert.Equal(t, uint32(2<<16|0x2345), big.CombinedVersion(2))
	})

	t.Run("corrupted body", func(t *testing.T) {
		bad := append([]byte(nil), body...)
		bad[100] ^= 0x01
		err := p.VerifyBody(blob, bad, dataKey, wb())
		var ve *cryptolib.VerificationError
		assert.ErrorAs(t, err, &ve)
	})

	t.Run("corrupted header", func(t *testing.T) {
		bad := append([]byte(nil), blob...)
		bad[40] ^= 0x01 // kernel version field, inside the signed region
		p2, err := keyblock.UnpackKernelPreamble(bad)
		require.NoError(t, err)
		verr := p2.Verify(bad, dataKey, wb())
		var ve *cryptolib.VerificationError
		assert.ErrorAs(t, verr, &ve)
	})
}

func TestUnpackKernelPreambleRejectsBadHeaders(t *testing.T) {
	_, data := signers(t)
	body := []byte("body")

	build := func(corrupt func([]byte)) []byte {
		return vbtest.BuildKernelPreamble(data, body, vbtest.PreambleOptions{
			CorruptBlob: corrupt,
		})
	}

	t.Run("truncated", func(t *testing.T) {
		blob := build(nil)
		_, err := keyblock.UnpackKernelPreamble(blob[:keyblock.KernelPreambleSize-1])
		var re *cryptolib.RangeError
		assert.ErrorAs(t, err, &re)
	})

	t.Run("size past buffer", func(t *testing.T) {
		blob := build(nil)
		_, err := keyblock.UnpackKernelPreamble(blob[:len(blob)-1])
		var re *cryptolib.RangeError
		assert.ErrorAs(t, err, &re)
	})

	t.Run("wrong major version", func(t *testing.T) {
		blob := build(func(b []byte) { b[32] = 9 })
		_, err := keyblock.UnpackKernelPreamble(blob)
		assert.ErrorIs(t, err, keyblock.ErrBadVersion)
	})

	t.Run("signature past preamble", func(t *testing.T) {
		blob := build(func(b []byte) { b[8] = 0xFF; b[9] = 0xFF })
		_, err := keyblock.UnpackKernelPreamble(blob)
		var re *cryptolib.RangeError
		assert.ErrorAs(t, err, &re)
	})
}

func TestKernelPreambleHeaderRoundTrip(t *testing.T) {
	_, data := signers(t)
	blob := vbtest.BuildKernelPreamble(data, []byte("body"), vbtest.PreambleOptions{
		KernelVersion: 1,
	})

	p, err := keyblock.UnpackKernelPreamble(blob)
	require.NoError(t, err)
	out, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, blob[:keyblock.KernelPreambleSize], out)
}
