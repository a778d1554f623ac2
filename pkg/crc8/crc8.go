// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc8 implements the CRC-8 with polynomial x^8 + x^2 + x + 1
// used to checksum the non-volatile context and secure-storage blocks.
// It is not a general-purpose CRC; it exists to stay bit-compatible with
// the blocks already in the field.
package crc8

// Sum computes the CRC-8 of data.
func Sum(data []byte) byte {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc ^= 0x1070 << 3
			}
			crc <<= 1
		}
	}
	return byte(crc >> 8)
}
