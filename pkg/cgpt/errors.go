// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cgpt

import "errors"

var (
	// ErrBadSectorSize means the device sector size is unsupported.
	ErrBadSectorSize = errors.New("unsupported sector size")

	// ErrBadGeometry means the device is too small to hold two table
	// copies, or a header's idea of the layout disagrees with the device.
	ErrBadGeometry = errors.New("bad GPT geometry")

	// ErrBadSignature means a header does not carry a GPT signature.
	ErrBadSignature = errors.New("bad GPT header signature")

	// ErrBadRevision means a header's revision is unsupported.
	ErrBadRevision = errors.New("unsupported GPT header revision")

	// ErrBadHeaderSize means a header declares an out-of-range size.
	ErrBadHeaderSize = errors.New("bad GPT header size")

	// ErrBadCRC means a header or entry table fails its checksum.
	ErrBadCRC = errors.New("GPT checksum mismatch")

	// ErrBadEntries means the entry table layout or contents are invalid.
	ErrBadEntries = errors.New("bad GPT entries")

	// ErrInvalidGPT means neither table copy is usable.
	ErrInvalidGPT = errors.New("no valid GPT copy")

	// ErrNoValidKernel means the scan found no remaining bootable kernel
	// entry.
	ErrNoValidKernel = errors.New("no valid kernel entry")

	// ErrNoCurrentKernel means an update was requested before a
	// successful scan step.
	ErrNoCurrentKernel = errors.New("no current kernel entry")

	// ErrRead and ErrWrite wrap device I/O failures.
	ErrRead  = errors.New("GPT read failed")
	ErrWrite = errors.New("GPT write failed")
)
