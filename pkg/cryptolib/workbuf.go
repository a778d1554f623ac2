// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cryptolib

// workbufAlign is the allocation granularity of a work buffer.
const workbufAlign = 8

// digestContextSize is the space charged against the work buffer for the
// streaming state of a digest computation, sized for the largest supported
// hash.
const digestContextSize = 208

// Workbuf is a bump allocator over a fixed scratch region. Verification
// runs in a constrained environment where all intermediate state has to
// fit in a caller-provided workspace; allocations that do not fit fail
// rather than grow.
type Workbuf struct {
	buf  []byte
	used int
}

// NewWorkbuf returns a work buffer over buf.
func NewWorkbuf(buf []byte) *Workbuf {
	return &Workbuf{buf: buf}
}

// Size returns the total capacity of the work buffer.
func (w *Workbuf) Size() int {
	return len(w.buf)
}

// Alloc reserves size bytes, rounded up to the allocation granularity.
// Returns nil if the buffer cannot hold them.
func (w *Workbuf) Alloc(size int) []byte {
	rounded := (size + workbufAlign - 1) &^ (workbufAlign - 1)
	if rounded < 0 || rounded > len(w.buf)-w.used {
		return nil
	}
	b := w.buf[w.used : w.used+size]
	w.used += rounded
	for i := range b {
		b[i] = 0
	}
	return b
}

// Free releases the most recent allocations, leaving used bytes reserved.
// Pair each Alloc sequence with a Free back to the level returned by Used.
func (w *Workbuf) Free(used int) {
	if used < 0 || used > w.used {
		return
	}
	w.used = used
}

// Used returns the current allocation level, for use with Free.
func (w *Workbuf) Used() int {
	return w.used
}
