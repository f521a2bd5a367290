// Copyright (c) 2026 The Nimble Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bytebuf implements a cursor-based byte buffer with the classic
// position/limit/capacity discipline: the region [position, limit) is the
// active window, either free space (write mode) or unread data (read mode).
// Flip switches a buffer from write mode to read mode, Compact discards the
// consumed prefix and switches it back. The invariant position <= limit <=
// capacity holds at all times.
package bytebuf

// Buffer is a growable byte buffer with explicit position and limit cursors.
// It is not safe for concurrent use.
type Buffer struct {
	b   []byte
	pos int
	lim int
}

// New returns a Buffer of the given capacity in write mode, i.e. with
// position 0 and limit equal to capacity.
func New(capacity int) *Buffer {
	return &Buffer{b: make([]byte, capacity), lim: capacity}
}

// Wrap returns a Buffer backed by p with position 0 and limit len(p),
// exposing the whole of p as the active window.
func Wrap(p []byte) *Buffer {
	return &Buffer{b: p, lim: len(p)}
}

// Position returns the current position cursor.
func (b *Buffer) Position() int { return b.pos }

// SetPosition moves the position cursor. The caller keeps pos within
// [0, limit].
func (b *Buffer) SetPosition(pos int) { b.pos = pos }

// Advance moves the position cursor forward by n.
func (b *Buffer) Advance(n int) { b.pos += n }

// Limit returns the current limit cursor.
func (b *Buffer) Limit() int { return b.lim }

// SetLimit moves the limit cursor. The caller keeps lim within
// [position, capacity].
func (b *Buffer) SetLimit(lim int) { b.lim = lim }

// Capacity returns the size of the backing array.
func (b *Buffer) Capacity() int { return len(b.b) }

// Remaining returns limit - position: the number of free bytes in write mode,
// or the number of unread bytes in read mode.
func (b *Buffer) Remaining() int { return b.lim - b.pos }

// HasRemaining reports whether the active window is non-empty.
func (b *Buffer) HasRemaining() bool { return b.lim > b.pos }

// Bytes returns the active window [position, limit) of the backing array.
// The slice aliases the buffer; it is invalidated by Grow.
func (b *Buffer) Bytes() []byte { return b.b[b.pos:b.lim] }

// Flip switches the buffer from write mode to read mode: the bytes written so
// far become the active window.
func (b *Buffer) Flip() {
	b.lim = b.pos
	b.pos = 0
}

// Compact discards the bytes before position, moves the unread remainder to
// the front, and switches the buffer back to write mode.
func (b *Buffer) Compact() {
	n := copy(b.b, b.b[b.pos:b.lim])
	b.pos = n
	b.lim = len(b.b)
}

// Clear resets the buffer to an empty write-mode state. The backing array is
// untouched.
func (b *Buffer) Clear() {
	b.pos = 0
	b.lim = len(b.b)
}

// Grow resizes the backing array upward to at least capacity bytes,
// preserving content and cursors. If the limit sat at the old capacity it is
// moved to the new one, extending the free region of a write-mode buffer.
// Buffers are never shrunk; a capacity at or below the current one is a no-op.
func (b *Buffer) Grow(capacity int) {
	if capacity <= len(b.b) {
		return
	}
	atCap := b.lim == len(b.b)
	nb := make([]byte, capacity)
	copy(nb, b.b)
	b.b = nb
	if atCap {
		b.lim = capacity
	}
}

// Write copies as much of p as fits into the active window and advances the
// position, returning the number of bytes copied.
func (b *Buffer) Write(p []byte) int {
	n := copy(b.b[b.pos:b.lim], p)
	b.pos += n
	return n
}

// Read copies up to len(p) bytes out of the active window into p and advances
// the position, returning the number of bytes copied.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.b[b.pos:b.lim])
	b.pos += n
	return n
}
