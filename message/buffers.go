/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2012-2015
# the Initial Developer. All Rights Reserved.
#
# ***** END LICENSE BLOCK *****/

package message

import (
	"errors"
	"fmt"
	"math"
)

// ErrBufferFull is returned by Expand when the buffer has already reached
// its configured ceiling and cannot grow any further.
var ErrBufferFull = errors.New("buffer full")

// nextCapacity doubles cur until it can hold needed bytes, never exceeding
// max. Returns 0 if max itself can't hold needed.
func nextCapacity(cur, needed, max int) int {
	if cur == 0 {
		cur = 8
	}
	for cur < needed {
		if cur >= max {
			return 0
		}
		next := cur * 2
		if next > max || next <= cur {
			next = max
		}
		cur = next
	}
	if cur > max {
		cur = max
	}
	return cur
}

// OutputBuffer is a growable append-only byte buffer with a hard ceiling.
// Encode builds its output in a plain byte slice and the sandbox counts
// output with Sandbox.ChargeOutput; neither goes through this type.
type OutputBuffer struct {
	buf     []byte
	pos     int
	maxSize int
}

// NewOutputBuffer allocates a buffer that will never grow past maxSize
// bytes. maxSize of 0 means unlimited (bounded only by available memory).
func NewOutputBuffer(maxSize int) *OutputBuffer {
	return &OutputBuffer{maxSize: maxSize}
}

func (o *OutputBuffer) Free() {
	o.buf = nil
	o.pos = 0
}

func (o *OutputBuffer) Reset() {
	o.pos = 0
}

func (o *OutputBuffer) Len() int { return o.pos }

func (o *OutputBuffer) Bytes() []byte { return o.buf[:o.pos] }

// Expand ensures at least extra additional bytes of capacity are
// available past the current write position.
func (o *OutputBuffer) Expand(extra int) error {
	needed := o.pos + extra
	if o.maxSize > 0 && needed > o.maxSize {
		return ErrBufferFull
	}
	if needed <= cap(o.buf) {
		return nil
	}
	limit := o.maxSize
	if limit == 0 {
		limit = math.MaxInt32
	}
	newCap := nextCapacity(cap(o.buf), needed, limit)
	if newCap == 0 {
		return ErrBufferFull
	}
	nb := make([]byte, newCap)
	copy(nb, o.buf[:o.pos])
	o.buf = nb
	return nil
}

func (o *OutputBuffer) WriteByte(b byte) error {
	if err := o.Expand(1); err != nil {
		return err
	}
	o.buf[o.pos] = b
	o.pos++
	return nil
}

func (o *OutputBuffer) WriteBytes(p []byte) error {
	if err := o.Expand(len(p)); err != nil {
		return err
	}
	copy(o.buf[o.pos:], p)
	o.pos += len(p)
	return nil
}

func (o *OutputBuffer) WriteString(s string) error {
	return o.WriteBytes([]byte(s))
}

func (o *OutputBuffer) WriteFmt(format string, args ...interface{}) error {
	return o.WriteString(fmt.Sprintf(format, args...))
}

// WriteDouble renders a float the way a script's tostring() would: NaN and
// the infinities come out as nan/inf/-inf.
func (o *OutputBuffer) WriteDouble(d float64) error {
	switch {
	case math.IsNaN(d):
		return o.WriteString("nan")
	case math.IsInf(d, 1):
		return o.WriteString("inf")
	case math.IsInf(d, -1):
		return o.WriteString("-inf")
	}
	return o.WriteString(formatDouble(d))
}

// WriteSerializationDouble renders a float for inclusion in a preserved
// state script: the result must parse back as a numeric literal, so NaN
// and the infinities are escaped as 0/0, 1/0, -1/0.
func (o *OutputBuffer) WriteSerializationDouble(d float64) error {
	switch {
	case math.IsNaN(d):
		return o.WriteString("0/0")
	case math.IsInf(d, 1):
		return o.WriteString("1/0")
	case math.IsInf(d, -1):
		return o.WriteString("-1/0")
	}
	return o.WriteString(formatDouble(d))
}

func formatDouble(d float64) string {
	return fmt.Sprintf("%g", d)
}

// InputBuffer is a growable byte region with a monotonic write position and
// a scan position that a stream framer advances as it consumes records.
type InputBuffer struct {
	buf     []byte
	readPos int // write position: bytes [0, readPos) are live
	scanPos int // next unconsumed byte; scanPos <= readPos, never decreases
	msglen  int // cached expected message length, 0 if unknown
	maxSize int
}

// NewInputBuffer allocates a buffer that will never grow past maxSize bytes.
func NewInputBuffer(maxSize int) *InputBuffer {
	return &InputBuffer{maxSize: maxSize}
}

func (ib *InputBuffer) Free() {
	ib.buf = nil
	ib.readPos, ib.scanPos, ib.msglen = 0, 0, 0
}

func (ib *InputBuffer) Bytes() []byte { return ib.buf[:ib.readPos] }

func (ib *InputBuffer) ReadPos() int { return ib.readPos }

func (ib *InputBuffer) ScanPos() int { return ib.scanPos }

func (ib *InputBuffer) SetScanPos(p int) { ib.scanPos = p }

func (ib *InputBuffer) MsgLen() int { return ib.msglen }

func (ib *InputBuffer) SetMsgLen(n int) { ib.msglen = n }

// Expand compacts the still-live bytes [scanPos, readPos) to offset zero
// and grows the backing array so at least extra bytes past readPos are
// available.
func (ib *InputBuffer) Expand(extra int) error {
	live := ib.readPos - ib.scanPos
	if ib.scanPos > 0 {
		copy(ib.buf, ib.buf[ib.scanPos:ib.readPos])
		ib.readPos = live
		ib.scanPos = 0
	}
	needed := ib.readPos + extra
	if ib.maxSize > 0 && needed > ib.maxSize {
		return ErrBufferFull
	}
	if needed <= cap(ib.buf) {
		return nil
	}
	limit := ib.maxSize
	if limit == 0 {
		limit = math.MaxInt32
	}
	newCap := nextCapacity(cap(ib.buf), needed, limit)
	if newCap == 0 {
		return ErrBufferFull
	}
	nb := make([]byte, newCap)
	copy(nb, ib.buf[:ib.readPos])
	ib.buf = nb
	return nil
}

// Append copies p onto the end of the live region, growing as needed.
func (ib *InputBuffer) Append(p []byte) error {
	if err := ib.Expand(len(p)); err != nil {
		return err
	}
	copy(ib.buf[ib.readPos:], p)
	ib.readPos += len(p)
	return nil
}

// Reset drops all live bytes, for reuse between unrelated streams.
func (ib *InputBuffer) Reset() {
	ib.readPos, ib.scanPos, ib.msglen = 0, 0, 0
}
