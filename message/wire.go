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

// Package message's wire.go implements the minimal protobuf-style varint
// and tag codec the Heka record format is built on. It intentionally does
// not use a general-purpose protobuf library: the decoder in codec.go
// needs to keep the packed byte region of each field's values instead of
// materializing them, which a reflection-based Unmarshal can't do.
package message

import "errors"

const (
	wireVarint = 0
	wireFixed64 = 1
	wireLengthDelimited = 2
	wireFixed32 = 5
)

// ErrMalformedVarint is returned when a varint doesn't terminate within 10
// bytes or runs past the end of the supplied slice.
var ErrMalformedVarint = errors.New("malformed varint")

// ErrUnknownWireType is returned for any wire type other than the three the
// decoder accepts: varint, fixed64 and length-delimited. wireFixed32 is
// defined but no reader accepts it.
var ErrUnknownWireType = errors.New("unknown wire type")

// readVarint reads a little-endian base-128 varint starting at p[0],
// returning the value and the index just past its last byte.
func readVarint(p []byte) (val uint64, next int, err error) {
	var shift uint
	for i := 0; i < len(p) && i < 10; i++ {
		b := p[i]
		val |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return val, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedVarint
}

// putVarint appends v to dst in varint encoding.
func putVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func varintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// readKey decodes a protobuf field key: tag = key >> 3, wireType = key & 7.
func readKey(p []byte) (tag int, wireType int, next int, err error) {
	v, n, err := readVarint(p)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(v >> 3), int(v & 7), n, nil
}

func putKey(dst []byte, tag, wireType int) []byte {
	return putVarint(dst, uint64(tag)<<3|uint64(wireType))
}

// updateFieldLength rewrites the single placeholder byte at pos (written
// as 0 before the length-delimited content was known) with the real
// varint-encoded length of buf[pos+1:], shifting everything after it if
// the real varint needs more than one byte.
func updateFieldLength(buf []byte, pos int) []byte {
	length := len(buf) - pos - 1
	need := varintLen(uint64(length))
	if need == 1 {
		buf[pos] = byte(length)
		return buf
	}
	encoded := putVarint(nil, uint64(length))
	out := make([]byte, 0, len(buf)+need-1)
	out = append(out, buf[:pos]...)
	out = append(out, encoded...)
	out = append(out, buf[pos+1:]...)
	return out
}
