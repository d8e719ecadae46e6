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

import "bytes"

// FindMessage scans ib from its scan position for the next framed record
// (§4.D). When decode is true the payload is parsed with Decode and the
// result assigned to msg; otherwise raw carries the unparsed message
// bytes. discarded accumulates every byte skipped resynchronizing past
// garbage or a malformed header/payload (§8 invariant 4).
//
// It never moves scanPos backward and never loops without making
// progress: each call either advances scanPos (consuming a record or
// discarding bytes) or returns false because more data is needed.
func FindMessage(ib *InputBuffer, decode bool, discarded *int) (msg *Message, raw []byte, found bool) {
	for {
		buf := ib.Bytes()
		window := buf[ib.ScanPos():]

		sep := bytes.IndexByte(window, RECORD_SEPARATOR)
		if sep == -1 {
			// No frame start in the buffered data at all; everything
			// before (all of it) might still be garbage preceding a
			// frame that hasn't arrived yet, but we can't know until we
			// see a separator, so just wait for more bytes.
			return nil, nil, false
		}
		if sep > 0 {
			*discarded += sep
			ib.SetScanPos(ib.ScanPos() + sep)
			window = window[sep:]
		}

		if len(window) < HEADER_DELIMITER_SIZE {
			return nil, nil, false // need the header-length byte
		}
		headerLen := int(window[1])
		headerEnd := HEADER_DELIMITER_SIZE + headerLen
		if headerLen > MAX_HEADER_SIZE || len(window) < headerEnd {
			if len(window) < headerEnd && headerLen <= MAX_HEADER_SIZE {
				return nil, nil, false // need the rest of the header
			}
			// structurally invalid header length; resync by one byte
			*discarded++
			ib.SetScanPos(ib.ScanPos() + 1)
			maybeReset(ib)
			continue
		}
		if window[headerEnd-1] != UNIT_SEPARATOR {
			*discarded++
			ib.SetScanPos(ib.ScanPos() + 1)
			maybeReset(ib)
			continue
		}

		headerBytes := window[HEADER_DELIMITER_SIZE : headerEnd-1]
		msgLen, ok := decodeHeaderLength(headerBytes)
		if !ok {
			*discarded++
			ib.SetScanPos(ib.ScanPos() + 1)
			maybeReset(ib)
			continue
		}

		msgEnd := headerEnd + msgLen
		if len(window) < msgEnd {
			ib.SetMsgLen(msgLen)
			return nil, nil, false // need the rest of the payload
		}

		payload := window[headerEnd:msgEnd]
		ib.SetScanPos(ib.ScanPos() + msgEnd)
		ib.SetMsgLen(0)

		if !decode {
			maybeReset(ib)
			return nil, payload, true
		}
		m, err := Decode(payload)
		if err != nil {
			// A decode failure still only costs one byte, not the whole
			// consumed span: the 0x1E that started this attempt is
			// discarded and scanning resumes right after it, so a
			// following genuine frame isn't skipped along with the bad
			// one (§4.D).
			ib.SetScanPos(ib.ScanPos() - msgEnd + 1)
			*discarded++
			maybeReset(ib)
			continue
		}
		maybeReset(ib)
		return m, payload, true
	}
}

// decodeHeaderLength parses the header's protobuf fragment `08
// <varint message-length>` (§6).
func decodeHeaderLength(header []byte) (int, bool) {
	if len(header) == 0 {
		return 0, false
	}
	tag, wt, n, err := readKey(header)
	if err != nil || tag != 1 || wt != wireVarint {
		return 0, false
	}
	v, _, err := readVarint(header[n:])
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// maybeReset resets the buffer to offset zero once every live byte has
// been consumed, so a long-running stream doesn't grow its scan position
// without bound (§4.D).
func maybeReset(ib *InputBuffer) {
	if ib.ReadPos() == ib.ScanPos() {
		ib.Reset()
	}
}

// Frame produces the wire encoding of a raw (already-encoded) message
// body, without going through Encode/Decode: used when re-framing bytes
// a caller already has in hand (e.g. the CLI driver, §6).
func Frame(msgBytes []byte) []byte {
	header := putKey(nil, 1, wireVarint)
	header = putVarint(header, uint64(len(msgBytes)))
	out := make([]byte, 0, len(msgBytes)+len(header)+HEADER_FRAMING_SIZE)
	out = append(out, RECORD_SEPARATOR, byte(len(header)))
	out = append(out, header...)
	out = append(out, UNIT_SEPARATOR)
	out = append(out, msgBytes...)
	return out
}
