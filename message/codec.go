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
	"encoding/binary"
	"fmt"
	"math"
)

// Decode parses buf as a flat Heka protobuf message (§4.C). Unknown tags
// are rejected, not skipped; a missing or mis-sized uuid or a missing
// timestamp is a hard failure (§3 invariants, §8 scenario 1).
func Decode(buf []byte) (*Message, error) {
	m := &Message{Pid: PidUnset}
	var haveUuid, haveTimestamp bool
	p := 0
	for p < len(buf) {
		tag, wireType, n, err := readKey(buf[p:])
		if err != nil {
			return nil, &DecodeError{Offset: p, Reason: "malformed key"}
		}
		keyStart := p
		p += n

		switch tag {
		case tagUuid:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed uuid"}
			}
			if len(v) != UUID_SIZE {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "uuid must be 16 bytes"}
			}
			m.Uuid = v
			haveUuid = true
			p = next

		case tagTimestamp:
			v, next, err := readVarintField(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed timestamp"}
			}
			m.Timestamp = int64(v)
			haveTimestamp = true
			p = next

		case tagType:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed type"}
			}
			m.Type = string(v)
			p = next

		case tagLogger:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed logger"}
			}
			m.Logger = string(v)
			p = next

		case tagSeverity:
			v, next, err := readVarintField(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed severity"}
			}
			m.Severity = int32(v)
			p = next

		case tagPayload:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed payload"}
			}
			m.Payload = string(v)
			p = next

		case tagEnvVersion:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed env_version"}
			}
			m.EnvVersion = string(v)
			p = next

		case tagPid:
			v, next, err := readVarintField(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed pid"}
			}
			m.Pid = int32(v)
			p = next

		case tagHostname:
			v, next, err := readLengthDelimited(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "malformed hostname"}
			}
			m.Hostname = string(v)
			p = next

		case tagFields:
			f, next, err := decodeField(buf, p, wireType)
			if err != nil {
				return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: err.Error()}
			}
			m.AddField(f)
			p = next

		default:
			return nil, &DecodeError{Offset: keyStart, Tag: tag, WireType: wireType, Reason: "unknown tag"}
		}
	}

	if !haveUuid {
		return nil, &DecodeError{Reason: "missing Uuid"}
	}
	if !haveTimestamp {
		return nil, &DecodeError{Reason: "missing Timestamp"}
	}
	if m.Severity == 0 {
		m.Severity = SeverityDefault
	}
	m.raw = buf
	return m, nil
}

func readLengthDelimited(buf []byte, pos int, wireType int) (val []byte, next int, err error) {
	if wireType != wireLengthDelimited {
		return nil, 0, ErrUnknownWireType
	}
	length, n, err := readVarint(buf[pos:])
	if err != nil {
		return nil, 0, err
	}
	start := pos + n
	end := start + int(length)
	if end > len(buf) {
		return nil, 0, ErrMalformedVarint
	}
	return buf[start:end], end, nil
}

func readVarintField(buf []byte, pos int, wireType int) (val uint64, next int, err error) {
	if wireType != wireVarint {
		return 0, 0, ErrUnknownWireType
	}
	v, n, err := readVarint(buf[pos:])
	if err != nil {
		return 0, 0, err
	}
	return v, pos + n, nil
}

// decodeField parses one nested Field record (its own length-delimited
// group). Per §4.C, value tags must appear in ascending tag order; the
// decoder keeps only the outer byte region of the packed values (raw),
// not the parsed values themselves.
func decodeField(buf []byte, pos int, wireType int) (*Field, int, error) {
	if wireType != wireLengthDelimited {
		return nil, 0, ErrUnknownWireType
	}
	length, n, err := readVarint(buf[pos:])
	if err != nil {
		return nil, 0, err
	}
	start := pos + n
	end := start + int(length)
	if end > len(buf) {
		return nil, 0, ErrMalformedVarint
	}

	f := &Field{}
	var haveName, valueTypeSet, rawStart bool
	p := start
	for p < end {
		tag, wt, nn, err := readKey(buf[p:])
		if err != nil {
			return nil, 0, fmt.Errorf("malformed field key")
		}
		tagStart := p
		p += nn

		switch tag {
		case fieldTagName:
			v, next, err := readLengthDelimited(buf, p, wt)
			if err != nil {
				return nil, 0, fmt.Errorf("malformed field name")
			}
			f.Name = string(v)
			haveName = true
			p = next

		case fieldTagValueType:
			v, next, err := readVarintField(buf, p, wt)
			if err != nil {
				return nil, 0, fmt.Errorf("malformed field value_type")
			}
			f.ValueType = ValueType(v)
			valueTypeSet = true
			p = next

		case fieldTagRepresentation:
			v, next, err := readLengthDelimited(buf, p, wt)
			if err != nil {
				return nil, 0, fmt.Errorf("malformed field representation")
			}
			f.Representation = string(v)
			p = next

		case fieldTagValueString, fieldTagValueBytes, fieldTagValueInteger,
			fieldTagValueDouble, fieldTagValueBool:
			if !valueTypeSet {
				switch tag {
				case fieldTagValueString:
					f.ValueType = ValueString
				case fieldTagValueBytes:
					f.ValueType = ValueBytes
				case fieldTagValueInteger:
					f.ValueType = ValueInteger
				case fieldTagValueDouble:
					f.ValueType = ValueDouble
				case fieldTagValueBool:
					f.ValueType = ValueBool
				}
			}
			if !rawStart {
				f.raw = buf[tagStart:end]
				rawStart = true
			}
			// Skip over this value entry without materializing it; the
			// whole packed region from here to `end` was already captured
			// above and is re-walked lazily by decodeFieldValues.
			switch wt {
			case wireVarint:
				_, nvi, err := readVarint(buf[p:])
				if err != nil {
					return nil, 0, fmt.Errorf("malformed value")
				}
				p += nvi
			case wireFixed64:
				if p+8 > end {
					return nil, 0, fmt.Errorf("truncated fixed64 value")
				}
				p += 8
			case wireLengthDelimited:
				vlen, nvi, err := readVarint(buf[p:])
				if err != nil {
					return nil, 0, fmt.Errorf("malformed packed value length")
				}
				p += nvi + int(vlen)
			default:
				return nil, 0, ErrUnknownWireType
			}

		default:
			return nil, 0, fmt.Errorf("unknown field tag %d", tag)
		}
	}
	if !haveName {
		return nil, 0, fmt.Errorf("field missing name")
	}
	return f, end, nil
}

// decodeFieldValues walks a field's zero-copy packed byte region and
// parses every value it contains, in order. Called on demand by
// Field.fieldValue / ValueCount, never eagerly at decode time.
func decodeFieldValues(raw []byte, vt ValueType) ([]interface{}, error) {
	var out []interface{}
	p := 0
	for p < len(raw) {
		_, wt, n, err := readKey(raw[p:])
		if err != nil {
			return out, err
		}
		p += n
		switch vt {
		case ValueString, ValueBytes:
			if wt != wireLengthDelimited {
				return out, ErrUnknownWireType
			}
			length, nn, err := readVarint(raw[p:])
			if err != nil {
				return out, err
			}
			p += nn
			end := p + int(length)
			if end > len(raw) {
				return out, ErrMalformedVarint
			}
			if vt == ValueString {
				out = append(out, string(raw[p:end]))
			} else {
				out = append(out, append([]byte(nil), raw[p:end]...))
			}
			p = end

		case ValueInteger, ValueBool:
			switch wt {
			case wireVarint:
				v, nn, err := readVarint(raw[p:])
				if err != nil {
					return out, err
				}
				p += nn
				if vt == ValueBool {
					out = append(out, v != 0)
				} else {
					out = append(out, int64(v))
				}
			case wireLengthDelimited:
				length, nn, err := readVarint(raw[p:])
				if err != nil {
					return out, err
				}
				p += nn
				sub := raw[p : p+int(length)]
				p += int(length)
				sp := 0
				for sp < len(sub) {
					v, nn, err := readVarint(sub[sp:])
					if err != nil {
						return out, err
					}
					sp += nn
					if vt == ValueBool {
						out = append(out, v != 0)
					} else {
						out = append(out, int64(v))
					}
				}
			default:
				return out, ErrUnknownWireType
			}

		case ValueDouble:
			switch wt {
			case wireFixed64:
				if p+8 > len(raw) {
					return out, ErrMalformedVarint
				}
				bits := binary.LittleEndian.Uint64(raw[p : p+8])
				out = append(out, math.Float64frombits(bits))
				p += 8
			case wireLengthDelimited:
				length, nn, err := readVarint(raw[p:])
				if err != nil {
					return out, err
				}
				p += nn
				if int(length)%8 != 0 {
					return out, ErrMalformedVarint
				}
				sub := raw[p : p+int(length)]
				p += int(length)
				for sp := 0; sp+8 <= len(sub); sp += 8 {
					bits := binary.LittleEndian.Uint64(sub[sp : sp+8])
					out = append(out, math.Float64frombits(bits))
				}
			default:
				return out, ErrUnknownWireType
			}
		}
	}
	return out, nil
}

// Encode emits m as a flat Heka protobuf message (§4.C). Unlike Decode,
// Encode does not enforce required-field defaults; call EnsureRequired
// first if m may be missing Uuid/Timestamp.
func Encode(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	buf = putKey(buf, tagUuid, wireLengthDelimited)
	buf = putVarint(buf, uint64(len(m.Uuid)))
	buf = append(buf, m.Uuid...)

	buf = putKey(buf, tagTimestamp, wireVarint)
	buf = putVarint(buf, uint64(m.Timestamp))

	if m.Type != "" {
		buf = appendString(buf, tagType, m.Type)
	}
	if m.Logger != "" {
		buf = appendString(buf, tagLogger, m.Logger)
	}
	if m.Severity != 0 {
		buf = putKey(buf, tagSeverity, wireVarint)
		buf = putVarint(buf, uint64(uint32(m.Severity)))
	}
	if m.Payload != "" {
		buf = appendString(buf, tagPayload, m.Payload)
	}
	if m.EnvVersion != "" {
		buf = appendString(buf, tagEnvVersion, m.EnvVersion)
	}
	if m.Pid != 0 {
		buf = putKey(buf, tagPid, wireVarint)
		buf = putVarint(buf, uint64(uint32(m.Pid)))
	}
	if m.Hostname != "" {
		buf = appendString(buf, tagHostname, m.Hostname)
	}

	for _, f := range m.Fields {
		fb, err := encodeField(f)
		if err != nil {
			return nil, err
		}
		buf = putKey(buf, tagFields, wireLengthDelimited)
		buf = putVarint(buf, uint64(len(fb)))
		buf = append(buf, fb...)
	}

	return buf, nil
}

func appendString(buf []byte, tag int, s string) []byte {
	buf = putKey(buf, tag, wireLengthDelimited)
	buf = putVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func encodeField(f *Field) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = appendString(buf, fieldTagName, f.Name)
	buf = putKey(buf, fieldTagValueType, wireVarint)
	buf = putVarint(buf, uint64(f.ValueType))
	if f.Representation != "" {
		buf = appendString(buf, fieldTagRepresentation, f.Representation)
	}

	n := f.ValueCount()
	switch f.ValueType {
	case ValueString:
		for i := 0; i < n; i++ {
			v, _ := f.fieldValue(i)
			buf = appendString(buf, fieldTagValueString, v.(string))
		}
	case ValueBytes:
		for i := 0; i < n; i++ {
			v, _ := f.fieldValue(i)
			b := v.([]byte)
			buf = putKey(buf, fieldTagValueBytes, wireLengthDelimited)
			buf = putVarint(buf, uint64(len(b)))
			buf = append(buf, b...)
		}
	case ValueInteger:
		if n == 1 {
			v, _ := f.fieldValue(0)
			buf = putKey(buf, fieldTagValueInteger, wireVarint)
			buf = putVarint(buf, uint64(v.(int64)))
		} else if n > 1 {
			buf = putKey(buf, fieldTagValueInteger, wireLengthDelimited)
			lenPos := len(buf)
			buf = append(buf, 0)
			for i := 0; i < n; i++ {
				v, _ := f.fieldValue(i)
				buf = putVarint(buf, uint64(v.(int64)))
			}
			buf = updateFieldLength(buf, lenPos)
		}
	case ValueDouble:
		for i := 0; i < n; i++ {
			v, _ := f.fieldValue(i)
			buf = putKey(buf, fieldTagValueDouble, wireFixed64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.(float64)))
			buf = append(buf, b[:]...)
		}
	case ValueBool:
		for i := 0; i < n; i++ {
			v, _ := f.fieldValue(i)
			buf = putKey(buf, fieldTagValueBool, wireVarint)
			bv := uint64(0)
			if v.(bool) {
				bv = 1
			}
			buf = putVarint(buf, bv)
		}
	default:
		return nil, fmt.Errorf("field %q: unknown value type %d", f.Name, f.ValueType)
	}
	return buf, nil
}

// EncodeFramed wraps Encode's output in the §6 stream-framer header:
// 0x1E, header-length byte, header bytes (a protobuf fragment `08
// <varint message-length>`), 0x1F, then the message bytes.
func EncodeFramed(m *Message) ([]byte, error) {
	msgBytes, err := Encode(m)
	if err != nil {
		return nil, err
	}
	header := putKey(nil, 1, wireVarint)
	header = putVarint(header, uint64(len(msgBytes)))

	out := make([]byte, 0, len(msgBytes)+len(header)+HEADER_FRAMING_SIZE)
	out = append(out, RECORD_SEPARATOR, byte(len(header)))
	out = append(out, header...)
	out = append(out, UNIT_SEPARATOR)
	out = append(out, msgBytes...)
	return out, nil
}
