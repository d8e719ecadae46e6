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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pborman/uuid"
)

// Wire constants (§6 External interfaces / §4.C tag table).
const (
	UUID_SIZE             = 16
	RECORD_SEPARATOR byte = 0x1E
	UNIT_SEPARATOR   byte = 0x1F
	HEADER_DELIMITER_SIZE = 2 // RECORD_SEPARATOR + header-length byte
	HEADER_FRAMING_SIZE   = 3 // + UNIT_SEPARATOR
	MAX_RECORD_SIZE       = 1024 * 1024 * 64
	MAX_HEADER_SIZE       = 255

	SeverityDefault = 7
	// PidUnset is the sentinel `pid` value used when a decoded message
	// carries no `pid` header (§8 scenario 2).
	PidUnset = math.MinInt32
)

const (
	tagUuid = iota + 1
	tagTimestamp
	tagType
	tagLogger
	tagSeverity
	tagPayload
	tagEnvVersion
	tagPid
	tagHostname
	tagFields
)

const (
	fieldTagName = iota + 1
	fieldTagValueType
	fieldTagRepresentation
	fieldTagValueString
	fieldTagValueBytes
	fieldTagValueInteger
	fieldTagValueDouble
	fieldTagValueBool
)

// ValueType identifies a Field's declared element type (§3 "Field").
type ValueType int

const (
	ValueString ValueType = iota
	ValueBytes
	ValueInteger
	ValueDouble
	ValueBool
)

func (v ValueType) String() string {
	switch v {
	case ValueString:
		return "string"
	case ValueBytes:
		return "bytes"
	case ValueInteger:
		return "integer"
	case ValueDouble:
		return "double"
	case ValueBool:
		return "bool"
	}
	return "unknown"
}

// DecodeError carries a precise offset/tag/wire-type diagnostic for
// malformed input (§7 "Malformed input").
type DecodeError struct {
	Offset   int
	Tag      int
	WireType int
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d (tag %d, wire type %d): %s",
		e.Offset, e.Tag, e.WireType, e.Reason)
}

// Field is a named, typed value or homogeneous array of values. Decoded
// fields keep the zero-copy packed byte region of their values (raw) and
// parse on demand; fields built by the host (NewField/AddValue) keep
// materialized typed slices instead.
type Field struct {
	Name           string
	ValueType      ValueType
	Representation string

	raw []byte // zero-copy packed region, set only for wire-decoded fields

	strs  []string
	bins  [][]byte
	ints  []int64
	dbls  []float64
	bools []bool
}

// NewField creates a single-value field, inferring ValueType from the Go
// type of value (string is the default for strings, double the default
// for numbers, matching §4.C).
func NewField(name string, value interface{}, representation string) (*Field, error) {
	f := &Field{Name: name, Representation: representation}
	switch v := value.(type) {
	case string:
		f.ValueType = ValueString
		f.strs = []string{v}
	case []byte:
		f.ValueType = ValueBytes
		f.bins = [][]byte{v}
	case bool:
		f.ValueType = ValueBool
		f.bools = []bool{v}
	case int:
		f.ValueType = ValueInteger
		f.ints = []int64{int64(v)}
	case int64:
		f.ValueType = ValueInteger
		f.ints = []int64{v}
	case float64:
		f.ValueType = ValueDouble
		f.dbls = []float64{v}
	default:
		return nil, fmt.Errorf("unsupported field value type %T", value)
	}
	return f, nil
}

// NewFieldWithType creates an empty field of an explicitly declared type,
// to be populated with AddValue (the array-of-records encode form, §4.C).
func NewFieldWithType(name string, vt ValueType, representation string) *Field {
	return &Field{Name: name, ValueType: vt, Representation: representation}
}

// AddValue appends another value to the field. Arrays require a
// homogeneous element type (§4.C).
func (f *Field) AddValue(value interface{}) error {
	switch v := value.(type) {
	case string:
		if f.ValueType != ValueString {
			return fmt.Errorf("field %q: cannot add string to %s array", f.Name, f.ValueType)
		}
		f.strs = append(f.strs, v)
	case []byte:
		if f.ValueType != ValueBytes {
			return fmt.Errorf("field %q: cannot add bytes to %s array", f.Name, f.ValueType)
		}
		f.bins = append(f.bins, v)
	case bool:
		if f.ValueType != ValueBool {
			return fmt.Errorf("field %q: cannot add bool to %s array", f.Name, f.ValueType)
		}
		f.bools = append(f.bools, v)
	case int:
		return f.AddValue(int64(v))
	case int64:
		if f.ValueType != ValueInteger {
			return fmt.Errorf("field %q: cannot add integer to %s array", f.Name, f.ValueType)
		}
		f.ints = append(f.ints, v)
	case float64:
		if f.ValueType != ValueDouble {
			return fmt.Errorf("field %q: cannot add double to %s array", f.Name, f.ValueType)
		}
		f.dbls = append(f.dbls, v)
	default:
		return fmt.Errorf("unsupported field value type %T", value)
	}
	return nil
}

// ValueCount returns how many values this field carries. For a decoded
// field it re-walks the zero-copy raw region on every call; nothing is
// cached.
func (f *Field) ValueCount() int {
	if f.raw != nil {
		vals, _ := decodeFieldValues(f.raw, f.ValueType)
		return len(vals)
	}
	switch f.ValueType {
	case ValueString:
		return len(f.strs)
	case ValueBytes:
		return len(f.bins)
	case ValueInteger:
		return len(f.ints)
	case ValueDouble:
		return len(f.dbls)
	case ValueBool:
		return len(f.bools)
	}
	return 0
}

// fieldValue is the parsed (or materialized) value at a given index,
// boxed so callers can type-switch.
func (f *Field) fieldValue(i int) (interface{}, bool) {
	if f.raw != nil {
		vals, err := decodeFieldValues(f.raw, f.ValueType)
		if err != nil || i < 0 || i >= len(vals) {
			return nil, false
		}
		return vals[i], true
	}
	switch f.ValueType {
	case ValueString:
		if i < 0 || i >= len(f.strs) {
			return nil, false
		}
		return f.strs[i], true
	case ValueBytes:
		if i < 0 || i >= len(f.bins) {
			return nil, false
		}
		return f.bins[i], true
	case ValueInteger:
		if i < 0 || i >= len(f.ints) {
			return nil, false
		}
		return f.ints[i], true
	case ValueDouble:
		if i < 0 || i >= len(f.dbls) {
			return nil, false
		}
		return f.dbls[i], true
	case ValueBool:
		if i < 0 || i >= len(f.bools) {
			return nil, false
		}
		return f.bools[i], true
	}
	return nil, false
}

// Message is the in-memory Heka record model (§3).
type Message struct {
	Uuid        []byte
	Timestamp   int64
	Type        string
	Logger      string
	Severity    int32
	Payload     string
	EnvVersion  string
	Pid         int32
	Hostname    string
	Fields      []*Field

	raw []byte // the original byte slice this message was decoded from
}

// NewMessage returns a Message with the spec-mandated defaults applied:
// severity 7, pid unset, and a fresh v4 Uuid.
func NewMessage() *Message {
	return &Message{
		Uuid:     uuid.NewRandom(),
		Severity: SeverityDefault,
		Pid:      PidUnset,
	}
}

// Raw returns the original encoded bytes this message was decoded from,
// or nil if the message was constructed in memory.
func (m *Message) Raw() []byte { return m.raw }

// UuidString renders Uuid in canonical 36-byte dashed hex form.
func (m *Message) UuidString() string {
	if len(m.Uuid) != UUID_SIZE {
		return ""
	}
	return uuid.UUID(m.Uuid).String()
}

// AddField appends a field, preserving insertion order; duplicate names
// are permitted (§3).
func (m *Message) AddField(f *Field) {
	m.Fields = append(m.Fields, f)
}

// FindFirstField returns the first field with the given name, or nil.
func (m *Message) FindFirstField(name string) *Field {
	for _, f := range m.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FindAllFields returns every field occurrence sharing name, in order.
func (m *Message) FindAllFields(name string) []*Field {
	var out []*Field
	for _, f := range m.Fields {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out
}

// ReadValue is the result of reading a single field value by name,
// field-index and array-index (§4.C "Field reader").
type ReadValue struct {
	Kind    ReadKind
	String  string
	Numeric float64
	Bool    bool
}

type ReadKind int

const (
	ReadNil ReadKind = iota
	ReadString
	ReadNumeric
	ReadBool
)

// ReadField implements `read_field(message, name, field_index, array_index)`
// (§4.C). Out-of-range indices return ReadNil. Integer and bool values are
// promoted to the numeric/bool variant; bytes and string share the string
// variant (they're distinguished only at encode time).
func ReadField(m *Message, name string, fieldIndex, arrayIndex int) ReadValue {
	fields := m.FindAllFields(name)
	if fieldIndex < 0 || fieldIndex >= len(fields) {
		return ReadValue{Kind: ReadNil}
	}
	f := fields[fieldIndex]
	v, ok := f.fieldValue(arrayIndex)
	if !ok {
		return ReadValue{Kind: ReadNil}
	}
	switch val := v.(type) {
	case string:
		return ReadValue{Kind: ReadString, String: val}
	case []byte:
		return ReadValue{Kind: ReadString, String: string(val)}
	case int64:
		return ReadValue{Kind: ReadNumeric, Numeric: float64(val)}
	case float64:
		return ReadValue{Kind: ReadNumeric, Numeric: val}
	case bool:
		return ReadValue{Kind: ReadBool, Bool: val}
	}
	return ReadValue{Kind: ReadNil}
}

// Copy deep-copies msg's headers and fields into a freshly allocated
// Message, used wherever a decoded Message (which borrows from its raw
// slice) must outlive that slice.
func (m *Message) Copy() *Message {
	dst := &Message{
		Uuid:       append([]byte(nil), m.Uuid...),
		Timestamp:  m.Timestamp,
		Type:       m.Type,
		Logger:     m.Logger,
		Severity:   m.Severity,
		Payload:    m.Payload,
		EnvVersion: m.EnvVersion,
		Pid:        m.Pid,
		Hostname:   m.Hostname,
	}
	for _, f := range m.Fields {
		nf := &Field{Name: f.Name, ValueType: f.ValueType, Representation: f.Representation}
		n := f.ValueCount()
		for i := 0; i < n; i++ {
			v, _ := f.fieldValue(i)
			if i == 0 {
				switch vv := v.(type) {
				case string:
					nf.strs = []string{vv}
				case []byte:
					nf.bins = [][]byte{append([]byte(nil), vv...)}
				case int64:
					nf.ints = []int64{vv}
				case float64:
					nf.dbls = []float64{vv}
				case bool:
					nf.bools = []bool{vv}
				}
			} else {
				_ = nf.AddValue(v)
			}
		}
		dst.AddField(nf)
	}
	return dst
}

// EnsureRequired fills in the required headers a decoder would otherwise
// reject: a fresh v4 Uuid if missing or malformed, and wall-clock
// nanoseconds if Timestamp is unset. Used by the table-driven encoder
// path (sandbox host functions), not by the wire Decode path, which
// rejects rather than defaults.
func (m *Message) EnsureRequired() {
	if len(m.Uuid) != UUID_SIZE {
		if len(m.Uuid) == len(uuidStringPlaceholder) {
			if parsed := uuid.Parse(string(m.Uuid)); parsed != nil {
				m.Uuid = []byte(parsed)
			} else {
				m.Uuid = uuid.NewRandom()
			}
		} else {
			m.Uuid = uuid.NewRandom()
		}
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixNano()
	}
	if m.Severity == 0 {
		m.Severity = SeverityDefault
	}
	if m.Pid == 0 {
		m.Pid = PidUnset
	}
}

var uuidStringPlaceholder = strings.Repeat("x", 36)

// ApplyPluginDefaults fills Logger/Hostname from the owning plugin's
// configured defaults when the message doesn't already specify them
// (§4.C).
func (m *Message) ApplyPluginDefaults(logger, hostname string) {
	if m.Logger == "" {
		m.Logger = logger
	}
	if m.Hostname == "" {
		m.Hostname = hostname
	}
}
