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
	"bytes"
	"testing"
)

// TestDecodeMissingUuid exercises §8 scenario 1: a buffer carrying only a
// zero timestamp and no uuid tag must fail decode with "missing Uuid".
// (The tag/wire-type key for a bare timestamp of 0 is `10 00`: tag 2,
// wire type 0 (varint), value 0 — the same key the success case below
// reuses after its uuid field.)
func TestDecodeMissingUuid(t *testing.T) {
	buf := []byte{0x10, 0x00}
	_, err := Decode(buf)
	if err == nil {
		t.Fatal("expected decode failure")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != "missing Uuid" {
		t.Fatalf("got error %v, want reason %q", err, "missing Uuid")
	}
}

// TestDecodeSeverityDefault exercises §8 scenario 2: a uuid of all zero
// bytes plus a zero timestamp decodes successfully with severity
// defaulted to 7 and pid left at the unset sentinel.
func TestDecodeSeverityDefault(t *testing.T) {
	buf := append([]byte{0x0a, 0x10}, make([]byte, 16)...)
	buf = append(buf, 0x10, 0x00)
	m, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Timestamp != 0 {
		t.Errorf("timestamp = %d, want 0", m.Timestamp)
	}
	if m.Severity != SeverityDefault {
		t.Errorf("severity = %d, want %d", m.Severity, SeverityDefault)
	}
	if m.Pid != PidUnset {
		t.Errorf("pid = %d, want %d", m.Pid, PidUnset)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	buf := append([]byte{0x0a, 0x10}, make([]byte, 16)...)
	buf = append(buf, 0x10, 0x00)
	buf = append(buf, 0xf8, 0x01) // tag 31, wire 0 -- no such tag
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected decode failure for unknown tag")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := NewMessage()
	m.Timestamp = 1234567890
	m.Type = "test_type"
	m.Logger = "test_logger"
	m.Severity = 3
	m.Payload = "hello world"
	m.EnvVersion = "0.8"
	m.Pid = 42
	m.Hostname = "host.example.com"

	f1, _ := NewField("count", int64(7), "")
	f1.AddValue(int64(8))
	f2, _ := NewField("ratio", float64(3.5), "")
	f3, _ := NewField("ok", true, "")
	f4, _ := NewField("note", "a string value", "")
	m.AddField(f1)
	m.AddField(f2)
	m.AddField(f3)
	m.AddField(f4)

	encoded, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(decoded.Uuid, m.Uuid) {
		t.Error("uuid mismatch")
	}
	if decoded.Timestamp != m.Timestamp {
		t.Errorf("timestamp = %d, want %d", decoded.Timestamp, m.Timestamp)
	}
	if decoded.Type != m.Type || decoded.Logger != m.Logger || decoded.Payload != m.Payload {
		t.Error("header string mismatch")
	}
	if decoded.Severity != m.Severity || decoded.Pid != m.Pid {
		t.Error("header numeric mismatch")
	}
	if len(decoded.Fields) != 4 {
		t.Fatalf("got %d fields, want 4", len(decoded.Fields))
	}

	countField := decoded.FindFirstField("count")
	if countField == nil || countField.ValueCount() != 2 {
		t.Fatalf("count field: %+v", countField)
	}
	v0, _ := countField.fieldValue(0)
	v1, _ := countField.fieldValue(1)
	if v0.(int64) != 7 || v1.(int64) != 8 {
		t.Errorf("count values = %v, %v, want 7, 8", v0, v1)
	}
}

func TestEncodeFramedRoundTrip(t *testing.T) {
	m := NewMessage()
	m.Timestamp = 1
	m.Payload = "payload body"

	framed, err := EncodeFramed(m)
	if err != nil {
		t.Fatalf("encode framed: %v", err)
	}

	ib := NewInputBuffer(1024)
	if err := ib.Append(framed); err != nil {
		t.Fatalf("append: %v", err)
	}

	var discarded int
	decoded, _, found := FindMessage(ib, true, &discarded)
	if !found {
		t.Fatal("expected to find the framed message")
	}
	if discarded != 0 {
		t.Errorf("discarded = %d, want 0", discarded)
	}
	if decoded.Payload != m.Payload {
		t.Errorf("payload = %q, want %q", decoded.Payload, m.Payload)
	}
}
