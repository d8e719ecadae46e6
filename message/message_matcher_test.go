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

import "testing"

func testMessage() *Message {
	m := NewMessage()
	m.Uuid = []byte("0123456789abcdef")
	m.Timestamp = 1000000000
	m.Type = "test"
	m.Logger = "tests"
	m.Severity = 6
	m.Payload = "name=test;type=web;"
	m.EnvVersion = "0.8"
	m.Pid = 1234
	m.Hostname = "example.com"

	f1, _ := NewField("bytes", []byte("data"), "")
	f2, _ := NewField("int", int64(999), "")
	f2.AddValue(int64(1024))
	f3, _ := NewField("double", float64(99.9), "")
	f4, _ := NewField("bool", true, "")
	f5, _ := NewField("string", "43", "")
	m.AddField(f1)
	m.AddField(f2)
	m.AddField(f3)
	m.AddField(f4)
	m.AddField(f5)
	return m
}

func TestCompileMatcherMalformed(t *testing.T) {
	malformed := []string{
		"",
		"bogus",
		"Type = 'test'",
		"Type == test",
		"Severity == NIL",
		"Uuid == NIL",
		"Type =~ 'abc'(",
		"Timestamp > NIL",
		"bool =~ 'true'",
		"Type == 'test' &&",
		"Timestamp == 'not-a-date'",
	}
	for _, expr := range malformed {
		if _, err := CompileMatcher(expr); err == nil {
			t.Errorf("expected compile failure for %q", expr)
		}
	}
}

func TestMatcherSimpleComparisons(t *testing.T) {
	m := testMessage()
	cases := []struct {
		expr string
		want bool
	}{
		{"Type == 'test'", true},
		{"Type != 'test'", false},
		{"Severity == 6", true},
		{"Severity < 7", true},
		{"Severity > 7", false},
		{"Pid == 1234", true},
		{"Logger == 'nonexistent'", false},
		{"Hostname == NIL", false},
		{"Logger == NIL", false},
		{"EnvVersion == NIL", false},
	}
	for _, c := range cases {
		ms, err := CreateMatcherSpecification(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := ms.IsMatch(m); got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestMatcherAndOr(t *testing.T) {
	m := testMessage()
	cases := []struct {
		expr string
		want bool
	}{
		{"Type == 'test' && Severity == 6", true},
		{"Type == 'test' && Severity == 5", false},
		{"Type == 'nope' || Severity == 6", true},
		{"(Type == 'nope' || Severity == 6) && Pid == 1234", true},
		{"Type == 'nope' || (Severity == 1 && Pid == 1234)", false},
	}
	for _, c := range cases {
		ms, err := CreateMatcherSpecification(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := ms.IsMatch(m); got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestMatcherPayloadGlob(t *testing.T) {
	m := testMessage()
	cases := []struct {
		expr string
		want bool
	}{
		{"Payload =~ 'name=%w+;'", true},
		{"Payload =~ '^name'", true},
		{"Payload =~ 'web;$'", true},
		{"Payload =~ 'unique-item'", false},
		{"Payload !~ 'unique-item'", true},
		{"Payload =~ 'name=test;'%", true},
		{"Payload =~ 'name=%w+;'%", false},
	}
	for _, c := range cases {
		ms, err := CreateMatcherSpecification(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := ms.IsMatch(m); got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestMatcherFields(t *testing.T) {
	m := testMessage()
	cases := []struct {
		expr string
		want bool
	}{
		{"Fields[int] == 999", true},
		{"Fields[int][0][1] == 1024", true},
		{"Fields[int] != NIL", true},
		{"Fields[missing] == NIL", true},
		{"Fields[missing] != NIL", false},
		{"Fields[bool] == TRUE", true},
		{"Fields[bool] == FALSE", false},
		{"Fields[double] > 99", true},
		{"Fields[string] == '43'", true},
	}
	for _, c := range cases {
		ms, err := CreateMatcherSpecification(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := ms.IsMatch(m); got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestMatcherTimestampRFC3339(t *testing.T) {
	m := testMessage()
	m.Timestamp = 1136214245000000000 // 2006-01-02T15:04:05Z

	ms, err := CreateMatcherSpecification("Timestamp == '2006-01-02T15:04:05Z'")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !ms.IsMatch(m) {
		t.Error("expected RFC-3339 timestamp literal to match")
	}
}
