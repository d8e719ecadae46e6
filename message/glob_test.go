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

func TestGlobLiteralModifier(t *testing.T) {
	g := CompileGlob("unique-item%")
	if !g.MatchString("...unique-item...") {
		t.Error("expected literal substring match")
	}
	if g.MatchString("...unique%item...") {
		t.Error("literal modifier must not treat % as a metacharacter")
	}
}

func TestGlobPatternVsLiteral(t *testing.T) {
	glob := CompileGlob("unique%-item")
	if !glob.MatchString("a unique-item b") {
		t.Error("expected glob match for escaped hyphen")
	}
	if glob.MatchString("a unique_item b") {
		t.Error("glob must not match unique_item")
	}

	lit := CompileGlob("unique-item%")
	if !lit.MatchString("a unique-item b") {
		t.Error("expected literal match")
	}
}

func TestGlobAnchors(t *testing.T) {
	cases := []struct {
		pat, s string
		want   bool
	}{
		{"^Test", "Testing", true},
		{"^Test", "not Testing", false},
		{"load$", "payload", true},
		{"load$", "loaded", false},
		{"^abc$", "abc", true},
		{"^abc$", "abcd", false},
	}
	for _, c := range cases {
		if got := CompileGlob(c.pat).MatchString(c.s); got != c.want {
			t.Errorf("pattern %q vs %q: got %v, want %v", c.pat, c.s, got, c.want)
		}
	}
}

func TestGlobClasses(t *testing.T) {
	cases := []struct {
		pat, s string
		want   bool
	}{
		{"%d+", "abc123", true},
		{"^%d+$", "abc123", false},
		{"^%d+$", "12345", true},
		{"%w+", "hello_world", true},
		{"h.llo", "hello", true},
		{"h.llo", "hllo", false},
		{"a*b", "b", true},
		{"a*b", "aaab", true},
		{"a-b", "aaab", true},
		{"colou?r", "color", true},
		{"colou?r", "colour", true},
	}
	for _, c := range cases {
		if got := CompileGlob(c.pat).MatchString(c.s); got != c.want {
			t.Errorf("pattern %q vs %q: got %v, want %v", c.pat, c.s, got, c.want)
		}
	}
}

func TestGlobSet(t *testing.T) {
	cases := []struct {
		pat, s string
		want   bool
	}{
		{"[abc]", "xbz", true},
		{"[abc]", "xyz", false},
		{"[^abc]", "xyz", true},
		{"[^abc]", "a", false},
		{"[0-9]+", "port8080", true},
	}
	for _, c := range cases {
		if got := CompileGlob(c.pat).MatchString(c.s); got != c.want {
			t.Errorf("pattern %q vs %q: got %v, want %v", c.pat, c.s, got, c.want)
		}
	}
}
