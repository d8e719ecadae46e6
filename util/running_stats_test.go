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

package util

import (
	"math"
	"testing"
)

func TestRunningStatsBasic(t *testing.T) {
	var s RunningStats
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Update(v)
	}
	if s.Count != 8 {
		t.Fatalf("count = %v, want 8", s.Count)
	}
	if math.Abs(s.Mean-5.0) > 1e-9 {
		t.Errorf("mean = %v, want 5.0", s.Mean)
	}
	if math.Abs(s.StdDev()-2.13809) > 1e-4 {
		t.Errorf("stddev = %v, want ~2.13809", s.StdDev())
	}
}

func TestRunningStatsSkipsNonFinite(t *testing.T) {
	var s RunningStats
	s.Update(1)
	s.Update(math.NaN())
	s.Update(math.Inf(1))
	s.Update(math.Inf(-1))
	s.Update(3)
	if s.Count != 2 {
		t.Fatalf("count = %v, want 2 (NaN/Inf skipped)", s.Count)
	}
	if s.Mean != 2 {
		t.Errorf("mean = %v, want 2", s.Mean)
	}
}

func TestRunningStatsSingleSample(t *testing.T) {
	var s RunningStats
	s.Update(42)
	if s.StdDev() != 0 {
		t.Errorf("stddev with one sample = %v, want 0", s.StdDev())
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uint64]uint64{
		0: 0, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 17: 32, 1024: 1024, 1025: 2048,
	}
	for in, want := range cases {
		if got := NextPowerOfTwo(in); got != want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
