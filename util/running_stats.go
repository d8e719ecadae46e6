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

import "math"

// RunningStats accumulates count, mean and the running sum of squared
// deviations using Welford's one-pass algorithm (§4.I, §4.H
// "Statistics"). Non-finite samples (NaN, ±Inf) are skipped rather than
// poisoning the running mean.
type RunningStats struct {
	Count float64
	Mean  float64
	sum   float64 // sum of squared deviations from the mean
}

// Update folds d into the running statistics. NaN and ±Inf are ignored.
func (s *RunningStats) Update(d float64) {
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return
	}
	oldMean := s.Mean
	s.Count++
	if s.Count == 1 {
		s.Mean = d
		return
	}
	s.Mean = oldMean + (d-oldMean)/s.Count
	s.sum = s.sum + (d-oldMean)*(d-s.Mean)
}

// StdDev returns the sample standard deviation accumulated so far, or 0
// until at least two samples have been seen.
func (s *RunningStats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	return math.Sqrt(s.sum / (s.Count - 1))
}

// Reset zeros the accumulator for reuse.
func (s *RunningStats) Reset() {
	s.Count, s.Mean, s.sum = 0, 0, 0
}
