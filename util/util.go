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

// Package util holds the small, dependency-free helpers shared by the
// sandbox and pipeline packages: power-of-two rounding, a monotonic
// clock reading, and a whole-file slurp (§4.I).
package util

import (
	"os"
	"time"
)

// NextPowerOfTwo returns the least power of two >= x, or 0 for x == 0.
// Hacker's Delight, page 48.
func NextPowerOfTwo(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

// MonotonicNow returns the current reading of a monotonic nanosecond
// clock, suitable for profiling durations (§5 "lsb_get_time"). Go's
// time.Now() already carries a monotonic reading internally; Sub()
// between two such values uses it automatically, so no special
// handling is needed beyond taking the difference in nanoseconds.
func MonotonicNow() time.Time {
	return time.Now()
}

// ElapsedNanos returns the nanoseconds elapsed since start, as measured
// by the monotonic clock reading embedded in start.
func ElapsedNanos(start time.Time) int64 {
	return time.Since(start).Nanoseconds()
}

// ReadFile slurps fn whole, returning its contents or the underlying
// I/O error. Unlike the original's lsb_read_file, a missing file is
// reported as an error rather than a nil return — idiomatic Go callers
// already expect (data, err).
func ReadFile(fn string) ([]byte, error) {
	return os.ReadFile(fn)
}
