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

package pipeline

import "fmt"

// TerminatedError reports a clean, deliberate plugin shutdown; distinct
// from the fatal error kinds below so callers can tell "asked to stop"
// from "failed".
type TerminatedError string

func (e TerminatedError) Error() string {
	return fmt.Sprintf("terminated: %s", string(e))
}

// MalformedInputError is §7's "bad varint, unknown tag, bad wire-type,
// invalid UUID length, missing required header" kind: reported to the
// logger at level 4 and surfaced as a decode-failure return; the
// framer converts one of these into a discarded-bytes charge and a
// rescan rather than stopping the stream.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: %s", e.Reason)
}

// ResourceExhaustionError is §7's "memory allocation refused by quota,
// instruction hook fired, output buffer full" kind. Inside the VM all
// three present as VM errors; the plugin shell catches them at the top
// of the invocation and records a fatal termination carrying this
// error's message.
type ResourceExhaustionError struct {
	Quota  string // "memory", "instruction", or "output"
	Reason string
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("%s_limit exceeded: %s", e.Quota, e.Reason)
}

// MisuseError is §7's "nil sandbox pointer, out-of-range enum, reentry
// during shutdown" kind: a distinct error value returned to the host
// caller, never a panic.
type MisuseError struct {
	Reason string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("misuse: %s", e.Reason)
}

// PreservationError is §7's "file open, write, or serialization
// rejection" kind. Shutdown returns one of these when preserving state
// fails (a failed write has already removed its partial temp file), and
// the checkpointing host functions return one when a checkpoint cannot
// be persisted.
type PreservationError struct {
	Reason string
}

func (e *PreservationError) Error() string {
	return fmt.Sprintf("preservation failed: %s", e.Reason)
}

// ContractViolationError is §7's "process_message returns non-numeric
// or >0" kind: terminal, the sandbox transitions to terminated and all
// further calls fail.
type ContractViolationError struct {
	Returned int
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("process_message returned %d: contract violation", e.Returned)
}

// MatcherCompileError is §7's "Matcher errors" kind: always reported as
// "failed to compile"; evaluation itself never fails once compiled
// (type mismatches short-circuit to false instead of erroring).
type MatcherCompileError struct {
	Expression string
	Reason     string
}

func (e *MatcherCompileError) Error() string {
	return fmt.Sprintf("failed to compile %q: %s", e.Expression, e.Reason)
}
