/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
#
# The Initial Developer of the Original Code is the Mozilla Foundation.
# Portions created by the Initial Developer are Copyright (C) 2012-2015
# the Initial Developer. All Rights Reserved.
#
# Contributor(s):
#   Mike Trinkala (trink@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

package sandbox

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
)

// Status mirrors the teacher's STATUS_* cgo constants, now plain Go
// values since the VM backing a Sandbox is goja rather than a C Lua
// state (SPEC_FULL.md DOMAIN STACK).
const (
	STATUS_UNKNOWN = iota
	STATUS_RUNNING
	STATUS_TERMINATED
)

// Usage selects which of a quota's three numbers Memory/Instructions
// reports, mirroring the teacher's USAGE_* constants.
const (
	USAGE_LIMIT = iota
	USAGE_CURRENT
	USAGE_MAXIMUM
)

// preservationVersionGlobal is the script-owned global the version check
// in InitWithState and RestoreGlobals is driven by. A script declares its
// own format version by assigning this global at the top level; Preserve
// stamps the dump with a `-- _PRESERVATION_VERSION N` header line holding
// whatever value was live when it was preserved, and the host compares
// that header with the later script's value before replaying the dump
// (the header is stripped, never executed). A later run's script
// declaring a different value is what produces the documented mismatch
// (§8 scenario 6: the script itself bumps this from 1 to 2).
const preservationVersionGlobal = "_PRESERVATION_VERSION"

// preservationVersionDecl matches a top-level `_PRESERVATION_VERSION =
// N` assignment (optionally `var`/`let`/`const`-prefixed) in a script's
// source text, so InitWithState can learn the incoming script's
// declared version without first executing it — symmetric with
// Preserve, which reads the same global directly off an already-running
// VM once the outgoing script has executed it.
var preservationVersionDecl = regexp.MustCompile(`(?m)^\s*(?:var\s+|let\s+|const\s+)?_PRESERVATION_VERSION\s*=\s*(-?\d+)\s*;?\s*$`)

// scriptDeclaredVersion extracts a script's own _PRESERVATION_VERSION
// declaration from its source text, if it has one.
func scriptDeclaredVersion(src string) (version int, ok bool) {
	m := preservationVersionDecl.FindStringSubmatch(src)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// vmDeclaredVersion reads _PRESERVATION_VERSION off a VM that has
// already executed a script declaring it.
func vmDeclaredVersion(vm HostVM) (version int, ok bool) {
	v, exists := vm.Global(preservationVersionGlobal)
	if !exists {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Sandbox drives a HostVM through its create/init/process*/preserve/
// destroy lifecycle (§6 "Sandbox API"), enforcing the instruction,
// memory and output quotas named in its Config and reporting the §3
// "Sandbox instance" usage triples.
type Sandbox struct {
	mu     sync.Mutex
	vm     HostVM
	role   Role
	cfg    *Config
	status int

	lastError string

	memCurrent, memMax     int64
	instrCurrent, instrMax int64
	outputCurrent          int64
}

// NewSandbox wires a freshly constructed HostVM to the given role and
// config, ready for Init.
func NewSandbox(cfg *Config, role Role, vm HostVM) *Sandbox {
	return &Sandbox{
		vm:     vm,
		role:   role,
		cfg:    cfg,
		status: STATUS_UNKNOWN,
	}
}

// Init compiles and runs src once (the `init` lifecycle step),
// installing the instruction/memory quota hooks and the role's
// capability restrictions before the script body executes, so the
// script itself never observes an unrestricted environment.
func (s *Sandbox) Init(src string) error {
	return s.InitWithState(src, nil)
}

// InitWithState is `init(sandbox, state_file_or_empty)` (§6): when
// preserved is non-nil its version-guarded state dump is replayed
// *before* src's own top-level body runs, so a script like
// `counter = (counter or 100) + 1` sees the restored value already in
// scope (§8 scenario 6). A version mismatch or malformed header falls
// back to a cold start rather than risk executing a dump of unknown
// shape, returning the fallback as a non-fatal error the caller may
// choose to ignore.
func (s *Sandbox) InitWithState(src string, preserved io.Reader) (restoreErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vm.Restrict(s.role, s.cfg); err != nil {
		s.fail(err)
		return err
	}

	s.vm.InstallInstructionHook(1, func() error {
		s.instrCurrent++
		if s.instrCurrent > s.instrMax {
			s.instrMax = s.instrCurrent
		}
		if s.cfg.InstructionLimit > 0 && uint64(s.instrCurrent) > s.cfg.InstructionLimit {
			return fmt.Errorf("instruction_limit exceeded")
		}
		return nil
	})
	s.vm.InstallAllocHook(func(delta int64) bool {
		s.memCurrent += delta
		if s.memCurrent > s.memMax {
			s.memMax = s.memCurrent
		}
		if s.cfg.MemoryLimit > 0 && s.memCurrent > 0 && uint64(s.memCurrent) > s.cfg.MemoryLimit {
			return false
		}
		return true
	})

	if preserved != nil {
		raw, err := io.ReadAll(preserved)
		if err != nil {
			restoreErr = fmt.Errorf("discarding preserved state: reading preservation dump: %w", err)
		} else {
			dumpVersion, dumpHasVersion, body := splitPreservedDump(string(raw))
			scriptVersion, scriptHasVersion := scriptDeclaredVersion(src)
			switch {
			case dumpHasVersion && scriptHasVersion && dumpVersion != scriptVersion:
				restoreErr = fmt.Errorf(
					"discarding preserved state: script declares _PRESERVATION_VERSION %d, dump was saved at %d",
					scriptVersion, dumpVersion)
			default:
				if err := s.vm.LoadScript(body); err != nil {
					restoreErr = fmt.Errorf("discarding preserved state: %w", err)
				}
			}
		}
	}

	if err := s.vm.LoadScript(src); err != nil {
		s.fail(err)
		return err
	}
	s.status = STATUS_RUNNING
	return restoreErr
}

func (s *Sandbox) fail(err error) {
	s.lastError = err.Error()
	s.status = STATUS_TERMINATED
}

// ProcessMessage invokes process_message, translating a script-level
// error or a >0/non-numeric return into the §7 ContractViolationError
// taxonomy the caller is expected to report upward; 0 is success, a
// negative return is a script-signaled "skip" (no error).
func (s *Sandbox) ProcessMessage(msgJSON []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != STATUS_RUNNING {
		return 0, fmt.Errorf("sandbox is not running")
	}

	s.instrCurrent = 0
	ret, ok, err := s.vm.CallProcessMessage(msgJSON)
	if err != nil {
		s.fail(err)
		return 0, err
	}
	if !ok {
		s.fail(fmt.Errorf("process_message is not defined"))
		return 0, s.terminatedError()
	}
	if ret > 0 {
		err := fmt.Errorf("process_message returned %d: contract violation", ret)
		s.fail(err)
		return ret, err
	}
	return ret, nil
}

// TimerEvent invokes timer_event the same way ProcessMessage invokes
// process_message, minus the integer-contract check (§6).
func (s *Sandbox) TimerEvent(nsSinceEpoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != STATUS_RUNNING {
		return fmt.Errorf("sandbox is not running")
	}
	s.instrCurrent = 0
	if err := s.vm.CallTimerEvent(nsSinceEpoch); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Sandbox) terminatedError() error {
	return fmt.Errorf("sandbox terminated: %s", s.lastError)
}

// ChargeOutput accounts for bytes a host function (inject_message,
// inject_payload, ...) is about to emit on the script's behalf,
// enforcing the output_limit quota (§4.G "Output"). Host functions run
// inside ProcessMessage/TimerEvent, which already hold s.mu, so this
// method does not take the lock itself.
func (s *Sandbox) ChargeOutput(n int) error {
	s.outputCurrent += int64(n)
	if s.cfg.OutputLimit > 0 && uint64(s.outputCurrent) > s.cfg.OutputLimit {
		err := fmt.Errorf("output_limit exceeded")
		s.fail(err)
		return err
	}
	return nil
}

// ResetOutput clears the per-invocation output counter; the pipeline
// calls this before each process_message/timer_event dispatch.
func (s *Sandbox) ResetOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputCurrent = 0
}

func (s *Sandbox) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sandbox) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Sandbox) Memory(usage int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch usage {
	case USAGE_LIMIT:
		return int64(s.cfg.MemoryLimit)
	case USAGE_MAXIMUM:
		return s.memMax
	default:
		return s.memCurrent
	}
}

func (s *Sandbox) Instructions(usage int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch usage {
	case USAGE_LIMIT:
		return int64(s.cfg.InstructionLimit)
	case USAGE_MAXIMUM:
		return s.instrMax
	default:
		return s.instrCurrent
	}
}

func (s *Sandbox) Output(usage int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch usage {
	case USAGE_LIMIT:
		return int64(s.cfg.OutputLimit)
	default:
		return s.outputCurrent
	}
}

// Destroy releases the VM's native resources. Safe to call more than
// once.
func (s *Sandbox) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vm != nil {
		s.vm.Close()
	}
	s.status = STATUS_TERMINATED
}

// Preserve writes the sandbox's global state to w, stamped with
// whatever value the running script itself has assigned to
// _PRESERVATION_VERSION (if any), so a later run can compare its own
// declared version against the dump's (§4.G "State serialization").
func (s *Sandbox) Preserve(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version, ok := vmDeclaredVersion(s.vm); ok {
		if _, err := fmt.Fprintf(w, "-- _PRESERVATION_VERSION %d\n", version); err != nil {
			return err
		}
	}
	return s.vm.SerializeGlobals(w)
}

// RestoreGlobals re-runs a previously Preserve-d state dump against the
// already-loaded script's environment, comparing the dump's embedded
// version against the version the now-running script has itself
// declared (read directly off the VM, since by this point the script
// has already executed). A mismatch is reported as an error and the
// caller falls back to a cold start, rather than risk executing a
// state dump of unknown shape; an absent version on either side applies
// the dump unconditionally.
func (s *Sandbox) RestoreGlobals(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading preservation dump: %w", err)
	}
	dumpVersion, dumpHasVersion, body := splitPreservedDump(string(raw))
	scriptVersion, scriptHasVersion := vmDeclaredVersion(s.vm)
	if dumpHasVersion && scriptHasVersion && dumpVersion != scriptVersion {
		return fmt.Errorf(
			"script declares _PRESERVATION_VERSION %d, dump was saved at %d", scriptVersion, dumpVersion)
	}
	if err := s.vm.LoadScript(body); err != nil {
		return fmt.Errorf("replaying preserved state: %w", err)
	}
	return nil
}

// splitPreservedDump peels a Preserve dump's optional version header
// off its re-executable body (§4.G "State serialization"). A dump with
// no header at all (the script never declared _PRESERVATION_VERSION)
// has hasVersion==false and body equal to the whole input.
var preservedHeaderRe = regexp.MustCompile(`^-- _PRESERVATION_VERSION (-?\d+)\n`)

func splitPreservedDump(raw string) (version int, hasVersion bool, body string) {
	m := preservedHeaderRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, false, raw
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false, raw
	}
	return v, true, raw[len(m[0]):]
}
