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

package sandbox

import "io"

// HostVM is the trait a hosted scripting VM backend must satisfy
// (Design Note §9: "Any modern embeddable VM ... can back this
// trait"). sandbox.Sandbox drives a HostVM; it never depends on a
// concrete VM implementation directly.
type HostVM interface {
	// LoadScript compiles and runs src once (the sandbox's `init`
	// step). A load-time panic must be caught and returned as an error,
	// never propagated as a Go panic (§4.G "panic isolation").
	LoadScript(src string) error

	// CallProcessMessage invokes the script's process_message entry
	// point, if the script defines one. ret is the integer the script
	// returned and ok reports whether process_message is defined. A
	// non-numeric return comes back as err; the >0 contract violation
	// (§7) is checked by the caller, not here.
	CallProcessMessage(msgJSON []byte) (ret int, ok bool, err error)

	// CallTimerEvent invokes the script's timer_event entry point, if
	// defined, with the current time in nanoseconds.
	CallTimerEvent(nsSinceEpoch int64) (err error)

	// InstallInstructionHook arms the instruction quota: every
	// chunkSize bytecode operations, hook is invoked; a non-nil return
	// forces the VM to raise a nonrecoverable error (§4.G "Instructions").
	InstallInstructionHook(chunkSize int64, hook func() error)

	// InstallAllocHook arms the memory quota: every allocate/realloc
	// the VM's runtime performs is reported here before it is allowed
	// to proceed; returning false forces the allocation to fail
	// (§4.G "Memory").
	InstallAllocHook(hook func(requestedDelta int64) (allow bool))

	// MemoryUsage reports the VM's currently tracked allocation total
	// under the installed alloc hook's accounting.
	MemoryUsage() int64

	// InstructionsUsed reports the bytecode operation count consumed
	// by the most recent top-level invocation.
	InstructionsUsed() int64

	// Restrict applies a per-role capability deny-list (§4.G.1-3) to
	// the VM's global library surface.
	Restrict(role Role, cfg *Config) error

	// SerializeGlobals walks the VM's global environment, writing a
	// script that reconstructs every preserved value when executed
	// (§4.G "State serialization").
	SerializeGlobals(w io.Writer) error

	// Global gets/sets a named top-level binding, used by the plugin
	// shell to expose host functions (read_message, inject_message,
	// ...) and by serialize/restore to round-trip preserved state.
	SetGlobal(name string, value interface{}) error
	Global(name string) (interface{}, bool)

	// Close releases any VM-native resources. Idempotent.
	Close()
}
