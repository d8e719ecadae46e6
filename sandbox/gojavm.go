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

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// gojaVM is the HostVM implementation backed by github.com/dop251/goja
// (DOMAIN STACK, SPEC_FULL.md §4). goja exposes no per-opcode
// instruction hook and no allocation hook in its public API, so both
// quota dimensions are approximated rather than exactly reproduced; see
// InstallInstructionHook and InstallAllocHook below for the concrete
// approximation and its documented limits.
type gojaVM struct {
	rt *goja.Runtime

	instrChunk   int64
	instrHook    func() error
	instrUsed    int64
	instrStopped int32 // atomic: set once the interrupt fires, to avoid re-arming

	allocHook  func(delta int64) bool
	memCurrent int64

	deniedOS, deniedString *goja.Object
}

// NewGojaVM constructs a fresh runtime with no script loaded yet.
func NewGojaVM() HostVM {
	return &gojaVM{rt: goja.New()}
}

func (v *gojaVM) LoadScript(src string) (err error) {
	defer func() {
		// §4.G "panic isolation": a panic during script load (goja
		// panics with *goja.Exception, InterruptedError, or a Go-level
		// panic from a host-provided function) terminates the sandbox
		// cleanly with a diagnostic, never a process abort.
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during script load: %v", r)
		}
	}()
	_, err = v.rt.RunString(src)
	return err
}

func (v *gojaVM) CallProcessMessage(msgJSON []byte) (ret int, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in process_message: %v", r)
		}
	}()

	fnVal := v.rt.Get("process_message")
	if goja.IsUndefined(fnVal) || goja.IsNull(fnVal) {
		return 0, false, nil
	}
	fn, callable := goja.AssertFunction(fnVal)
	if !callable {
		return 0, false, fmt.Errorf("process_message is not a function")
	}

	v.armInstructionHook()
	defer v.disarmInstructionHook()

	arg := v.rt.ToValue(string(msgJSON))
	result, callErr := fn(goja.Undefined(), arg)
	if callErr != nil {
		return 0, true, translateVMError(callErr)
	}
	n, convErr := valueToInt(v.rt, result)
	if convErr != nil {
		return 0, true, fmt.Errorf("process_message returned non-numeric value")
	}
	return n, true, nil
}

func (v *gojaVM) CallTimerEvent(nsSinceEpoch int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in timer_event: %v", r)
		}
	}()

	fnVal := v.rt.Get("timer_event")
	if goja.IsUndefined(fnVal) || goja.IsNull(fnVal) {
		return nil
	}
	fn, callable := goja.AssertFunction(fnVal)
	if !callable {
		return fmt.Errorf("timer_event is not a function")
	}

	v.armInstructionHook()
	defer v.disarmInstructionHook()

	_, callErr := fn(goja.Undefined(), v.rt.ToValue(nsSinceEpoch))
	if callErr != nil {
		return translateVMError(callErr)
	}
	return nil
}

// InstallInstructionHook arms the instruction quota (§4.G "Instructions").
// goja has no public per-opcode counting hook, so this is approximated
// with a background ticker that calls hook() once per millisecond of
// wall-clock time while a call runs (chunkSize only has to be positive
// to enable it; it does not set the rate) and forces an interrupt on a
// non-nil return. §5 explicitly
// licenses this: "the instruction limit is the proxy for wall-clock
// bounds" at the sandbox level.
//
// TODO: if a future goja release exposes Runtime.SetInstructionLimit or
// an equivalent per-opcode callback, switch to it for exact accounting
// instead of this wall-clock stand-in.
func (v *gojaVM) InstallInstructionHook(chunkSize int64, hook func() error) {
	v.instrChunk = chunkSize
	v.instrHook = hook
}

func (v *gojaVM) armInstructionHook() {
	if v.instrHook == nil || v.instrChunk <= 0 {
		return
	}
	atomic.StoreInt32(&v.instrStopped, 0)
	atomic.StoreInt64(&v.instrUsed, 0)
	go func(rt *goja.Runtime, hook func() error, stopped *int32) {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for range tick.C {
			if atomic.LoadInt32(stopped) != 0 {
				return
			}
			atomic.AddInt64(&v.instrUsed, 1)
			if err := hook(); err != nil {
				rt.Interrupt(err)
				return
			}
		}
	}(v.rt, v.instrHook, &v.instrStopped)
}

func (v *gojaVM) disarmInstructionHook() {
	atomic.StoreInt32(&v.instrStopped, 1)
}

// InstallAllocHook arms the memory quota (§4.G "Memory"). goja doesn't
// expose an allocator hook either: real per-allocation accounting would
// require instrumenting the V8-style value representation goja uses
// internally. The hook only sees the deltas passed to Charge, and
// nothing in the sandbox or pipeline packages calls Charge, so with
// this backend tracked memory stays at zero and memory_limit is never
// reached.
//
// TODO: revisit if goja ever exposes GOMEMLIMIT-style runtime hooks.
func (v *gojaVM) InstallAllocHook(hook func(delta int64) bool) {
	v.allocHook = hook
}

// Charge reports a memory delta to the installed alloc hook. Returns
// false if the quota hook rejects the allocation. No code in this module
// calls it.
func (v *gojaVM) Charge(delta int64) bool {
	if v.allocHook != nil && !v.allocHook(delta) {
		return false
	}
	atomic.AddInt64(&v.memCurrent, delta)
	return true
}

func (v *gojaVM) MemoryUsage() int64 {
	return atomic.LoadInt64(&v.memCurrent)
}

func (v *gojaVM) InstructionsUsed() int64 {
	return atomic.LoadInt64(&v.instrUsed)
}

// Restrict applies the per-role capability deny-list to goja-hosted
// shim objects standing in for the Lua os/io/string library surface
// (§4.G.1-3; see SPEC_FULL.md's DOMAIN STACK section for why the
// restriction target changed from real Lua tables to goja-hosted ones
// while the deny-list mechanism itself did not).
func (v *gojaVM) Restrict(role Role, cfg *Config) error {
	deny := DenyListForRole(cfg)
	disabled := DisabledModulesForRole(role, cfg)

	osObj := v.rt.NewObject()
	for _, name := range []string{"getenv", "execute", "exit", "remove", "rename", "setlocale", "tmpname", "time", "date", "clock"} {
		name := name
		osObj.Set(name, v.rt.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() }))
	}
	removeEntries(osObj, deny["os"])
	if !disabled["os"] {
		v.rt.Set("os", osObj)
	}
	v.deniedOS = osObj

	if !disabled["io"] {
		ioObj := v.rt.NewObject()
		ioObj.Set("write", v.rt.ToValue(v.ioWrite))
		removeEntries(ioObj, deny["io"])
		v.rt.Set("io", ioObj)
	} else {
		v.rt.GlobalObject().Delete("io")
	}

	strObj := v.rt.NewObject()
	strObj.Set("format", v.rt.ToValue(luaFormat))
	removeEntries(strObj, deny["string"])
	v.rt.Set("string", strObj)
	v.deniedString = strObj

	if !disabled["coroutine"] {
		// coroutine is left to goja's (absent) native support; nothing
		// to restrict since goja has no generator-based coroutine
		// object to remove entries from.
	} else {
		v.rt.GlobalObject().Delete("coroutine")
	}

	for _, name := range deny[""] {
		v.rt.GlobalObject().Delete(name)
	}

	// §4.G.4 "Seeds the pseudo-random generator deterministically once
	// per process" — goja's Math.random is already deterministic per
	// Runtime unless re-seeded from crypto/rand by the embedder, so
	// nothing further is required here beyond not touching it.
	return nil
}

// ioWrite is the io.write the sandbox installs in place of a real file
// descriptor writer. It accepts and discards its arguments: output a
// script writes through io.write reaches no buffer or file, and the
// pipeline layer does not replace it.
func (v *gojaVM) ioWrite(call goja.FunctionCall) goja.Value {
	return goja.Undefined()
}

func removeEntries(obj *goja.Object, names []string) {
	for _, n := range names {
		obj.Delete(n)
	}
}

// luaFormat implements the subset of Lua's string.format the sandbox
// needs: %q (quoted string literal) and %s/%d/%f passthroughs, installed
// as the script-visible string.format. SerializeGlobals does not call
// it; it quotes strings with strconv.Quote directly.
func luaFormat(call goja.FunctionCall) goja.Value {
	if len(call.Arguments) == 0 {
		return goja.Undefined()
	}
	format := call.Arguments[0].String()
	args := call.Arguments[1:]
	var out strings.Builder
	argIdx := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			out.WriteByte(c)
			continue
		}
		i++
		verb := format[i]
		var arg goja.Value
		if argIdx < len(args) {
			arg = args[argIdx]
			argIdx++
		}
		switch verb {
		case 'q':
			if arg != nil {
				out.WriteString(strconv.Quote(arg.String()))
			}
		case 's':
			if arg != nil {
				out.WriteString(arg.String())
			}
		case 'd':
			if arg != nil {
				out.WriteString(strconv.FormatInt(arg.ToInteger(), 10))
			}
		case 'f':
			if arg != nil {
				out.WriteString(strconv.FormatFloat(arg.ToFloat(), 'f', -1, 64))
			}
		default:
			out.WriteByte('%')
			out.WriteByte(verb)
		}
	}
	return goja.New().ToValue(out.String())
}

func valueToInt(rt *goja.Runtime, v goja.Value) (int, error) {
	if v == nil || goja.IsUndefined(v) {
		return 0, fmt.Errorf("undefined")
	}
	exported := v.Export()
	switch n := exported.(type) {
	case int64:
		return int(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("non-numeric")
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("non-numeric return value")
}

// translateVMError converts a goja call error (an *goja.Exception or
// *goja.InterruptedError) into a plain error carrying the script's own
// message text, so host callers see the same string a script's pcall
// would have seen.
func translateVMError(err error) error {
	if exc, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("%s", exc.Value().String())
	}
	if interrupted, ok := err.(*goja.InterruptedError); ok {
		if v, ok := interrupted.Value().(error); ok {
			return v
		}
		return fmt.Errorf("%v", interrupted.Value())
	}
	return err
}

func (v *gojaVM) SetGlobal(name string, value interface{}) error {
	return v.rt.Set(name, value)
}

func (v *gojaVM) Global(name string) (interface{}, bool) {
	val := v.rt.Get(name)
	if val == nil || goja.IsUndefined(val) {
		return nil, false
	}
	return val.Export(), true
}

// SerializeGlobals walks the runtime's global object and emits a script
// that reconstructs every preserved value (§4.G "State serialization").
func (v *gojaVM) SerializeGlobals(w io.Writer) error {
	global := v.rt.GlobalObject()
	keys := global.Keys()
	sort.Strings(keys) // deterministic output across runs
	visited := map[string]string{}
	for _, k := range keys {
		if isBuiltinGlobal(k) {
			continue
		}
		val := global.Get(k)
		if err := serializeValue(w, k, val, visited); err != nil {
			return err
		}
	}
	return nil
}

func isBuiltinGlobal(name string) bool {
	switch name {
	case "os", "io", "string", "math", "table", "coroutine", "JSON", "globalThis", "Object", "Array", "Function", "console":
		return true
	}
	return false
}

// serializeValue writes `path = <literal>` for the scalar/table kinds
// the walker knows how to render, skipping functions, symbols, and any
// other opaque kind (§4.G "non-data kinds are silently skipped").
func serializeValue(w io.Writer, path string, val goja.Value, visited map[string]string) error {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil
	}
	obj, isObj := val.(*goja.Object)
	if isObj {
		if obj.ClassName() == "Function" {
			return nil // functions are non-data, silently skipped
		}
		id := obj.ClassName() + fmt.Sprintf("@%p", obj)
		if first, seen := visited[id]; seen {
			fmt.Fprintf(w, "%s = %s\n", path, first) // cycle: reassign, don't descend again
			return nil
		}
		visited[id] = path
		fmt.Fprintf(w, "%s = {}\n", path)
		for _, k := range obj.Keys() {
			child := obj.Get(k)
			childPath := fmt.Sprintf("%s[%s]", path, strconv.Quote(k))
			if err := serializeValue(w, childPath, child, visited); err != nil {
				return err
			}
		}
		return nil
	}

	exported := val.Export()
	switch n := exported.(type) {
	case string:
		fmt.Fprintf(w, "%s = %s\n", path, strconv.Quote(n))
	case bool:
		fmt.Fprintf(w, "%s = %t\n", path, n)
	case int64:
		fmt.Fprintf(w, "%s = %d\n", path, n)
	case float64:
		fmt.Fprintf(w, "%s = %s\n", path, formatPreservedDouble(n))
	}
	return nil
}

// formatPreservedDouble applies the §4.A "serialization double" escapes
// (0/0, 1/0, -1/0) so NaN/±Inf survive a script re-parse.
func formatPreservedDouble(d float64) string {
	switch {
	case math.IsNaN(d):
		return "(0/0)"
	case math.IsInf(d, 1):
		return "(1/0)"
	case math.IsInf(d, -1):
		return "(-1/0)"
	}
	return strconv.FormatFloat(d, 'g', -1, 64)
}

func (v *gojaVM) Close() {
	v.rt = nil
}
