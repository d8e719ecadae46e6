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

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mozilla-services/heka/message"
	"github.com/mozilla-services/heka/sandbox"
)

// HostFunctions is the role-specific set of functions a SandboxRunner
// installs into its VM's global table before a script's process_message
// or timer_event body runs (§6 "add_function(sandbox, fn, name)").
// Every function here is a thin wrapper: the heavy lifting lives in
// message/sandbox, this file only exposes it across the VM boundary and
// enforces the output quota on the way out.
type HostFunctions struct {
	mu sync.Mutex

	sb   *sandbox.Sandbox
	role sandbox.Role

	// current is the message being processed, set by the runner
	// immediately before calling into the VM and cleared after.
	current *message.Message

	// injected receives messages/payloads the script hands back via
	// inject_message/inject_payload.
	injected chan *message.Message

	// streamBuf backs create_stream_reader for the input role.
	streamBuf *message.InputBuffer

	checkpoint *Checkpoint

	running func() bool

	// cfg carries log_level (§6 "Minimum level for print dispatch to
	// logger; when absent, print is silent"); logMessage is the
	// runner's LogMessage sink print writes through once that gate
	// passes.
	cfg        *sandbox.Config
	logMessage func(string)
}

// NewHostFunctions wires the host function set to a single sandbox
// instance and its runner-owned channels.
func NewHostFunctions(sb *sandbox.Sandbox, role sandbox.Role, cfg *sandbox.Config, injected chan *message.Message, cp *Checkpoint, running func() bool, logMessage func(string)) *HostFunctions {
	return &HostFunctions{
		sb:         sb,
		role:       role,
		cfg:        cfg,
		injected:   injected,
		checkpoint: cp,
		running:    running,
		logMessage: logMessage,
	}
}

// SetCurrentMessage is called by the runner right before dispatching
// process_message, so read_message/decode_message have something to
// read from.
func (h *HostFunctions) SetCurrentMessage(m *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = m
}

// Install binds every host function this role is permitted to use onto
// vm's global table (§6's function list; availability by role mirrors
// which verbs make sense for an input vs. an analysis vs. an output
// plugin).
func (h *HostFunctions) Install(vm sandbox.HostVM) error {
	common := map[string]interface{}{
		"is_running": h.isRunning,
		"print":      h.print,
	}
	for name, fn := range common {
		if err := vm.SetGlobal(name, fn); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
	}

	switch h.role {
	case sandbox.RoleInput:
		// read_message, decode_message, inject_message,
		// create_stream_reader, is_running — no update_checkpoint or
		// create_message_matcher, those belong to the output role.
		extra := map[string]interface{}{
			"read_message":         h.readMessage,
			"decode_message":       h.decodeMessage,
			"inject_message":       h.injectMessage,
			"create_stream_reader": h.createStreamReader,
		}
		return installAll(vm, extra)
	case sandbox.RoleAnalysis:
		extra := map[string]interface{}{
			"read_message":   h.readMessage,
			"decode_message": h.decodeMessage,
			"inject_message": h.injectMessage,
			"inject_payload": h.injectPayload,
		}
		return installAll(vm, extra)
	case sandbox.RoleOutput:
		extra := map[string]interface{}{
			"read_message":           h.readMessage,
			"decode_message":         h.decodeMessage,
			"encode_message":         h.encodeMessage,
			"update_checkpoint":      h.updateCheckpoint,
			"create_message_matcher": h.createMessageMatcher,
		}
		return installAll(vm, extra)
	}
	return nil
}

func installAll(vm sandbox.HostVM, fns map[string]interface{}) error {
	for name, fn := range fns {
		if err := vm.SetGlobal(name, fn); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
	}
	return nil
}

// read_message(field_name, field_index, array_index) — §4.C read_field,
// plus the bare message headers when field_name is one of the reserved
// header names.
func (h *HostFunctions) readMessage(fieldName string, fieldIndex, arrayIndex int) interface{} {
	h.mu.Lock()
	m := h.current
	h.mu.Unlock()
	if m == nil {
		return nil
	}
	switch fieldName {
	case "Uuid":
		return m.UuidString()
	case "Timestamp":
		return m.Timestamp
	case "Type":
		return m.Type
	case "Logger":
		return m.Logger
	case "Severity":
		return int(m.Severity)
	case "Payload":
		return m.Payload
	case "EnvVersion":
		return m.EnvVersion
	case "Pid":
		return int(m.Pid)
	case "Hostname":
		return m.Hostname
	}
	rv := message.ReadField(m, fieldName, fieldIndex, arrayIndex)
	switch rv.Kind {
	case message.ReadString:
		return rv.String
	case message.ReadNumeric:
		return rv.Numeric
	case message.ReadBool:
		return rv.Bool
	default:
		return nil
	}
}

// decode_message(framedBytes) decodes a raw Heka-framed record into the
// current message slot, returning an error on malformed input rather
// than raising (§7 "malformed input").
func (h *HostFunctions) decodeMessage(framed []byte) (bool, error) {
	ib := message.NewInputBuffer(len(framed) * 2)
	if err := ib.Append(framed); err != nil {
		return false, &MalformedInputError{Reason: err.Error()}
	}
	var discarded int
	m, _, found := message.FindMessage(ib, true, &discarded)
	if !found {
		return false, &MalformedInputError{Reason: "incomplete or malformed framed message"}
	}
	h.SetCurrentMessage(m)
	return true, nil
}

// encode_message() re-serializes the current message into a Heka-framed
// byte string, for the output role's final emission step.
func (h *HostFunctions) encodeMessage() (string, error) {
	h.mu.Lock()
	m := h.current
	h.mu.Unlock()
	if m == nil {
		return "", &MisuseError{Reason: "no current message"}
	}
	framed, err := message.EncodeFramed(m)
	if err != nil {
		return "", err
	}
	if err := h.sb.ChargeOutput(len(framed)); err != nil {
		return "", err
	}
	return string(framed), nil
}

// inject_message(msg, checkpoint) accepts a message description as a
// JS object, a JSON-encoded string, or nil/undefined, plus a second
// checkpoint value that advances to the host in strict program order
// with the message delivery (§4.H input role, §5). A nil message with
// a non-nil checkpoint is a valid pure checkpoint advance: nothing is
// injected, only the checkpoint moves.
func (h *HostFunctions) injectMessage(msg interface{}, checkpoint interface{}) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var m *message.Message
	if msg != nil {
		var err error
		m, err = buildInjectedMessage(msg)
		if err != nil {
			return false, err
		}
		if err := h.sb.ChargeOutput(len(m.Payload)); err != nil {
			return false, err
		}
		select {
		case h.injected <- m:
		default:
			return false, &ResourceExhaustionError{Quota: "output", Reason: "injection queue full"}
		}
	}

	if checkpoint != nil && h.checkpoint != nil {
		if err := h.checkpoint.UpdateValue(checkpoint); err != nil {
			return false, &PreservationError{Reason: err.Error()}
		}
	}

	return true, nil
}

// buildInjectedMessage turns an inject_message argument — a JSON string
// or a plain JS object — into a *message.Message, carrying the reserved
// headers and any Fields table through rather than just Type/Payload/
// Logger.
func buildInjectedMessage(msg interface{}) (*message.Message, error) {
	m := message.NewMessage()
	switch v := msg.(type) {
	case string:
		var fields struct {
			Type       string
			Payload    string
			Logger     string
			Severity   int32
			Timestamp  int64
			Hostname   string
			EnvVersion string
			Fields     map[string]interface{}
		}
		if err := json.Unmarshal([]byte(v), &fields); err != nil {
			return nil, &MalformedInputError{Reason: fmt.Sprintf("invalid injected message: %s", err)}
		}
		m.Type = fields.Type
		m.Payload = fields.Payload
		m.Logger = fields.Logger
		m.Severity = fields.Severity
		m.Timestamp = fields.Timestamp
		m.Hostname = fields.Hostname
		m.EnvVersion = fields.EnvVersion
		applyInjectedFields(m, fields.Fields)
	case map[string]interface{}:
		if t, ok := v["Type"].(string); ok {
			m.Type = t
		}
		if p, ok := v["Payload"].(string); ok {
			m.Payload = p
		}
		if l, ok := v["Logger"].(string); ok {
			m.Logger = l
		}
		if s, ok := v["Severity"].(float64); ok {
			m.Severity = int32(s)
		}
		if ts, ok := v["Timestamp"].(float64); ok {
			m.Timestamp = int64(ts)
		}
		if host, ok := v["Hostname"].(string); ok {
			m.Hostname = host
		}
		if ev, ok := v["EnvVersion"].(string); ok {
			m.EnvVersion = ev
		}
		if f, ok := v["Fields"].(map[string]interface{}); ok {
			applyInjectedFields(m, f)
		}
	default:
		return nil, &MisuseError{Reason: fmt.Sprintf("inject_message: unsupported message form %T", msg)}
	}
	return m, nil
}

// applyInjectedFields copies a Fields table's scalar entries onto m,
// inferring string/numeric/bool representation the way NewField does.
func applyInjectedFields(m *message.Message, fields map[string]interface{}) {
	for name, val := range fields {
		f, err := message.NewField(name, val, "")
		if err != nil {
			continue
		}
		m.AddField(f)
	}
}

// inject_payload(payloadType, payloadName, data) is the lighter-weight
// injection form analysis plugins use to emit a derived payload without
// constructing a full message (§6).
func (h *HostFunctions) injectPayload(payloadType, payloadName, data string) (bool, error) {
	if err := h.sb.ChargeOutput(len(data)); err != nil {
		return false, err
	}
	m := message.NewMessage()
	m.Type = payloadType
	m.Logger = payloadName
	m.Payload = data
	select {
	case h.injected <- m:
		return true, nil
	default:
		return false, &ResourceExhaustionError{Quota: "output", Reason: "injection queue full"}
	}
}

// create_stream_reader() hands back a fresh resumable framer cursor for
// the input role, seeded from the persisted checkpoint position if one
// exists.
func (h *HostFunctions) createStreamReader() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamBuf = message.NewInputBuffer(0)
	if h.checkpoint != nil {
		return h.checkpoint.Position()
	}
	return 0
}

// update_checkpoint(sequence_id[, failures]) persists the output
// plugin's delivery position so a restart resumes instead of
// redelivering; failures, when given, is the caller's running count of
// delivery failures and is accepted but not itself persisted (§4.H
// output role).
func (h *HostFunctions) updateCheckpoint(sequenceID interface{}, failures ...int) (bool, error) {
	if h.checkpoint == nil {
		return true, nil
	}
	if err := h.checkpoint.UpdateValue(sequenceID); err != nil {
		return false, &PreservationError{Reason: err.Error()}
	}
	return true, nil
}

// print(level, message) dispatches to the runner's logger at the given
// level, gated by the plugin config's log_level (§6: "Minimum level
// for print dispatch to logger; when absent, print is silent"). The
// VM's native print is always in the capability deny-list, so this is
// the only print a script has.
func (h *HostFunctions) print(level int, msg string) {
	if h.cfg == nil || !h.cfg.PrintEnabled() || level < *h.cfg.LogLevel {
		return
	}
	if h.logMessage != nil {
		h.logMessage(msg)
	}
}

// is_running() lets a script poll for shutdown between iterations of
// a long-running input loop.
func (h *HostFunctions) isRunning() bool {
	if h.running == nil {
		return true
	}
	return h.running()
}

// create_message_matcher(expr) compiles a matcher expression, returning
// a handle a script can repeatedly test messages against. §7: any
// compile failure is reported uniformly as "failed to compile".
func (h *HostFunctions) createMessageMatcher(expr string) (*message.MatcherSpecification, error) {
	ms, err := message.CreateMatcherSpecification(expr)
	if err != nil {
		return nil, &MatcherCompileError{Expression: expr, Reason: err.Error()}
	}
	return ms, nil
}
