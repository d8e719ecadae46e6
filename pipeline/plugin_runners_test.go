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
	"errors"
	"path/filepath"
	"testing"

	"github.com/mozilla-services/heka/message"
	"github.com/mozilla-services/heka/sandbox"
)

func TestSandboxRunnerProcessMessageContractViolation(t *testing.T) {
	cfg := &sandbox.Config{}
	r, err := NewSandboxRunner("test-analysis", cfg, RoleAnalysis, `function process_message(msg) { return 3 }`, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Shutdown(false)

	err = r.ProcessMessage(message.NewMessage())
	var violation *ContractViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want a *ContractViolationError", err)
	}
	if violation.Returned != 3 {
		t.Errorf("violation.Returned = %d, want 3", violation.Returned)
	}
}

func TestSandboxRunnerProcessMessage(t *testing.T) {
	cfg := &sandbox.Config{}
	r, err := NewSandboxRunner("test-analysis", cfg, RoleAnalysis, `function process_message(msg) { return 0 }`, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Shutdown(false)

	m := message.NewMessage()
	m.Payload = "hello"
	if err := r.ProcessMessage(m); err != nil {
		t.Fatalf("process message: %v", err)
	}
	pmCount, _, _, _, _ := r.Stats()
	if pmCount != 1 {
		t.Errorf("pmCount = %d, want 1", pmCount)
	}
}

func TestSandboxRunnerInjection(t *testing.T) {
	cfg := &sandbox.Config{}
	src := `function process_message(msg) {
		inject_payload("logline", "test", "derived")
		return 0
	}`
	r, err := NewSandboxRunner("test-analysis", cfg, RoleAnalysis, src, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Shutdown(false)

	if err := r.ProcessMessage(message.NewMessage()); err != nil {
		t.Fatalf("process message: %v", err)
	}
	select {
	case injected := <-r.Injected():
		if injected.Payload != "derived" {
			t.Errorf("injected payload = %q, want derived", injected.Payload)
		}
		r.RecordInjection(injected)
	default:
		t.Fatal("expected an injected message")
	}
	_, imCount, imBytes, _, _ := r.Stats()
	if imCount != 1 {
		t.Errorf("imCount = %d, want 1", imCount)
	}
	if imBytes != int64(len("derived")) {
		t.Errorf("imBytes = %d, want %d", imBytes, len("derived"))
	}
}

func TestSandboxRunnerPreserveAcrossRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "counter.preserve")
	cfg := &sandbox.Config{}
	const src = `var counter = (typeof counter !== "undefined" ? counter : 100) + 1`

	r1, err := NewSandboxRunner("counter", cfg, RoleAnalysis, src, statePath)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r1.Shutdown(true); err != nil {
		t.Fatalf("clean shutdown: %v", err)
	}

	r2, err := NewSandboxRunner("counter", cfg, RoleAnalysis, src, statePath)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	defer r2.Shutdown(false)
	got, ok := r2.vm.Global("counter")
	if !ok {
		t.Fatal("expected counter global after restore")
	}
	if f, isF := got.(float64); !isF || f != 102 {
		if n, isI := got.(int64); !isI || n != 102 {
			t.Errorf("counter after restart = %v, want 102", got)
		}
	}
}

func TestSandboxRunnerPrintGatedByLogLevel(t *testing.T) {
	level := 2
	cfg := &sandbox.Config{LogLevel: &level}
	src := `function process_message(msg) {
		print(1, "below threshold")
		print(2, "at threshold")
		return 0
	}`
	r, err := NewSandboxRunner("print-test", cfg, RoleAnalysis, src, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Shutdown(false)

	var logged []string
	r.hf.logMessage = func(msg string) { logged = append(logged, msg) }

	if err := r.ProcessMessage(message.NewMessage()); err != nil {
		t.Fatalf("process message: %v", err)
	}
	if len(logged) != 1 || logged[0] != "at threshold" {
		t.Errorf("logged = %v, want exactly [\"at threshold\"]", logged)
	}
}

func TestSandboxRunnerPrintSilentWhenLogLevelAbsent(t *testing.T) {
	cfg := &sandbox.Config{}
	src := `function process_message(msg) {
		print(0, "should never appear")
		return 0
	}`
	r, err := NewSandboxRunner("print-silent", cfg, RoleAnalysis, src, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	defer r.Shutdown(false)

	var logged []string
	r.hf.logMessage = func(msg string) { logged = append(logged, msg) }

	if err := r.ProcessMessage(message.NewMessage()); err != nil {
		t.Fatalf("process message: %v", err)
	}
	if len(logged) != 0 {
		t.Errorf("logged = %v, want none (log_level absent)", logged)
	}
}

func TestSandboxRunnerStopMarksNotRunning(t *testing.T) {
	cfg := &sandbox.Config{}
	r, err := NewSandboxRunner("input-test", cfg, RoleInput, `function process_message(msg) { return 0 }`, "")
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if !r.isRunning() {
		t.Fatal("expected isRunning() true before Stop")
	}
	r.Stop()
	if r.isRunning() {
		t.Fatal("expected isRunning() false after Stop")
	}
	r.Shutdown(false)
}
