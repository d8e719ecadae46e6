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
#   Rob Miller (rmiller@mozilla.com)
#   Mike Trinkala (trink@mozilla.com)
#   Ben Bangert (bbangert@mozilla.com)
#
# ***** END LICENSE BLOCK *****/

package pipeline

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/mozilla-services/heka/message"
	"github.com/mozilla-services/heka/sandbox"
	"github.com/mozilla-services/heka/util"
	"github.com/rafrombrc/go-notify"
)

// STOP is the go-notify event type a runner's input loop subscribes to,
// carried over from the teacher's pipeline_runner.go control-channel
// convention (RELOAD isn't meaningful here: a sandbox has no on-disk
// config to reload, only preserved state).
const STOP = "stop"

// PluginRunner is the base interface every sandboxed plugin runner
// satisfies, carried over from the teacher's PluginRunner/pRunnerBase
// split (name plumbing, fire-and-forget error/message logging).
type PluginRunner interface {
	Name() string
	SetName(name string)
	LogError(err error)
	LogMessage(msg string)
}

type pRunnerBase struct {
	name   string
	logger *log.Logger
}

func (pr *pRunnerBase) Name() string { return pr.name }

func (pr *pRunnerBase) SetName(name string) { pr.name = name }

func (pr *pRunnerBase) LogError(err error) {
	if pr.logger != nil {
		pr.logger.Printf("%s: %s", pr.name, err)
	}
}

func (pr *pRunnerBase) LogMessage(msg string) {
	if pr.logger != nil {
		pr.logger.Printf("%s: %s", pr.name, msg)
	}
}

// SandboxRunner drives a single sandbox.Sandbox through the invocation
// discipline appropriate to its role (§4.H): input plugins loop
// pulling from a stream and injecting messages until told to stop;
// analysis plugins are driven one message at a time by the router;
// output plugins are driven one message at a time and perform no
// injection of their own. All three share quota enforcement, statistics
// accumulation, and clean-stop-vs-terminate shutdown semantics.
type SandboxRunner struct {
	pRunnerBase

	role Role
	cfg  *sandbox.Config
	vm   sandbox.HostVM
	sb   *sandbox.Sandbox
	hf   *HostFunctions

	checkpoint   *Checkpoint
	statePath    string
	injected     chan *message.Message
	stopChan     chan interface{}
	notifyQuit   chan struct{}
	stoppedFlag  int32
	shutdownOnce sync.Once

	// Statistics (§8 invariant 8: pm_cnt/im_cnt/im_bytes and the maximum
	// counters never decrease during a sandbox's lifetime).
	mu         sync.Mutex
	pmCount    int64
	imCount    int64
	imBytes    int64
	procTiming util.RunningStats
}

// Role re-exports sandbox.Role so pipeline callers don't need to import
// both packages just to name a role.
type Role = sandbox.Role

const (
	RoleInput    = sandbox.RoleInput
	RoleAnalysis = sandbox.RoleAnalysis
	RoleOutput   = sandbox.RoleOutput
)

// NewSandboxRunner wires a fresh goja-backed sandbox to the given
// config and role, installs its role-appropriate host functions, and
// loads src — restoring from statePath's preserved dump first if one
// exists on disk (§6 `init(sandbox, state_file_or_empty)`).
func NewSandboxRunner(name string, cfg *sandbox.Config, role Role, src, statePath string) (*SandboxRunner, error) {
	vm := sandbox.NewGojaVM()
	sb := sandbox.NewSandbox(cfg, role, vm)

	r := &SandboxRunner{
		pRunnerBase: pRunnerBase{name: name, logger: log.New(os.Stderr, "", log.LstdFlags)},
		role:        role,
		cfg:         cfg,
		vm:          vm,
		sb:          sb,
		checkpoint:  NewCheckpoint(checkpointPath(statePath)),
		statePath:   statePath,
		injected:    make(chan *message.Message, 100),
		stopChan:    make(chan interface{}),
		notifyQuit:  make(chan struct{}),
	}
	r.hf = NewHostFunctions(sb, role, cfg, r.injected, r.checkpoint, r.isRunning, r.LogMessage)

	// Subscribe to the process-wide STOP broadcast (the teacher's
	// pipeline_runner.go control-channel convention) in addition to this
	// runner's own Stop(): either a caller holding this *SandboxRunner or
	// a process-wide notify.Post(STOP, nil) shutdown signal marks it
	// not-running.
	notify.Start(STOP, r.stopChan)
	go func() {
		select {
		case <-r.stopChan:
			atomic.StoreInt32(&r.stoppedFlag, 1)
		case <-r.notifyQuit:
		}
	}()

	var preserved *os.File
	if statePath != "" {
		if f, err := os.Open(statePath); err == nil {
			preserved = f
		}
	}
	var initErr error
	if preserved != nil {
		defer preserved.Close()
		initErr = sb.InitWithState(src, preserved)
	} else {
		initErr = sb.Init(src)
	}
	if initErr != nil && sb.Status() != sandbox.STATUS_RUNNING {
		return nil, initErr
	}
	if initErr != nil {
		// A discarded-preserved-state fallback (§8 scenario 6): the
		// sandbox is still running on a cold-started script, just
		// minus the state that failed to restore.
		r.LogError(initErr)
	}

	// Host functions are installed only after Init/InitWithState has run
	// Restrict + LoadScript: Restrict's root deny-list always removes
	// the VM's native `print` (§4.G.1), and process_message/timer_event
	// are the only places a script calls a host function, never its own
	// top-level body — so there's nothing to lose by wiring them in
	// after load instead of before.
	if err := r.hf.Install(vm); err != nil {
		return nil, fmt.Errorf("installing host functions: %w", err)
	}
	return r, nil
}

func checkpointPath(statePath string) string {
	if statePath == "" {
		return ""
	}
	return statePath + ".checkpoint"
}

func (r *SandboxRunner) isRunning() bool {
	return atomic.LoadInt32(&r.stoppedFlag) == 0
}

// Injected returns the channel messages land on after a script calls
// inject_message/inject_payload; a pipeline wires this into its router.
func (r *SandboxRunner) Injected() <-chan *message.Message {
	return r.injected
}

// ProcessMessage drives the analysis/output role's one-message-at-a-time
// invocation discipline, updating statistics and translating a >0
// process_message return into a ContractViolationError for the caller.
// Any other sandbox error, quota errors included, is returned as the
// sandbox reported it; no ResourceExhaustionError is built here.
func (r *SandboxRunner) ProcessMessage(m *message.Message) error {
	r.hf.SetCurrentMessage(m)
	r.sb.ResetOutput()

	start := util.MonotonicNow()
	ret, err := r.sb.ProcessMessage(mustMessageJSON(m))
	elapsed := util.ElapsedNanos(start)

	r.mu.Lock()
	r.pmCount++
	r.procTiming.Update(float64(elapsed))
	r.mu.Unlock()

	if err != nil {
		if ret > 0 {
			return &ContractViolationError{Returned: ret}
		}
		return err
	}
	return nil
}

// mustMessageJSON renders a minimal JSON view of a message's reserved
// headers for process_message's argument; field access within a script
// goes through read_message instead, so this need not carry the full
// field list.
func mustMessageJSON(m *message.Message) []byte {
	return []byte(fmt.Sprintf(
		`{"Uuid":%q,"Timestamp":%d,"Type":%q,"Logger":%q,"Severity":%d,"Payload":%q,"EnvVersion":%q,"Pid":%d,"Hostname":%q}`,
		m.UuidString(), m.Timestamp, m.Type, m.Logger, m.Severity, m.Payload, m.EnvVersion, m.Pid, m.Hostname,
	))
}

// TimerEvent drives a periodic timer_event call (shared by all three
// roles: input plugins commonly use it for heartbeats, analysis
// plugins for windowed aggregation flushes).
func (r *SandboxRunner) TimerEvent(nsSinceEpoch int64) error {
	r.sb.ResetOutput()
	return r.sb.TimerEvent(nsSinceEpoch)
}

// Stats returns the §8 invariant-8 monotonic counters and the running
// process_message timing distribution.
func (r *SandboxRunner) Stats() (pmCount, imCount, imBytes int64, meanNanos, stdDevNanos float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pmCount, r.imCount, r.imBytes, r.procTiming.Mean, r.procTiming.StdDev()
}

// RecordInjection is called by the pipeline after draining a message
// off Injected(), so im_cnt/im_bytes only count messages that actually
// left the sandbox rather than ones still queued.
func (r *SandboxRunner) RecordInjection(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imCount++
	r.imBytes += int64(len(m.Payload))
}

// Stop requests a clean shutdown: is_running() starts returning false
// for any input loop polling it, and no further ProcessMessage/
// TimerEvent calls are accepted once Shutdown completes. A process-wide
// notify.Post(STOP, nil) has the same effect on every still-subscribed
// runner.
func (r *SandboxRunner) Stop() {
	atomic.StoreInt32(&r.stoppedFlag, 1)
}

// Shutdown performs the terminal lifecycle step (§4.H): clean==true
// preserves state to statePath before destroying the VM; clean==false
// (an already-terminated sandbox, or a forced stop) destroys without
// attempting to preserve a state a terminated script may have left
// inconsistent.
func (r *SandboxRunner) Shutdown(clean bool) error {
	var shutdownErr error
	r.shutdownOnce.Do(func() {
		r.Stop()
		notify.Stop(STOP, r.stopChan)
		close(r.notifyQuit)
		if clean && r.statePath != "" && r.sb.Status() == sandbox.STATUS_RUNNING {
			if err := r.preserveToDisk(); err != nil {
				shutdownErr = &PreservationError{Reason: err.Error()}
			}
		}
		r.sb.Destroy()
	})
	return shutdownErr
}

// preserveToDisk writes the sandbox's current state to a temp file and
// renames it into place, so a crash mid-write never leaves a partial,
// misleading preservation file (§7 "partial file is removed").
func (r *SandboxRunner) preserveToDisk() error {
	tmp := r.statePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := r.sb.Preserve(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, r.statePath)
}
