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
	"os"
	"path/filepath"
	"sync"
)

// Checkpoint persists an input plugin's stream scan position across
// restarts, generalizing the teacher's `logfile_input.go` per-file
// `seek` offset map into a single on-disk record an `update_checkpoint`
// host call can rewrite at will.
type Checkpoint struct {
	mu    sync.Mutex
	path  string
	pos   int64
	token string
}

// NewCheckpoint loads path's existing checkpoint, if any; a missing or
// unreadable file starts from position 0 rather than failing the
// plugin outright, since a checkpoint is a resume hint, not a
// correctness requirement.
func NewCheckpoint(path string) *Checkpoint {
	c := &Checkpoint{path: path}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	var rec struct {
		Position int64  `json:"position"`
		Token    string `json:"token,omitempty"`
	}
	if json.Unmarshal(data, &rec) == nil {
		c.pos = rec.Position
		c.token = rec.Token
	}
	return c
}

// Position returns the last persisted scan offset.
func (c *Checkpoint) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Update records a new scan offset, persisting it to disk via a
// write-then-rename so a crash mid-write never corrupts the existing
// checkpoint file.
func (c *Checkpoint) Update(pos int64) error {
	c.mu.Lock()
	c.pos = pos
	token := c.token
	c.mu.Unlock()
	return c.persist(pos, token)
}

// UpdateValue records a checkpoint advance whose value came straight
// from a script's update_checkpoint/inject_message call: a numeric
// sequence_id updates the scan position, a string cursor updates the
// opaque resume token instead (§4.H, §5 — a checkpoint may be either
// form depending on the input/output plugin's own bookkeeping).
func (c *Checkpoint) UpdateValue(v interface{}) error {
	switch n := v.(type) {
	case int64:
		return c.Update(n)
	case float64:
		return c.Update(int64(n))
	case int:
		return c.Update(int64(n))
	case string:
		c.mu.Lock()
		c.token = n
		pos := c.pos
		c.mu.Unlock()
		return c.persist(pos, n)
	default:
		return fmt.Errorf("unsupported checkpoint value %T", v)
	}
}

// persist writes the given position/token pair to disk via a
// write-then-rename so a crash mid-write never corrupts the existing
// checkpoint file.
func (c *Checkpoint) persist(pos int64, token string) error {
	if c.path == "" {
		return nil
	}
	data, err := json.Marshal(struct {
		Position int64  `json:"position"`
		Token    string `json:"token,omitempty"`
	}{pos, token})
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// StateFilePath derives the preserved-globals file path for a plugin
// name under the given base directory, keeping the checkpoint and the
// preserved-state files alongside each other per plugin.
func StateFilePath(baseDir, pluginName string) string {
	return filepath.Join(baseDir, pluginName+".preserve")
}
