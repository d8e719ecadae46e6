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

import "github.com/bbangert/toml"

// Config is the recognized plugin config table (§6 "Plugin config"),
// decoded from a TOML fragment the same way the teacher's
// `pipeline/plugin_maker.go` decodes a `toml.Primitive` into a typed
// struct.
type Config struct {
	MemoryLimit       uint64              `toml:"memory_limit"`
	InstructionLimit  uint64              `toml:"instruction_limit"`
	OutputLimit       uint64              `toml:"output_limit"`
	Path              string              `toml:"path"`
	CPath             string              `toml:"cpath"`
	RemoveEntries     map[string][]string `toml:"remove_entries"`
	DisableModules    map[string]bool     `toml:"disable_modules"`
	Logger            string              `toml:"Logger"`
	Hostname          string              `toml:"Hostname"`
	Pid               int32               `toml:"Pid"`
	RestrictedHeaders bool                `toml:"restricted_headers"`

	// LogLevel is a pointer so DecodeConfig can tell "log_level = 0
	// configured" apart from "key absent": §6 says print dispatches to
	// the logger at this minimum level, and is silent when the key is
	// absent entirely, not just when it's zero.
	LogLevel *int `toml:"log_level"`
}

// PrintEnabled reports whether the config carries a log_level at all
// (§6 "when absent, print is silent").
func (c *Config) PrintEnabled() bool {
	return c.LogLevel != nil
}

// DecodeConfig unmarshals a TOML fragment into a Config.
func DecodeConfig(prim toml.Primitive) (*Config, error) {
	cfg := &Config{}
	if err := toml.PrimitiveDecode(prim, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Role identifies which plugin role a sandbox is running as; the
// capability deny-list and which library modules are disabled both
// depend on it (§4.G).
type Role int

const (
	RoleInput Role = iota
	RoleAnalysis
	RoleOutput
)

func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleAnalysis:
		return "analysis"
	case RoleOutput:
		return "output"
	}
	return "unknown"
}
