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

// DenyList maps a library name ("" for the root/global table) to the
// entries removed from it (§4.G.1). It is VM-agnostic: gojavm.go (or
// any other HostVM) applies it to whatever concrete objects it builds.
type DenyList map[string][]string

// baseDenyList is shared by all three plugin roles; cfg.RemoveEntries
// adds to it.
var baseDenyList = DenyList{
	"":    {"collectgarbage", "dofile", "load", "loadfile", "loadstring", "newproxy", "print"},
	"os":  {"getenv", "execute", "exit", "remove", "rename", "setlocale", "tmpname"},
}

// baseDisabledModules are whole modules refused outright for a role,
// before cfg.DisableModules is applied (§4.G.2: "Disables whole modules
// for the analysis role (IO, coroutines)").
var baseDisabledModules = map[Role][]string{
	RoleAnalysis: {"io", "coroutine"},
}

// DenyListForRole merges the base deny-list with any additions the
// plugin's config table supplies.
func DenyListForRole(cfg *Config) DenyList {
	merged := DenyList{}
	for lib, entries := range baseDenyList {
		merged[lib] = append([]string(nil), entries...)
	}
	if cfg != nil {
		for lib, entries := range cfg.RemoveEntries {
			merged[lib] = append(merged[lib], entries...)
		}
	}
	return merged
}

// DisabledModulesForRole merges the role's baseline disabled modules
// with the config's explicit disable_modules set.
func DisabledModulesForRole(role Role, cfg *Config) map[string]bool {
	disabled := map[string]bool{}
	for _, m := range baseDisabledModules[role] {
		disabled[m] = true
	}
	if cfg != nil {
		for m, on := range cfg.DisableModules {
			if on {
				disabled[m] = true
			}
		}
	}
	return disabled
}
