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

package message

import "fmt"

// MatcherSpecification wraps a compiled matcher tree (§4.E/§4.F).
type MatcherSpecification struct {
	root *MatcherNode
	expr string
}

// CreateMatcherSpecification compiles expr, returning an error describing
// the violated rule on failure (reported by callers as "failed to
// compile", §8).
func CreateMatcherSpecification(expr string) (*MatcherSpecification, error) {
	root, err := CompileMatcher(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}
	return &MatcherSpecification{root: root, expr: expr}, nil
}

func (ms *MatcherSpecification) String() string { return ms.expr }

// IsMatch evaluates the compiled specification against m (§4.F). It cannot
// fail: every type mismatch or out-of-range index is defined to evaluate
// to false rather than error.
func (ms *MatcherSpecification) IsMatch(m *Message) bool {
	return evalNode(ms.root, m)
}

func evalNode(n *MatcherNode, m *Message) bool {
	if n.isLeaf {
		return evalLeaf(n, m)
	}
	if n.and {
		return evalNode(n.left, m) && evalNode(n.right, m)
	}
	return evalNode(n.left, m) || evalNode(n.right, m)
}

func evalLeaf(n *MatcherNode, m *Message) bool {
	switch n.v {
	case varUuid:
		return evalStringLeaf(n, m.UuidString())
	case varType:
		return evalStringLeaf(n, m.Type)
	case varLogger:
		return evalStringLeaf(n, m.Logger)
	case varPayload:
		return evalStringLeaf(n, m.Payload)
	case varEnvVersion:
		return evalStringLeaf(n, m.EnvVersion)
	case varHostname:
		return evalStringLeaf(n, m.Hostname)
	case varSeverity:
		return evalNumericLeaf(n, float64(m.Severity))
	case varPid:
		return evalNumericLeaf(n, float64(m.Pid))
	case varTimestamp:
		return evalNumericLeaf(n, float64(m.Timestamp))
	case varFields:
		return evalFieldsLeaf(n, m)
	}
	return false
}

// evalStringLeaf handles the six string-valued headers: Uuid, Type,
// Logger, Payload, EnvVersion, Hostname (§4.F "string-valued headers that
// are absent ... compare equal to empty-string and NIL").
func evalStringLeaf(n *MatcherNode, s string) bool {
	if n.op == opMatch || n.op == opNotMatch {
		matched := n.pattern.MatchString(s)
		if n.op == opNotMatch {
			return !matched
		}
		return matched
	}
	switch n.vk {
	case valNil:
		isAbsent := s == ""
		switch n.op {
		case opEQ:
			return isAbsent
		case opNE:
			return !isAbsent
		}
		return false
	case valString:
		return compareString(n.op, s, n.strLiteral)
	}
	return false // type mismatch: numeric/bool literal against a string header
}

// evalNumericLeaf handles Severity, Pid and Timestamp, none of which are
// ever NIL (§4.F: "they have sentinel defaults").
func evalNumericLeaf(n *MatcherNode, v float64) bool {
	switch n.vk {
	case valNumber:
		return compareFloat(n.op, v, n.numLiteral)
	case valNil:
		switch n.op {
		case opEQ:
			return false
		case opNE:
			return true
		}
	}
	return false
}

func evalFieldsLeaf(n *MatcherNode, m *Message) bool {
	rv := ReadField(m, n.fieldName, n.fieldIndex, n.arrayIndex)

	if n.op == opMatch || n.op == opNotMatch {
		if rv.Kind != ReadString {
			return false
		}
		matched := n.pattern.MatchString(rv.String)
		if n.op == opNotMatch {
			return !matched
		}
		return matched
	}

	switch rv.Kind {
	case ReadNil:
		switch n.vk {
		case valNil:
			if n.op == opEQ {
				return true
			}
			if n.op == opNE {
				return false
			}
		}
		return false
	case ReadString:
		switch n.vk {
		case valString:
			return compareString(n.op, rv.String, n.strLiteral)
		case valNil:
			isAbsent := rv.String == ""
			if n.op == opEQ {
				return isAbsent
			}
			if n.op == opNE {
				return !isAbsent
			}
		}
		return false
	case ReadNumeric:
		switch n.vk {
		case valNumber:
			return compareFloat(n.op, rv.Numeric, n.numLiteral)
		case valNil:
			return n.op == opNE
		}
		return false
	case ReadBool:
		switch n.vk {
		case valNil:
			return n.op == opNE
		case valTrue:
			if n.op == opEQ {
				return rv.Bool
			}
			if n.op == opNE {
				return !rv.Bool
			}
		case valFalse:
			if n.op == opEQ {
				return !rv.Bool
			}
			if n.op == opNE {
				return rv.Bool
			}
		}
		return false
	}
	return false
}

func compareString(op opKind, a, b string) bool {
	switch op {
	case opEQ:
		return a == b
	case opNE:
		return a != b
	case opLT:
		return a < b
	case opLE:
		return a <= b
	case opGT:
		return a > b
	case opGE:
		return a >= b
	}
	return false
}

func compareFloat(op opKind, a, b float64) bool {
	switch op {
	case opEQ:
		return a == b
	case opNE:
		return a != b
	case opLT:
		return a < b
	case opLE:
		return a <= b
	case opGT:
		return a > b
	case opGE:
		return a >= b
	}
	return false
}
