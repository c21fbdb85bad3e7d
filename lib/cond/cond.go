// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package cond implements the boolean filter-condition algebra:
// building condition trees over event-record fields, optimizing them,
// hardening negations against three-valued SQL logic, and compiling
// the result to either SQL text or an in-process predicate.
//
// Conditions are pure values. Constructors return the sealed Node
// interface; the concrete variants are not exported. Trees are never
// mutated after construction — every transformation builds a new tree.
package cond

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one condition-tree node. The set of variants is closed:
// comparisons (Equal, Greater, GreaterOrEqual, Less, LessOrEqual, In,
// Between), field tests (IsTrue, IsNull), connectives (Not, And, Or)
// and the constant Fixed.
type Node interface {
	// Key returns the canonical text of the node. Two nodes are the
	// same condition iff their keys are equal; the optimizer relies
	// on this for factoring and merging.
	Key() string

	isCond()
}

type equalNode struct {
	field string
	value any
}

type greaterNode struct {
	field string
	value any
}

type greaterOrEqualNode struct {
	field string
	value any
}

type lessNode struct {
	field string
	value any
}

type lessOrEqualNode struct {
	field string
	value any
}

type inNode struct {
	field  string
	values []any
}

type betweenNode struct {
	field     string
	low, high any
}

type isTrueNode struct {
	field string
}

type isNullNode struct {
	field string
}

type notNode struct {
	inner Node
}

type andNode struct {
	nodes []Node
}

type orNode struct {
	nodes []Node
}

type fixedNode struct {
	value bool
}

func (equalNode) isCond()          {}
func (greaterNode) isCond()        {}
func (greaterOrEqualNode) isCond() {}
func (lessNode) isCond()           {}
func (lessOrEqualNode) isCond()    {}
func (inNode) isCond()             {}
func (betweenNode) isCond()        {}
func (isTrueNode) isCond()         {}
func (isNullNode) isCond()         {}
func (notNode) isCond()            {}
func (andNode) isCond()            {}
func (orNode) isCond()             {}
func (fixedNode) isCond()          {}

// Equal matches records whose field equals value.
func Equal(field string, value any) Node { return equalNode{field, value} }

// Greater matches records whose field is strictly greater than value.
func Greater(field string, value any) Node { return greaterNode{field, value} }

// GreaterOrEqual matches records whose field is >= value.
func GreaterOrEqual(field string, value any) Node { return greaterOrEqualNode{field, value} }

// Less matches records whose field is strictly less than value.
func Less(field string, value any) Node { return lessNode{field, value} }

// LessOrEqual matches records whose field is <= value.
func LessOrEqual(field string, value any) Node { return lessOrEqualNode{field, value} }

// In matches records whose field equals any of the values. An empty
// value list never matches.
func In(field string, values ...any) Node {
	if len(values) == 0 {
		return Fixed(false)
	}
	if len(values) == 1 {
		return equalNode{field, values[0]}
	}
	return inNode{field, values}
}

// Between matches records whose field lies in the inclusive range
// [low, high].
func Between(field string, low, high any) Node { return betweenNode{field, low, high} }

// IsTrue matches records whose field is present and true. A missing
// (NULL) field does not match, and the negation of IsTrue is already
// null-safe.
func IsTrue(field string) Node { return isTrueNode{field} }

// IsNull matches records whose field is absent.
func IsNull(field string) Node { return isNullNode{field} }

// Not negates a condition. Fixed constants and double negations
// collapse immediately.
func Not(inner Node) Node {
	switch n := inner.(type) {
	case fixedNode:
		return fixedNode{!n.value}
	case notNode:
		return n.inner
	}
	return notNode{inner}
}

// And is the conjunction of the given conditions. Nested conjunctions
// flatten; zero conditions yield Fixed(true), one yields itself.
func And(nodes ...Node) Node {
	flat := flatten(nodes, true)
	switch len(flat) {
	case 0:
		return fixedNode{true}
	case 1:
		return flat[0]
	}
	return andNode{flat}
}

// Or is the disjunction of the given conditions. Nested disjunctions
// flatten; zero conditions yield Fixed(false), one yields itself.
func Or(nodes ...Node) Node {
	flat := flatten(nodes, false)
	switch len(flat) {
	case 0:
		return fixedNode{false}
	case 1:
		return flat[0]
	}
	return orNode{flat}
}

// Fixed is the constant condition.
func Fixed(value bool) Node { return fixedNode{value} }

// flatten merges nested connectives of the same kind into one level.
func flatten(nodes []Node, conjunction bool) []Node {
	flat := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		switch n := node.(type) {
		case andNode:
			if conjunction {
				flat = append(flat, n.nodes...)
				continue
			}
		case orNode:
			if !conjunction {
				flat = append(flat, n.nodes...)
				continue
			}
		}
		flat = append(flat, node)
	}
	return flat
}

// Canonical keys. Values render via %#v so strings and numbers of
// different types never collide.

func valueKey(value any) string { return fmt.Sprintf("%#v", value) }

func (n equalNode) Key() string          { return n.field + " == " + valueKey(n.value) }
func (n greaterNode) Key() string        { return n.field + " > " + valueKey(n.value) }
func (n greaterOrEqualNode) Key() string { return n.field + " >= " + valueKey(n.value) }
func (n lessNode) Key() string           { return n.field + " < " + valueKey(n.value) }
func (n lessOrEqualNode) Key() string    { return n.field + " <= " + valueKey(n.value) }

func (n inNode) Key() string {
	keys := make([]string, len(n.values))
	for i, value := range n.values {
		keys[i] = valueKey(value)
	}
	sort.Strings(keys)
	return n.field + " in {" + strings.Join(keys, ", ") + "}"
}

func (n betweenNode) Key() string {
	return n.field + " between " + valueKey(n.low) + ".." + valueKey(n.high)
}

func (n isTrueNode) Key() string { return n.field + " is true" }
func (n isNullNode) Key() string { return n.field + " is null" }
func (n notNode) Key() string    { return "not (" + n.inner.Key() + ")" }

func (n andNode) Key() string { return connectiveKey("and", n.nodes) }
func (n orNode) Key() string  { return connectiveKey("or", n.nodes) }

func connectiveKey(op string, nodes []Node) string {
	keys := make([]string, len(nodes))
	for i, node := range nodes {
		keys[i] = node.Key()
	}
	sort.Strings(keys)
	return op + "(" + strings.Join(keys, "; ") + ")"
}

func (n fixedNode) Key() string {
	if n.value {
		return "true"
	}
	return "false"
}
