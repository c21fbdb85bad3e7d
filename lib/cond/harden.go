// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package cond

// Hardening prepares a tree for three-valued SQL evaluation. In SQL,
// "NOT (asn IN (1, 2, 3))" is unknown — not true — when asn is NULL,
// so a negated match silently drops every NULL row. That was a real
// defect class in the event store, fixed by rewriting each negated
// nullable leaf as "asn IS NULL OR NOT (asn IN (1, 2, 3))".

// neverNullFields are record fields the event pipeline always
// populates. Negations over them skip the null-safe rewrite.
var neverNullFields = map[string]bool{
	"id":          true,
	"source":      true,
	"restriction": true,
	"confidence":  true,
	"category":    true,
	"time":        true,
	"ip":          true,
	"dip":         true,
	"modified":    true,
}

// PushNot normalizes negations with De Morgan's laws: Not distributes
// over And and Or, double negations cancel, and afterwards Not only
// wraps leaf conditions.
func PushNot(node Node) Node {
	switch n := node.(type) {
	case notNode:
		switch inner := n.inner.(type) {
		case andNode:
			negated := make([]Node, len(inner.nodes))
			for i, child := range inner.nodes {
				negated[i] = PushNot(Not(child))
			}
			return Or(negated...)
		case orNode:
			negated := make([]Node, len(inner.nodes))
			for i, child := range inner.nodes {
				negated[i] = PushNot(Not(child))
			}
			return And(negated...)
		case notNode:
			return PushNot(inner.inner)
		case fixedNode:
			return Fixed(!inner.value)
		default:
			return n
		}
	case andNode:
		children := make([]Node, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = PushNot(child)
		}
		return And(children...)
	case orNode:
		children := make([]Node, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = PushNot(child)
		}
		return Or(children...)
	default:
		return node
	}
}

// NullSafe rewrites each negated comparison leaf over a nullable
// field as Or(IsNull(field), negation). The input must already be in
// PushNot normal form. IsTrue and IsNull leaves are exempt: the SQL
// "IS" operators never evaluate to unknown, so their negations are
// already null-safe.
func NullSafe(node Node) Node {
	switch n := node.(type) {
	case notNode:
		field, comparison := leafField(n.inner)
		if comparison && !neverNullFields[field] {
			return Or(IsNull(field), n)
		}
		return n
	case andNode:
		children := make([]Node, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = NullSafe(child)
		}
		return And(children...)
	case orNode:
		children := make([]Node, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = NullSafe(child)
		}
		return Or(children...)
	default:
		return node
	}
}

// leafField returns the field of a leaf node and whether the leaf is
// a comparison (as opposed to an IS-operator test).
func leafField(node Node) (field string, comparison bool) {
	switch n := node.(type) {
	case equalNode:
		return n.field, true
	case greaterNode:
		return n.field, true
	case greaterOrEqualNode:
		return n.field, true
	case lessNode:
		return n.field, true
	case lessOrEqualNode:
		return n.field, true
	case inNode:
		return n.field, true
	case betweenNode:
		return n.field, true
	case isTrueNode:
		return n.field, false
	case isNullNode:
		return n.field, false
	default:
		return "", false
	}
}
