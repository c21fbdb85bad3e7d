// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package cond

import (
	"fmt"
	"strings"
)

// OutputForm selects what a Compiler produces: SQL text for database
// filtering, or an in-process predicate for per-record matching.
type OutputForm int

const (
	// OutputSQL compiles trees to SQL filter expressions.
	OutputSQL OutputForm = iota

	// OutputPredicate compiles trees to Go closures over records.
	OutputPredicate
)

// Options is the typed compiler configuration. Behavioral toggles are
// explicit here, never read from the environment.
type Options struct {
	// SkipOptimize disables the optimization pass. Kept for rollback
	// safety when an optimizer change is suspected of altering match
	// semantics.
	SkipOptimize bool

	// LegacyNegation disables the null-safe negation rewrite,
	// reproducing the historical (defective) negation behavior for
	// A/B comparison during rollout.
	LegacyNegation bool

	// Output selects the compiled form.
	Output OutputForm
}

// Compiled is a fully processed condition: the hardened tree plus the
// executable form selected by the compiler's Options.
type Compiled struct {
	// Tree is the optimized, hardened condition.
	Tree Node

	// SQL is set when the compiler output form is OutputSQL.
	SQL string

	// Predicate is set when the compiler output form is
	// OutputPredicate.
	Predicate func(Record) bool
}

// Compiler runs the optimize → harden → compile pipeline.
type Compiler struct {
	options Options
}

// NewCompiler returns a compiler with the given options.
func NewCompiler(options Options) *Compiler {
	return &Compiler{options: options}
}

// Process optimizes, hardens and compiles one condition tree.
func (c *Compiler) Process(node Node) Compiled {
	if !c.options.SkipOptimize {
		node = Optimize(node)
	}
	node = PushNot(node)
	if !c.options.LegacyNegation {
		node = NullSafe(node)
	}

	compiled := Compiled{Tree: node}
	switch c.options.Output {
	case OutputPredicate:
		compiled.Predicate = Predicate(node)
	default:
		compiled.SQL = RenderSQL(node)
	}
	return compiled
}

// RenderSQL returns the SQL filter expression for a tree.
func RenderSQL(node Node) string {
	return renderSQL(node, false)
}

// renderSQL renders a node; insideAnd requests parentheses around OR
// groups so operator precedence reads unambiguously.
func renderSQL(node Node, insideAnd bool) string {
	switch n := node.(type) {
	case equalNode:
		return n.field + " = " + sqlValue(n.value)
	case greaterNode:
		return n.field + " > " + sqlValue(n.value)
	case greaterOrEqualNode:
		return n.field + " >= " + sqlValue(n.value)
	case lessNode:
		return n.field + " < " + sqlValue(n.value)
	case lessOrEqualNode:
		return n.field + " <= " + sqlValue(n.value)
	case inNode:
		return n.field + " IN (" + sqlValueList(n.values) + ")"
	case betweenNode:
		return n.field + " BETWEEN " + sqlValue(n.low) + " AND " + sqlValue(n.high)
	case isTrueNode:
		return n.field + " IS TRUE"
	case isNullNode:
		return n.field + " IS NULL"
	case notNode:
		return renderNegationSQL(n.inner)
	case andNode:
		parts := make([]string, len(n.nodes))
		for i, child := range n.nodes {
			parts[i] = renderSQL(child, true)
		}
		return strings.Join(parts, " AND ")
	case orNode:
		parts := make([]string, len(n.nodes))
		for i, child := range n.nodes {
			parts[i] = renderSQL(child, false)
		}
		expression := strings.Join(parts, " OR ")
		if insideAnd {
			return "(" + expression + ")"
		}
		return expression
	case fixedNode:
		if n.value {
			return "TRUE"
		}
		return "FALSE"
	default:
		panic(fmt.Sprintf("cond: unknown node type %T", node))
	}
}

// renderNegationSQL renders NOT using the natural SQL negative
// operator where one exists.
func renderNegationSQL(inner Node) string {
	switch n := inner.(type) {
	case equalNode:
		return n.field + " != " + sqlValue(n.value)
	case inNode:
		return n.field + " NOT IN (" + sqlValueList(n.values) + ")"
	case betweenNode:
		return n.field + " NOT BETWEEN " + sqlValue(n.low) + " AND " + sqlValue(n.high)
	default:
		return "NOT (" + renderSQL(inner, false) + ")"
	}
}

func sqlValue(value any) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sqlValueList(values []any) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = sqlValue(value)
	}
	return strings.Join(parts, ", ")
}

// Record is one event record as seen by an in-process predicate. A
// missing key is the record-level NULL.
type Record map[string]any

// Predicate compiles a tree to a closure over records. Leaf
// comparisons over a missing field evaluate to false, so the
// predicate agrees with the null-safe SQL form.
func Predicate(node Node) func(Record) bool {
	switch n := node.(type) {
	case equalNode:
		return func(r Record) bool { return equalValues(r[n.field], n.value) }
	case greaterNode:
		return func(r Record) bool { return compareValues(r[n.field], n.value) > 0 }
	case greaterOrEqualNode:
		field := n.field
		value := n.value
		return func(r Record) bool {
			ordering := compareValues(r[field], value)
			return ordering != incomparable && ordering >= 0
		}
	case lessNode:
		field := n.field
		value := n.value
		return func(r Record) bool {
			ordering := compareValues(r[field], value)
			return ordering != incomparable && ordering < 0
		}
	case lessOrEqualNode:
		field := n.field
		value := n.value
		return func(r Record) bool {
			ordering := compareValues(r[field], value)
			return ordering != incomparable && ordering <= 0
		}
	case inNode:
		return func(r Record) bool {
			actual := r[n.field]
			for _, value := range n.values {
				if equalValues(actual, value) {
					return true
				}
			}
			return false
		}
	case betweenNode:
		field := n.field
		low, high := n.low, n.high
		return func(r Record) bool {
			lower := compareValues(r[field], low)
			upper := compareValues(r[field], high)
			return lower != incomparable && upper != incomparable &&
				lower >= 0 && upper <= 0
		}
	case isTrueNode:
		return func(r Record) bool {
			flag, ok := r[n.field].(bool)
			return ok && flag
		}
	case isNullNode:
		return func(r Record) bool {
			value, present := r[n.field]
			return !present || value == nil
		}
	case notNode:
		inner := Predicate(n.inner)
		return func(r Record) bool { return !inner(r) }
	case andNode:
		children := make([]func(Record) bool, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = Predicate(child)
		}
		return func(r Record) bool {
			for _, child := range children {
				if !child(r) {
					return false
				}
			}
			return true
		}
	case orNode:
		children := make([]func(Record) bool, len(n.nodes))
		for i, child := range n.nodes {
			children[i] = Predicate(child)
		}
		return func(r Record) bool {
			for _, child := range children {
				if child(r) {
					return true
				}
			}
			return false
		}
	case fixedNode:
		value := n.value
		return func(Record) bool { return value }
	default:
		panic(fmt.Sprintf("cond: unknown node type %T", node))
	}
}

// incomparable is returned by compareValues when the two values have
// no ordering (missing field, type mismatch).
const incomparable = -2

// equalValues compares loosely across numeric types so that a record
// int matches a condition float and vice versa.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if aNumber, aOK := asFloat(a); aOK {
		bNumber, bOK := asFloat(b)
		return bOK && aNumber == bNumber
	}
	return a == b
}

// compareValues orders two values: -1, 0, 1, or incomparable.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		return incomparable
	}
	if aNumber, aOK := asFloat(a); aOK {
		bNumber, bOK := asFloat(b)
		if !bOK {
			return incomparable
		}
		switch {
		case aNumber < bNumber:
			return -1
		case aNumber > bNumber:
			return 1
		}
		return 0
	}
	aText, aOK := a.(string)
	bText, bOK := b.(string)
	if !aOK || !bOK {
		return incomparable
	}
	return strings.Compare(aText, bText)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}
