// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

package cond

import "sort"

// Optimize rewrites a tree into an equivalent, usually smaller one:
//
//   - constant folding: And/Or absorb their Fixed identity and
//     dominate on their Fixed zero;
//   - equality merging: sibling Equal/In clauses over the same field
//     inside an Or collapse to one In clause;
//   - factoring: an Or branch whose clause set is a superset of a
//     sibling's clause set is implied by that sibling and dropped
//     (A AND B OR A  ==  A).
//
// Optimization never changes which records match; it only reduces the
// compiled output. The compiler can be configured to skip it for
// rollback safety.
func Optimize(node Node) Node {
	switch n := node.(type) {
	case andNode:
		return optimizeAnd(n)
	case orNode:
		return optimizeOr(n)
	case notNode:
		return Not(Optimize(n.inner))
	default:
		return node
	}
}

func optimizeAnd(n andNode) Node {
	children := make([]Node, 0, len(n.nodes))
	seen := make(map[string]bool, len(n.nodes))
	for _, child := range n.nodes {
		child = Optimize(child)
		if fixed, ok := child.(fixedNode); ok {
			if !fixed.value {
				return Fixed(false)
			}
			continue
		}
		// Duplicate conjuncts contribute nothing.
		key := child.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		children = append(children, child)
	}
	return And(children...)
}

func optimizeOr(n orNode) Node {
	children := make([]Node, 0, len(n.nodes))
	for _, child := range n.nodes {
		child = Optimize(child)
		if fixed, ok := child.(fixedNode); ok {
			if fixed.value {
				return Fixed(true)
			}
			continue
		}
		children = append(children, child)
	}

	children = mergeEqualities(children)
	children = factorOut(children)
	return Or(children...)
}

// mergeEqualities collapses Equal and In siblings over the same field
// into a single In clause with deduplicated values. Values keep first-
// appearance order so compiled output stays reproducible.
func mergeEqualities(children []Node) []Node {
	type bucket struct {
		values []any
		seen   map[string]bool
	}
	buckets := make(map[string]*bucket)
	fieldOrder := []string{}
	rest := make([]Node, 0, len(children))

	add := func(field string, values ...any) {
		b := buckets[field]
		if b == nil {
			b = &bucket{seen: make(map[string]bool)}
			buckets[field] = b
			fieldOrder = append(fieldOrder, field)
		}
		for _, value := range values {
			key := valueKey(value)
			if b.seen[key] {
				continue
			}
			b.seen[key] = true
			b.values = append(b.values, value)
		}
	}

	mergeable := 0
	for _, child := range children {
		switch n := child.(type) {
		case equalNode:
			add(n.field, n.value)
			mergeable++
		case inNode:
			add(n.field, n.values...)
			mergeable++
		default:
			rest = append(rest, child)
		}
	}
	if mergeable == 0 {
		return children
	}

	merged := make([]Node, 0, len(rest)+len(fieldOrder))
	for _, field := range fieldOrder {
		merged = append(merged, In(field, buckets[field].values...))
	}
	return append(merged, rest...)
}

// factorOut drops Or branches that are implied subsets of other
// branches. A branch is viewed as the set of its conjunct keys; if
// branch A's set contains branch B's set, then A implies B and
// "A OR B" reduces to B.
func factorOut(children []Node) []Node {
	if len(children) < 2 {
		return children
	}

	clauseSets := make([]map[string]bool, len(children))
	for i, child := range children {
		set := make(map[string]bool)
		if and, ok := child.(andNode); ok {
			for _, conjunct := range and.nodes {
				set[conjunct.Key()] = true
			}
		} else {
			set[child.Key()] = true
		}
		clauseSets[i] = set
	}

	// Visit in ascending clause-count order so general branches absorb
	// specific ones deterministically.
	order := make([]int, len(children))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return len(clauseSets[order[a]]) < len(clauseSets[order[b]])
	})

	dropped := make([]bool, len(children))
	for oi, i := range order {
		if dropped[i] {
			continue
		}
		for _, j := range order[oi+1:] {
			if dropped[j] {
				continue
			}
			if containsAll(clauseSets[j], clauseSets[i]) {
				dropped[j] = true
			}
		}
	}

	kept := children[:0]
	for i, child := range children {
		if !dropped[i] {
			kept = append(kept, child)
		}
	}
	return kept
}

// containsAll reports whether superset contains every key of subset.
func containsAll(superset, subset map[string]bool) bool {
	if len(subset) > len(superset) {
		return false
	}
	for key := range subset {
		if !superset[key] {
			return false
		}
	}
	return true
}
