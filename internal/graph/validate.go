package graph

import (
	"fmt"
	"sort"
)

// Validate checks a wire-format graph for dangling references, slot indices
// out of range for known operation types, and cycles.
func Validate(raw Raw) error {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	adj := make(map[string][]string, len(raw))
	for _, id := range ids {
		node := raw[id]
		names := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			producer, slot, ok := asRef(node.Inputs[name])
			if !ok {
				continue
			}
			p, exists := raw[producer]
			if !exists {
				return fmt.Errorf("node %s input %q: %w %q", id, name, ErrDanglingRef, producer)
			}
			if slot < 0 {
				return fmt.Errorf("node %s input %q: %w: slot %d", id, name, ErrBadSlot, slot)
			}
			if op, known := catalog[p.ClassType]; known && slot >= len(op.Outputs()) {
				return fmt.Errorf("node %s input %q: %w: %s has %d outputs, slot %d requested",
					id, name, ErrBadSlot, p.ClassType, len(op.Outputs()), slot)
			}
			adj[producer] = append(adj[producer], id)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(raw))

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}
		state[id] = visited
		return false
	}

	for _, id := range ids {
		if state[id] == unvisited && dfs(id) {
			return fmt.Errorf("%w (reachable from node %s)", ErrCycleDetected, id)
		}
	}
	return nil
}

// asRef recognises a ["<id>", slot] reference. Slots decoded from JSON arrive
// as float64.
func asRef(v any) (string, int, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return "", 0, false
	}
	id, ok := pair[0].(string)
	if !ok {
		return "", 0, false
	}
	switch slot := pair[1].(type) {
	case int:
		return id, slot, true
	case float64:
		if slot != float64(int(slot)) {
			return "", 0, false
		}
		return id, int(slot), true
	}
	return "", 0, false
}
