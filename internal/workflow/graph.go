package workflow

import (
	"fmt"
	"strings"
)

// CycleError reports components that could not be ordered.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among components: %s", strings.Join(e.Remaining, ", "))
}

// topoOrder returns component ids so that every dependency precedes its
// dependent (Kahn's algorithm). Among ready components the one listed first
// goes first, which makes the order deterministic.
func topoOrder(components []Component) ([]string, error) {
	index := make(map[string]int, len(components))
	for i, c := range components {
		index[c.ID] = i
	}

	inDegree := make([]int, len(components))
	dependents := make([][]int, len(components))
	for i, c := range components {
		for _, dep := range c.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("component %s depends on unknown component %s", c.ID, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(components))
	order := make([]string, 0, len(components))
	for len(order) < len(components) {
		next := -1
		for i := range components {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var rest []string
			for i, c := range components {
				if !done[i] {
					rest = append(rest, c.ID)
				}
			}
			return nil, &CycleError{Remaining: rest}
		}
		done[next] = true
		order = append(order, components[next].ID)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}
	return order, nil
}

// ValidOrder reports whether order is a topological order of components.
func ValidOrder(components []Component, order []string) bool {
	if len(order) != len(components) {
		return false
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, c := range components {
		p, ok := pos[c.ID]
		if !ok {
			return false
		}
		for _, dep := range c.DependsOn {
			dp, ok := pos[dep]
			if !ok || dp >= p {
				return false
			}
		}
	}
	return true
}
