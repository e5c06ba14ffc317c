package registry

import (
	"sort"
)

// ExecutionOrder returns requested names in dependency order. A worker is
// placed once every dependency that is also requested has been placed;
// dependencies outside the requested set are ignored. When a pass places
// nothing (a cycle), the remaining workers are appended by descending
// priority, then name. Every requested name appears exactly once;
// duplicates collapse and unknown names have no dependencies and priority 0.
func (r *Registry) ExecutionOrder(requested []string) []string {
	seen := make(map[string]bool, len(requested))
	pending := make([]string, 0, len(requested))
	for _, n := range requested {
		if !seen[n] {
			seen[n] = true
			pending = append(pending, n)
		}
	}

	deps := make(map[string][]string, len(pending))
	prio := make(map[string]int, len(pending))
	for _, n := range pending {
		meta, err := r.MetadataOf(n)
		if err != nil {
			continue
		}
		prio[n] = meta.Priority
		for _, d := range meta.DependsOn {
			if seen[d] && d != n {
				deps[n] = append(deps[n], d)
			}
		}
	}

	order := make([]string, 0, len(pending))
	placed := make(map[string]bool, len(pending))
	for len(pending) > 0 {
		var next []string
		progressed := false
		for _, n := range pending {
			if ready(deps[n], placed) {
				order = append(order, n)
				placed[n] = true
				progressed = true
			} else {
				next = append(next, n)
			}
		}
		pending = next
		if progressed {
			continue
		}

		sort.SliceStable(pending, func(i, j int) bool {
			if prio[pending[i]] != prio[pending[j]] {
				return prio[pending[i]] > prio[pending[j]]
			}
			return pending[i] < pending[j]
		})
		r.logger.Warn("dependency cycle in execution order, falling back to priority")
		order = append(order, pending...)
		break
	}
	return order
}

func ready(deps []string, placed map[string]bool) bool {
	for _, d := range deps {
		if !placed[d] {
			return false
		}
	}
	return true
}

// Cycles returns the sorted names of registered workers that can reach
// themselves through declared dependencies.
func (r *Registry) Cycles() []string {
	graph := make(map[string][]string)
	for _, e := range r.all() {
		graph[e.meta.Name] = e.meta.DependsOn
	}

	var cyclic []string
	for start := range graph {
		if reaches(graph, start, start) {
			cyclic = append(cyclic, start)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

// reaches reports whether target is reachable from from's dependencies.
func reaches(graph map[string][]string, from, target string) bool {
	visited := make(map[string]bool)
	stack := append([]string(nil), graph[from]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, graph[n]...)
	}
	return false
}
