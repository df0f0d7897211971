package registry

import (
	"sort"

	"github.com/connectias/pluginhost/internal/domain/plugin"
)

// Resolution is the outcome of resolving one plugin's dependency graph
// (spec §4.8 "Dependency resolution").
type Resolution struct {
	Resolved    []plugin.ID
	Missing     []plugin.ID
	Circular    []plugin.ID
	Resolvable  bool
	LoadOrder   []plugin.ID
}

// Resolve computes target's dependency resolution against the current
// registry contents.
func (r *Registry) Resolve(target plugin.ID) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := Resolution{}
	seen := make(map[plugin.ID]struct{})
	r.collectDependencies(target, seen, &res)
	res.Circular = r.detectCircular(target)

	res.Resolvable = len(res.Missing) == 0 && len(res.Circular) == 0
	if res.Resolvable {
		res.LoadOrder = r.topologicalOrder(append([]plugin.ID{target}, res.Resolved...))
	}
	return res
}

// collectDependencies walks target's direct dependencies, classifying
// each as resolved (present in the registry) or missing, and recursing.
// It does not itself need cycle state: DFS-based cycle detection happens
// in detectCircular, called once per top-level Resolve.
func (r *Registry) collectDependencies(target plugin.ID, visited map[plugin.ID]struct{}, res *Resolution) {
	if _, ok := visited[target]; ok {
		return
	}
	visited[target] = struct{}{}

	entry, ok := r.entries[target]
	if !ok {
		return
	}
	for _, dep := range entry.Info.Dependencies {
		if _, ok := r.entries[dep]; !ok {
			res.Missing = appendUnique(res.Missing, dep)
			continue
		}
		res.Resolved = appendUnique(res.Resolved, dep)
		r.collectDependencies(dep, visited, res)
	}
}

// detectCircular runs a DFS from start with an active-set (the current
// recursion stack); any dependency reachable while still on the stack is
// part of a cycle.
func (r *Registry) detectCircular(start plugin.ID) []plugin.ID {
	active := make(map[plugin.ID]bool)
	visited := make(map[plugin.ID]bool)
	var cycle []plugin.ID

	var dfs func(id plugin.ID) bool
	dfs = func(id plugin.ID) bool {
		active[id] = true
		visited[id] = true
		entry, ok := r.entries[id]
		if ok {
			for _, dep := range entry.Info.Dependencies {
				if active[dep] {
					cycle = appendUnique(cycle, dep)
					cycle = appendUnique(cycle, id)
					return true
				}
				if !visited[dep] {
					if dfs(dep) {
						cycle = appendUnique(cycle, id)
						return true
					}
				}
			}
		}
		active[id] = false
		return false
	}
	dfs(start)
	return cycle
}

// topologicalOrder runs Kahn's algorithm over the sub-DAG induced by
// ids, breaking ties lexicographically by plugin.ID for determinism
// (spec §4.8).
func (r *Registry) topologicalOrder(ids []plugin.ID) []plugin.ID {
	nodes := make(map[plugin.ID]struct{}, len(ids))
	for _, id := range ids {
		nodes[id] = struct{}{}
	}

	inDegree := make(map[plugin.ID]int, len(nodes))
	edges := make(map[plugin.ID][]plugin.ID) // dependency -> dependents
	for id := range nodes {
		inDegree[id] = 0
	}
	for id := range nodes {
		entry, ok := r.entries[id]
		if !ok {
			continue
		}
		for _, dep := range entry.Info.Dependencies {
			if _, ok := nodes[dep]; !ok {
				continue
			}
			edges[dep] = append(edges[dep], id)
			inDegree[id]++
		}
	}

	var ready []plugin.ID
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var order []plugin.ID
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range edges[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return order
}

func appendUnique(ids []plugin.ID, id plugin.ID) []plugin.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
