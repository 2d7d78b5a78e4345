package graphstore

import (
	"context"
	"sort"

	"github.com/fyrsmithlabs/reviewmemory/internal/workpool"
)

// detectCycles runs bounded elementary-cycle enumeration on the worker pool.
func detectCycles(ctx context.Context, pool *workpool.Pool, adj map[string][]string, opts Options) (*CycleReport, error) {
	return workpool.Do(ctx, pool, func(ctx context.Context) (*CycleReport, error) {
		return enumerateCycles(ctx, adj, opts.MaxCycleNodes, opts.MaxCycles)
	})
}

// enumerateCycles implements Johnson's algorithm. When the graph has more
// than maxNodes vertices only the first maxNodes (lexical order) are
// searched; enumeration also stops after maxCycles cycles. Either bound sets
// Truncated. Each cycle starts at its lexically smallest vertex.
func enumerateCycles(ctx context.Context, adj map[string][]string, maxNodes, maxCycles int) (*CycleReport, error) {
	names := make(map[string]struct{}, len(adj))
	for from, tos := range adj {
		names[from] = struct{}{}
		for _, to := range tos {
			names[to] = struct{}{}
		}
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	report := &CycleReport{Cycles: [][]string{}, Nodes: len(ordered)}
	if maxNodes > 0 && len(ordered) > maxNodes {
		ordered = ordered[:maxNodes]
		report.Truncated = true
	}

	index := make(map[string]int, len(ordered))
	for i, n := range ordered {
		index[n] = i
	}
	graph := make([][]int, len(ordered))
	for from, tos := range adj {
		fi, ok := index[from]
		if !ok {
			continue
		}
		seen := make(map[int]struct{}, len(tos))
		for _, to := range tos {
			ti, ok := index[to]
			if !ok {
				continue
			}
			if _, dup := seen[ti]; dup {
				continue
			}
			seen[ti] = struct{}{}
			graph[fi] = append(graph[fi], ti)
		}
		sort.Ints(graph[fi])
	}

	j := &johnson{
		ctx:       ctx,
		graph:     graph,
		names:     ordered,
		blocked:   make([]bool, len(ordered)),
		blockMap:  make([]map[int]struct{}, len(ordered)),
		maxCycles: maxCycles,
		report:    report,
	}
	for i := range j.blockMap {
		j.blockMap[i] = make(map[int]struct{})
	}

	for s := 0; s < len(ordered) && !j.stop; s++ {
		comp := sccContaining(graph, s)
		if comp == nil {
			continue
		}
		j.start = s
		j.inComp = comp
		for v := range comp {
			j.blocked[v] = false
			clear(j.blockMap[v])
		}
		j.circuit(s)
	}

	if j.err != nil {
		return nil, j.err
	}
	return report, nil
}

type johnson struct {
	ctx       context.Context
	graph     [][]int
	names     []string
	blocked   []bool
	blockMap  []map[int]struct{}
	stack     []int
	start     int
	inComp    map[int]struct{}
	maxCycles int
	report    *CycleReport
	steps     int
	stop      bool
	err       error
}

func (j *johnson) circuit(v int) bool {
	j.steps++
	if j.steps%1024 == 0 {
		if err := j.ctx.Err(); err != nil {
			j.err = err
			j.stop = true
		}
	}
	if j.stop {
		return false
	}

	found := false
	j.stack = append(j.stack, v)
	j.blocked[v] = true

	for _, w := range j.graph[v] {
		if j.stop {
			break
		}
		if _, ok := j.inComp[w]; !ok {
			continue
		}
		if w == j.start {
			j.emit()
			found = true
		} else if !j.blocked[w] && j.circuit(w) {
			found = true
		}
	}

	if found {
		j.unblock(v)
	} else {
		for _, w := range j.graph[v] {
			if _, ok := j.inComp[w]; ok {
				j.blockMap[w][v] = struct{}{}
			}
		}
	}
	j.stack = j.stack[:len(j.stack)-1]
	return found
}

func (j *johnson) unblock(u int) {
	j.blocked[u] = false
	for w := range j.blockMap[u] {
		delete(j.blockMap[u], w)
		if j.blocked[w] {
			j.unblock(w)
		}
	}
}

func (j *johnson) emit() {
	cycle := make([]string, len(j.stack))
	for i, v := range j.stack {
		cycle[i] = j.names[v]
	}
	j.report.Cycles = append(j.report.Cycles, cycle)
	if j.maxCycles > 0 && len(j.report.Cycles) >= j.maxCycles {
		j.report.Truncated = true
		j.stop = true
	}
}

// sccContaining returns the strongly connected component of s within the
// subgraph of vertices >= s, or nil when that component has no cycle.
func sccContaining(graph [][]int, s int) map[int]struct{} {
	// Forward reachability from s and backward reachability to s, both
	// restricted to vertices >= s; their intersection is the SCC.
	forward := reach(s, func(v int) []int { return graph[v] }, s)

	reverse := make(map[int][]int)
	for v := range forward {
		for _, w := range graph[v] {
			if w >= s {
				reverse[w] = append(reverse[w], v)
			}
		}
	}
	backward := reach(s, func(v int) []int { return reverse[v] }, s)

	comp := make(map[int]struct{})
	for v := range forward {
		if _, ok := backward[v]; ok {
			comp[v] = struct{}{}
		}
	}

	if len(comp) == 1 {
		for _, w := range graph[s] {
			if w == s {
				return comp
			}
		}
		return nil
	}
	return comp
}

func reach(s int, next func(int) []int, min int) map[int]struct{} {
	seen := map[int]struct{}{s: {}}
	queue := []int{s}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range next(v) {
			if w < min {
				continue
			}
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			queue = append(queue, w)
		}
	}
	return seen
}
