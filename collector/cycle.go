package collector

import (
	"fmt"
	"sort"
)

// Severity classifies a Candidate's score against the configurable
// thresholds in spec.md §4.11.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityWarn   Severity = "warn"
	SeverityDanger Severity = "danger"
)

// Thresholds holds the score cutoffs for Severity classification.
// Defaults match spec.md §4.11 exactly.
type Thresholds struct {
	Danger int
	Warn   int
}

// DefaultThresholds returns spec.md §4.11's defaults: Danger >= 50, Warn >= 20.
func DefaultThresholds() Thresholds { return Thresholds{Danger: 50, Warn: 20} }

func (t Thresholds) classify(score int) Severity {
	switch {
	case score >= t.Danger:
		return SeverityDanger
	case score >= t.Warn:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Candidate is one reported cycle: its member nodes, a representative
// closed path through them, its severity score, the rationale lines that
// produced the score, and its classification.
type Candidate struct {
	Nodes     []NodeID
	Path      []NodeID // closed: Path[0] == Path[len(Path)-1]
	Score     int
	Rationale []string
	Severity  Severity
}

// blockingSubgraph returns the adjacency list restricted to blocking edge
// kinds (spec.md §4.11's "other edges are explanatory, not blocking"), plus
// the deterministic lexicographic node ordering Tarjan needs for
// reproducible output.
func blockingSubgraph(g *Graph) (adj map[string][]string, order []string) {
	adj = make(map[string][]string)
	for key := range g.Nodes {
		adj[key] = nil
		order = append(order, key)
	}
	sort.Strings(order)

	for _, e := range g.Edges {
		if !blockingKinds[e.Kind] {
			continue
		}
		src, dst := e.Src.String(), e.Dst.String()
		adj[src] = append(adj[src], dst)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	return adj, order
}

// tarjanSCC runs Tarjan's strongly-connected-components algorithm over adj
// in the deterministic node order, returning each SCC as a slice of node
// keys in discovery order.
func tarjanSCC(adj map[string][]string, order []string) [][]string {
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, v := range order {
		if _, seen := indices[v]; !seen {
			strongconnect(v)
		}
	}
	return sccs
}

// hasSelfLoop reports whether adj contains an edge from v to itself.
func hasSelfLoop(adj map[string][]string, v string) bool {
	for _, w := range adj[v] {
		if w == v {
			return true
		}
	}
	return false
}

// representativeCycle finds one simple cycle through scc via DFS from its
// first member, restricted to the SCC, and closes the path (first == last),
// per spec.md §4.11.
func representativeCycle(adj map[string][]string, scc []string) []string {
	if len(scc) == 1 {
		return []string{scc[0], scc[0]}
	}
	members := make(map[string]bool, len(scc))
	for _, v := range scc {
		members[v] = true
	}

	start := scc[0]
	visited := make(map[string]bool)
	var path []string

	var dfs func(v string) bool
	dfs = func(v string) bool {
		path = append(path, v)
		if v == start && len(path) > 1 {
			return true
		}
		if visited[v] {
			path = path[:len(path)-1]
			return false
		}
		visited[v] = true
		for _, w := range adj[v] {
			if !members[w] {
				continue
			}
			if w == start || !visited[w] {
				if dfs(w) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}
	dfs(start)
	return path
}

// Analyze finds cycle candidates in g's blocking-edge subgraph and scores
// each by severity, exactly per spec.md §4.11: SCCs of size >= 2, or size-1
// SCCs with a self-loop, are candidates; severity is computed from age,
// out-of-cycle waiters, process span, edge severity hints, and cycle size;
// candidates are returned sorted by score descending.
func Analyze(g *Graph, thresholds Thresholds) []Candidate {
	adj, order := blockingSubgraph(g)
	sccs := tarjanSCC(adj, order)

	byKey := make(map[string]NodeID, len(g.Nodes))
	for k, n := range g.Nodes {
		byKey[k] = n.ID
	}

	var candidates []Candidate
	for _, scc := range sccs {
		if len(scc) < 2 && !hasSelfLoop(adj, scc[0]) {
			continue
		}

		nodes := make([]NodeID, len(scc))
		for i, k := range scc {
			nodes[i] = byKey[k]
		}
		pathKeys := representativeCycle(adj, scc)
		path := make([]NodeID, len(pathKeys))
		for i, k := range pathKeys {
			path[i] = byKey[k]
		}

		score, rationale := scoreCycle(g, scc)
		candidates = append(candidates, Candidate{
			Nodes:     nodes,
			Path:      path,
			Score:     score,
			Rationale: rationale,
			Severity:  thresholds.classify(score),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}

// scoreCycle implements the exact severity table in spec.md §4.11. Wait
// age and edge severity hints are two independent signals: age is read
// off the SCC's own task/RPC nodes (Node.AgeSecs, filled by Ingest from
// entity birth / request start times), hints off the edges between SCC
// members.
func scoreCycle(g *Graph, scc []string) (int, []string) {
	members := make(map[string]bool, len(scc))
	for _, v := range scc {
		members[v] = true
	}

	score := 10
	rationale := []string{"cycle exists (+10)"}

	// Worst task/RPC age and process span come from the SCC's member
	// nodes themselves. Future nodes count as tasks here: an ingested
	// waiter with no task scope surfaces as a Future-bodied node.
	worstAge := 0.0
	tasks := 0
	pids := make(map[string]bool)
	for _, key := range scc {
		n, ok := g.Nodes[key]
		if !ok {
			continue
		}
		if n.ID.PID != "" {
			pids[n.ID.PID] = true
		}
		if n.ID.Kind == NodeTask || n.ID.Kind == NodeFuture {
			tasks++
		}
		switch n.ID.Kind {
		case NodeTask, NodeFuture, NodeRpcRequest:
			if n.AgeSecs > worstAge {
				worstAge = n.AgeSecs
			}
		}
	}

	switch {
	case worstAge > 30:
		score += 30
		rationale = append(rationale, fmt.Sprintf("worst task or RPC age %.1fs > 30s (+30)", worstAge))
	case worstAge > 10:
		score += 20
		rationale = append(rationale, fmt.Sprintf("worst task or RPC age %.1fs > 10s (+20)", worstAge))
	case worstAge > 1:
		score += 10
		rationale = append(rationale, fmt.Sprintf("worst task or RPC age %.1fs > 1s (+10)", worstAge))
	}

	// Max severity hint is scoped to edges between SCC members; waiters
	// blocked on the cycle from outside are counted separately.
	maxHint := 0
	outsideWaiters := make(map[string]bool)
	for _, e := range g.Edges {
		srcKey, dstKey := e.Src.String(), e.Dst.String()
		if members[srcKey] && members[dstKey] && e.SeverityHint > maxHint {
			maxHint = e.SeverityHint
		}
		if e.Kind == EdgeTaskWaitsOnResource && members[dstKey] && !members[srcKey] {
			outsideWaiters[srcKey] = true
		}
	}

	if len(outsideWaiters) > 10 {
		score += 20
		rationale = append(rationale, "more than 10 tasks blocked outside the cycle (+20)")
	} else if len(outsideWaiters) > 0 {
		add := 2 * len(outsideWaiters)
		score += add
		rationale = append(rationale, fmt.Sprintf("%d task(s) blocked outside the cycle (+%d)", len(outsideWaiters), add))
	}

	if len(pids) > 1 {
		score += 15
		rationale = append(rationale, fmt.Sprintf("spans %d processes (+15)", len(pids)))
	}

	if maxHint >= 3 {
		score += 10
		rationale = append(rationale, "an edge has severity hint >= 3 (+10)")
	}

	if tasks > 4 {
		score += 5
		rationale = append(rationale, "more than 4 tasks in cycle (+5)")
	}

	return score, rationale
}
