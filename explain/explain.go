// Package explain turns cycle-analysis output into concise operator-facing
// diagnoses. It is imported by cmd/peeps (for CLI output) and usable inline
// from tests against a collector.Graph.
package explain

import (
	"sort"
	"strings"

	"github.com/riglabs/peeps/collector"
)

// Report is the structured diagnosis for one analysis pass across every
// watched process.
type Report struct {
	Processes []string    `json:"processes"`
	Cycles    []Diagnosis `json:"cycles,omitempty"`
}

// Diagnosis describes a single cycle candidate in renderable terms.
type Diagnosis struct {
	Severity  string   `json:"severity"`
	Score     int      `json:"score"`
	Spans     []string `json:"spans"`          // distinct process ids among cycle members
	Path      []string `json:"path"`           // closed: first == last
	Rationale []string `json:"rationale,omitempty"`
}

// FromCandidates builds a Report from an Analyze pass. processes names
// every watched process (so an empty-cycle report still says what was
// looked at); candidates arrive already sorted by score descending and
// that order is preserved.
func FromCandidates(processes []string, candidates []collector.Candidate) *Report {
	r := &Report{Processes: processes}
	for _, c := range candidates {
		r.Cycles = append(r.Cycles, diagnose(c))
	}
	return r
}

func diagnose(c collector.Candidate) Diagnosis {
	pids := make(map[string]bool)
	for _, n := range c.Nodes {
		if n.PID != "" {
			pids[n.PID] = true
		}
	}
	spans := make([]string, 0, len(pids))
	for pid := range pids {
		spans = append(spans, pid)
	}
	sort.Strings(spans)

	path := make([]string, len(c.Path))
	for i, n := range c.Path {
		path[i] = n.String()
	}

	return Diagnosis{
		Severity:  string(c.Severity),
		Score:     c.Score,
		Spans:     spans,
		Path:      path,
		Rationale: c.Rationale,
	}
}

// Headline is the one-line summary of a report: the worst cycle's severity
// and path, or an all-clear.
func (r *Report) Headline() string {
	if len(r.Cycles) == 0 {
		return "no cycles across " + strings.Join(r.Processes, ", ")
	}
	worst := r.Cycles[0]
	return strings.ToUpper(worst.Severity) + " cycle: " + strings.Join(worst.Path, " -> ")
}
