package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/riglabs/peeps/collector"
	"github.com/riglabs/peeps/explain"
)

// cyclesResponse mirrors peepsd's GET /cycles payload.
type cyclesResponse struct {
	Processes  []string              `json:"processes"`
	Candidates []collector.Candidate `json:"candidates"`
}

func runCycles(args []string) error {
	fs := flag.NewFlagSet("cycles", flag.ContinueOnError)
	var (
		collectorURL string
		asJSON       bool
	)
	fs.StringVar(&collectorURL, "collector", "http://127.0.0.1:7070", "peepsd API base URL")
	fs.BoolVar(&asJSON, "json", false, "output the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Get(collectorURL + "/cycles")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}

	var body cyclesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	report := explain.FromCandidates(body.Processes, body.Candidates)
	if asJSON {
		return explain.JSON(os.Stdout, report)
	}
	render(report)
	return nil
}

func render(r *explain.Report) {
	if len(r.Cycles) == 0 {
		fmt.Printf("%s %s\n", bold("ok"), dim("no cycles across "+strings.Join(r.Processes, ", ")))
		return
	}

	for i, d := range r.Cycles {
		if i > 0 {
			fmt.Println()
		}
		head := fmt.Sprintf("#%d %s score=%d", i+1, colorSeverity(strings.ToUpper(d.Severity)), d.Score)
		if len(d.Spans) > 1 {
			head += dim("  across " + strings.Join(d.Spans, ", "))
		}
		fmt.Println(bold(head))

		for j := 0; j+1 < len(d.Path); j++ {
			fmt.Printf("  %s\n    %s %s\n", d.Path[j], dim("->"), d.Path[j+1])
		}
		for _, line := range d.Rationale {
			fmt.Printf("  %s\n", dim(line))
		}
	}
}
