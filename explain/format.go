package explain

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// JSON writes the report as indented JSON to w.
func JSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Pretty writes a human-readable report to w.
func Pretty(w io.Writer, r *Report) {
	fmt.Fprintln(w, r.Headline())

	for i, d := range r.Cycles {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  #%d  %s  score=%d", i+1, strings.ToUpper(d.Severity), d.Score)
		if len(d.Spans) > 1 {
			fmt.Fprintf(w, "  across %s", strings.Join(d.Spans, ", "))
		}
		fmt.Fprintln(w)

		fmt.Fprintln(w, "  Cycle:")
		for j := 0; j+1 < len(d.Path); j++ {
			fmt.Fprintf(w, "    %s\n      -> %s\n", d.Path[j], d.Path[j+1])
		}

		if len(d.Rationale) > 0 {
			fmt.Fprintln(w, "  Why this score:")
			for _, line := range d.Rationale {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
}
