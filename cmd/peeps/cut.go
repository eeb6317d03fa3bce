package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
)

// cutResponse mirrors the JSON shape of cut.Result.
type cutResponse struct {
	CutID   string `json:"CutID"`
	Partial bool   `json:"Partial"`
	Acks    []struct {
		ProcessID string `json:"ProcessID"`
	} `json:"Acks"`
}

func runCut(args []string) error {
	fs := flag.NewFlagSet("cut", flag.ContinueOnError)
	var collectorURL string
	fs.StringVar(&collectorURL, "collector", "http://127.0.0.1:7070", "peepsd API base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	resp, err := http.Post(collectorURL+"/cuts", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}

	var body cutResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	state := "complete"
	if body.Partial {
		state = "partial (quiescence timeout hit)"
	}
	fmt.Printf("%s %s: %d ack(s), %s\n", bold("cut"), body.CutID, len(body.Acks), state)
	return nil
}
