package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelnet/ptb/controller"
	"github.com/kestrelnet/ptb/resultstore"
)

// ExportCmd implements `ptb export` (§6): dumps every persisted entry for
// an experiment as newline-delimited JSON, mirroring the wire format's
// one-JSON-object-per-line framing (§6 "Wire format").
type ExportCmd struct {
	Experiment string `arg:"" optional:"" name:"experiment" help:"experiment tag to export (defaults to -e/--experiment)"`
	Out        string `short:"o" name:"out" default:"" placeholder:"<path>" help:"write to this file instead of stdout"`
}

func (e *ExportCmd) Run(cctx *Context) error {
	experiment := e.Experiment
	if experiment == "" {
		experiment = cctx.Experiment
	}

	path := filepath.Join(controller.ResultsDir(cctx.StateBase), experiment+".sqlite")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("ptb export: no results found for experiment %q", experiment)
	}

	store, err := resultstore.Open(path)
	if err != nil {
		return fmt.Errorf("ptb export: %w", err)
	}
	defer store.Close()

	entries, err := store.Entries(experiment)
	if err != nil {
		return fmt.Errorf("ptb export: %w", err)
	}

	out := os.Stdout
	if e.Out != "" {
		f, err := os.Create(e.Out)
		if err != nil {
			return fmt.Errorf("ptb export: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("ptb export: %w", err)
		}
	}
	return nil
}
