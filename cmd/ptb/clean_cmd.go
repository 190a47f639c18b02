package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelnet/ptb/controller"
)

// CleanCmd implements `ptb clean` (§6): removes a prior run's persisted
// result store, identified by experiment tag.
type CleanCmd struct {
	Experiment string `arg:"" optional:"" name:"experiment" help:"experiment tag to clean (defaults to -e/--experiment)"`
}

func (cl *CleanCmd) Run(cctx *Context) error {
	experiment := cl.Experiment
	if experiment == "" {
		experiment = cctx.Experiment
	}
	path := filepath.Join(controller.ResultsDir(cctx.StateBase), experiment+".sqlite")

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("no results found for experiment %q\n", experiment)
			return nil
		}
		return fmt.Errorf("ptb clean: %w", err)
	}
	// WAL mode (resultstore.Open) leaves -wal/-shm sidecar files; these
	// are best-effort since a clean sqlite checkpoint already merges them.
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")

	fmt.Printf("removed results for experiment %q\n", experiment)
	return nil
}
