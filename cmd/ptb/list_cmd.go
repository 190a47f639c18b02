package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kestrelnet/ptb/daemon"
)

// ListCmd implements `ptb list` (§6), grounded on cmd/sand/ls_cmd.go's
// tabwriter-formatted listing.
type ListCmd struct {
	JSON bool `help:"print machine-readable JSON instead of a table"`
}

func (l *ListCmd) Run(cctx *Context) error {
	summaries, err := daemon.ListRuns(context.Background(), cctx.StateBase)
	if err != nil {
		return err
	}

	if l.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintln(tw, "RUN\tPID\tALIVE\tEXPERIMENT\tINSTANCES")
	for _, s := range summaries {
		experiment, instances := "-", "-"
		if s.Status != nil {
			experiment = s.Status.Experiment
			instances = fmt.Sprintf("%d", len(s.Status.Instances))
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", s.Name, s.PID, s.Alive, experiment, instances)
	}
	return nil
}
