package daemon

import (
	"context"
	"path/filepath"

	"github.com/kestrelnet/ptb/statedir"
)

// RunSummary pairs a statedir.RunInfo with the richer RunStatus a live
// run's daemon reports, when one is reachable (§6 `list` subcommand).
type RunSummary struct {
	statedir.RunInfo
	Status *RunStatus `json:"status,omitempty"`
}

// ListRuns enumerates every run directory under base and, for each one
// whose owning process is still alive, dials its daemon socket for a
// detailed status snapshot. A live run whose socket does not (yet, or
// no longer) answer simply gets no Status, rather than failing the
// whole listing.
func ListRuns(ctx context.Context, base string) ([]RunSummary, error) {
	runs, err := statedir.ListRuns(base)
	if err != nil {
		return nil, err
	}

	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summary := RunSummary{RunInfo: r}
		if r.Alive {
			socketPath := filepath.Join(r.Path, SocketFileName)
			if Reachable(socketPath) {
				if status, err := Dial(socketPath).Status(ctx); err == nil {
					summary.Status = &status
				}
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
