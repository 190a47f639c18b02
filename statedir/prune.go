package statedir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// RunInfo describes one run directory found under a state base, whether
// or not its owning process is still alive (§6 `list` subcommand).
type RunInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	PID   int    `json:"pid"`
	Alive bool   `json:"alive"`
}

// ListRuns enumerates every run directory under base without mutating
// anything, for `ptb list` to report on both live and orphaned runs.
func ListRuns(base string) ([]RunInfo, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("statedir: reading state base: %w", err)
	}

	var runs []RunInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, ok := pidFromRunDirName(e.Name())
		if !ok {
			continue
		}
		runs = append(runs, RunInfo{
			Name:  e.Name(),
			Path:  filepath.Join(base, e.Name()),
			PID:   pid,
			Alive: isRunAlive(pid),
		})
	}
	return runs, nil
}

// PruneResult summarises one prune pass (§4.1, §8 idempotence property).
type PruneResult struct {
	RemovedRunDirs []string
	RemovedBridges []string
	RemovedTAPs    []string
}

// Fabric is the subset of fabric.Manager prune needs: tearing down an
// orphaned run's bridges and TAPs by name alone (no live handle).
type Fabric interface {
	DestroyByName(ctx context.Context, bridges, taps []string) error
}

// Prune walks every run subdirectory under base, treats any whose
// `<pid>-<uid>` owning pid is not alive as orphaned, and removes its
// bridges, TAPs and interchange contents. Running Prune twice in a row
// performs no work the second time, since the first pass already removed
// every orphan (§8).
func Prune(ctx context.Context, base string, fab Fabric) (*PruneResult, error) {
	lock, err := NewGlobalLock(base)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	if err := lock.Lock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return &PruneResult{}, nil
		}
		return nil, fmt.Errorf("statedir: reading state base: %w", err)
	}

	result := &PruneResult{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, ok := pidFromRunDirName(e.Name())
		if !ok {
			continue
		}
		if isRunAlive(pid) {
			continue
		}

		runPath := filepath.Join(base, e.Name())
		mapping, err := readMapping(filepath.Join(runPath, "reservationmap.json"))
		if err == nil && fab != nil {
			if err := fab.DestroyByName(ctx, mapping.Bridges, mapping.TAPs); err != nil {
				return result, fmt.Errorf("statedir: prune %s: tearing down fabric: %w", e.Name(), err)
			}
			result.RemovedBridges = append(result.RemovedBridges, mapping.Bridges...)
			result.RemovedTAPs = append(result.RemovedTAPs, mapping.TAPs...)
		}

		if err := os.RemoveAll(runPath); err != nil {
			return result, fmt.Errorf("statedir: prune %s: %w", e.Name(), err)
		}
		result.RemovedRunDirs = append(result.RemovedRunDirs, e.Name())
	}

	return result, nil
}

func readMapping(path string) (*ReservationMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m ReservationMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// pidFromRunDirName parses the `<pid>-<uid>` directory naming scheme.
func pidFromRunDirName(name string) (int, bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}
