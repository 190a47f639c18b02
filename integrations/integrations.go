// Package integrations implements Integration pre/post hooks (§4.8):
// `await` and `start_stop` invocation modes, per-stage blocking/async
// fan-out, a grace period, and error aggregation, grounded on
// original_source/controller/integrations/{base,await,start_stop}_integration.py.
package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Mode mirrors the original's AwaitIntegration vs StartStopIntegration
// split (§4.8).
type Mode string

const (
	ModeAwait     Mode = "await"
	ModeStartStop Mode = "start_stop"
)

// Stage is an Integration's declared invocation point (§4.8, §4.9).
type Stage string

const (
	StageStartup Stage = "STARTUP"
	StageNetwork Stage = "NETWORK"
	StageInit    Stage = "INIT"
)

// Spec describes one configured Integration.
type Spec struct {
	Name            string
	Mode            Mode
	Stage           Stage
	StartScript     string
	StopScript      string
	Blocking        bool
	WaitAfterInvoke time.Duration
	WaitForExit     time.Duration
	Environment     map[string]string
}

// Integration is a running instance of one Spec, tracking its start
// command and any reported error.
type Integration struct {
	spec Spec
	base string

	mu      sync.Mutex
	err     error
	startCmd *exec.Cmd
}

// New builds an Integration rooted at base, the testbed package
// directory every script path is resolved against (mirrors
// BaseIntegration.base_path).
func New(spec Spec, base string) *Integration {
	return &Integration{spec: spec, base: base}
}

func (i *Integration) scriptPath(rel string) string {
	return filepath.Join(i.base, rel)
}

func (i *Integration) setErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err == nil {
		i.err = err
	}
}

// Err returns any error reported by this Integration's start or stop run.
func (i *Integration) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// run executes a script under i.spec.Environment, capturing combined
// output into the error on non-zero exit (grounded on
// BaseIntegration.__run_subprocess).
func (i *Integration) run(ctx context.Context, script string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, "/bin/bash", i.scriptPath(script))
	cmd.Env = envSlice(i.spec.Environment)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return cmd, fmt.Errorf("integrations: %q exited with error: %w: %s", i.spec.Name, err, string(out))
	}
	return cmd, nil
}

func envSlice(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

// Start invokes the Integration's start (and, for `await`, its only)
// script, bounded by WaitForExit (§4.8).
func (i *Integration) Start(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, i.spec.WaitForExit)
	defer cancel()

	cmd, err := i.run(runCtx, i.spec.StartScript)
	i.mu.Lock()
	i.startCmd = cmd
	i.mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("integrations: %q timed out", i.spec.Name)
	}
	if err != nil {
		i.setErr(err)
	}
	return err
}

// Stop invokes the stop script for start_stop Integrations; it does not
// kill a start script that is still running, which stays bounded only by
// its own WaitForExit timeout. Stop is a no-op for await Integrations
// (grounded on AwaitIntegration.stop: "stop is always async").
func (i *Integration) Stop(ctx context.Context) error {
	if i.spec.Mode != ModeStartStop {
		return nil
	}
	if i.spec.StopScript == "" {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, i.spec.WaitForExit)
	defer cancel()
	_, err := i.run(runCtx, i.spec.StopScript)
	if err != nil {
		i.setErr(err)
	}
	return err
}

// Manager runs the Integrations configured for each Stage (§4.8, §4.9).
type Manager struct {
	byStage map[Stage][]*Integration
	started []*Integration
}

// NewManager groups specs by their declared stage.
func NewManager(specs []Spec, base string) *Manager {
	m := &Manager{byStage: map[Stage][]*Integration{}}
	for _, s := range specs {
		m.byStage[s.Stage] = append(m.byStage[s.Stage], New(s, base))
	}
	return m
}

// RunStage performs the four-step sequence in §4.8: synchronously run
// blocking Integrations, launch non-blocking ones, sleep the grace
// period, then poll for errors. Any error taints the stage.
func (m *Manager) RunStage(ctx context.Context, stage Stage) error {
	integrations := m.byStage[stage]
	if len(integrations) == 0 {
		return nil
	}

	var grace time.Duration
	var blockingErrs errgroup.Group
	for _, in := range integrations {
		in := in
		if grace < in.spec.WaitAfterInvoke {
			grace = in.spec.WaitAfterInvoke
		}
		if in.spec.Blocking {
			blockingErrs.Go(func() error { return in.Start(ctx) })
		}
	}
	if err := blockingErrs.Wait(); err != nil {
		return fmt.Errorf("integrations: stage %s: %w", stage, err)
	}

	for _, in := range integrations {
		if in.spec.Blocking {
			continue
		}
		in := in
		m.started = append(m.started, in)
		go func() {
			if err := in.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "integrations: start failed", "name", in.spec.Name, "error", err)
			}
		}()
	}

	if grace > 0 {
		select {
		case <-time.After(grace):
		case <-ctx.Done():
		}
	}

	var errs []error
	for _, in := range integrations {
		if err := in.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("integrations: stage %s reported %d error(s): %w", stage, len(errs), errs[0])
	}
	return nil
}

// StopAll runs every non-blocking Integration's stop script concurrently
// (§4.9 step 14), aggregating errors rather than short-circuiting so every
// teardown gets a chance to run.
func (m *Manager) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, in := range m.started {
		in := in
		g.Go(func() error { return in.Stop(ctx) })
	}
	return g.Wait()
}
