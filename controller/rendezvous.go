package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelnet/ptb/config"
	"github.com/kestrelnet/ptb/depengine"
	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/statemachine"
)

// rendezvous wraps statemachine.Manager.WaitForAll, mapping its result
// onto the step's error, for the bring-up rendezvous points where any
// single Instance's FAILED transition is a whole-run abort (§4.9 steps
// 6/8/10; step 12's APPS_DONE/APPS_FAILED rendezvous is deliberately more
// tolerant — see waitTolerant).
func (c *Controller) rendezvous(ctx context.Context, state statemachine.State, timeout time.Duration) error {
	switch c.sm.WaitForAll(ctx, state, timeout) {
	case statemachine.WaitOK:
		return nil
	case statemachine.WaitFailed:
		return fmt.Errorf("%w: an instance failed waiting to reach %s", ErrSupervisor, state)
	case statemachine.WaitTimeout:
		return fmt.Errorf("%w: timed out waiting for every instance to reach %s", ErrSupervisor, state)
	default:
		return ErrInterrupted
	}
}

// waitTolerant polls every Instance until each has reached target or
// FAILED, treating FAILED as an acceptable (if unsuccessful) terminal for
// this rendezvous rather than aborting the whole run (§7: "Application
// failures ... do not necessarily abort the run").
func (c *Controller) waitTolerant(ctx context.Context, target statemachine.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if c.interrupted.Load() || ctx.Err() != nil {
			return ErrInterrupted
		}

		allDone := true
		for _, name := range c.order {
			st, _ := c.sm.State(name)
			switch st {
			case target:
			case statemachine.StateFailed:
				c.anyAppFailed.Store(true)
			default:
				allDone = false
			}
		}
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: timed out waiting for every instance to reach %s", ErrSupervisor, target)
		}

		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ErrInterrupted
		}
	}
}

// initializeInstances implements §4.9 step 8.
func (c *Controller) initializeInstances(ctx context.Context) error {
	for _, name := range c.order {
		rt := c.instances[name]
		payload := protocol.InitializePayload{
			Script:            rt.cfg.SetupScript,
			Environment:       rt.cfg.Environment,
			SnapshotRequested: c.opts.Checkpoint,
		}
		if err := rt.supervisor.Send(protocol.KindInitialize, payload); err != nil {
			return fmt.Errorf("%w: send initialize to %q: %w", ErrSupervisor, rt.cfg.Name, err)
		}
	}
	return c.rendezvous(ctx, statemachine.StateInitialized, durationSeconds(c.cfg.Settings.StartupInitTimeout))
}

// checkpointIfRequested implements §4.11: once every Instance has
// confirmed INITIALIZED (and, with --checkpoint, each Agent has been told
// SnapshotRequested so it knows this boot is the one a later run resumes
// from), reset the result store's per-Application ledger for this
// experiment so the next `ptb run` of the same experiment name starts
// clean rather than appending to this attempt's Application records.
func (c *Controller) checkpointIfRequested(ctx context.Context) error {
	if !c.opts.Checkpoint || c.store == nil {
		return nil
	}
	if err := c.store.Checkpoint(c.experiment); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrSupervisor, err)
	}
	return nil
}

// installApps implements §4.9 step 10, pre-validating every Application's
// type resolves in the registry before any Instance is told to install
// anything (fail fast, mirroring §4.7's "fail the run before starting any
// Instance" rule for the dependency graph).
func (c *Controller) installApps(ctx context.Context) error {
	roots := map[depengine.AppKey]bool{}
	for _, k := range c.engine.Roots() {
		roots[k] = true
	}

	for _, name := range c.order {
		rt := c.instances[name]
		specs := make([]protocol.AppSpec, 0, len(rt.cfg.Applications))
		for _, app := range rt.cfg.Applications {
			if _, err := c.registry.Load(app.Type); err != nil {
				return fmt.Errorf("%w: application %q on %q: %w", config.ErrConfiguration, app.Name, rt.cfg.Name, err)
			}
			specs = append(specs, protocol.AppSpec{
				Name:      app.Name,
				Type:      app.Type,
				Delay:     app.Delay,
				Runtime:   app.Runtime,
				DontStore: app.DontStore || c.opts.DontStore,
				Settings:  app.Settings,
				IsRoot:    roots[depengine.AppKey{Instance: rt.cfg.Name, App: app.Name}],
			})
		}
		if err := rt.supervisor.Send(protocol.KindInstallApps, protocol.InstallAppsPayload{Applications: specs}); err != nil {
			return fmt.Errorf("%w: send install_apps to %q: %w", ErrSupervisor, rt.cfg.Name, err)
		}
	}
	return c.rendezvous(ctx, statemachine.StateAppsInstalled, durationSeconds(c.cfg.Settings.StartupInitTimeout))
}

// runApps implements §4.9 step 11: compute a shared t0 far enough ahead
// that every Agent can receive run_apps before it arrives, and broadcast
// it to every Instance. Every Instance moves APPS_INSTALLED -> APPS_READY
// -> IN_EXPERIMENT here: there is no distinct wire message for APPS_READY
// (every Application is already installed and awaiting t0), so the
// Controller assigns both states itself around the broadcast that starts
// the experiment clock (§4.5 ordering).
func (c *Controller) runApps(ctx context.Context) error {
	now := time.Now()
	t0 := now.Add(clockSyncSlack)
	for _, name := range c.order {
		rt := c.instances[name]
		if err := c.sm.Transition(name, statemachine.StateAppsReady); err != nil {
			return fmt.Errorf("%w: %w", ErrSupervisor, err)
		}
		payload := protocol.RunAppsPayload{T0: t0, TCurrent: now}
		if err := rt.supervisor.Send(protocol.KindRunApps, payload); err != nil {
			return fmt.Errorf("%w: send run_apps to %q: %w", ErrSupervisor, rt.cfg.Name, err)
		}
		if err := c.sm.Transition(name, statemachine.StateInExperiment); err != nil {
			return fmt.Errorf("%w: %w", ErrSupervisor, err)
		}
	}
	return nil
}

// waitAppsDone implements §4.9 step 12: rendezvous on FINISHED (driven by
// apps_done), accepting FAILED (driven by apps_failed) as well — an
// Application failure does not abort other Instances' experiments.
func (c *Controller) waitAppsDone(ctx context.Context) error {
	timeout := durationSeconds(c.cfg.Settings.ExperimentTimeout)
	if timeout <= 0 {
		timeout = durationSeconds(c.engine.MaximumRuntime()) + experimentSafetyMargin
	}
	return c.waitTolerant(ctx, statemachine.StateFinished, timeout)
}

// finishInstances implements §4.9 step 13: every Instance still connected
// is told to preserve files and shut down cleanly; Instances already
// FAILED are skipped (their control stream may already be gone).
func (c *Controller) finishInstances(ctx context.Context) error {
	for _, name := range c.order {
		rt := c.instances[name]
		if st, _ := c.sm.State(name); st == statemachine.StateFailed {
			continue
		}
		payload := protocol.FinishPayload{
			PreserveFiles: rt.cfg.Preserve,
			DoPreserve:    len(rt.cfg.Preserve) > 0 || c.opts.PreserveDir != "",
		}
		if err := rt.supervisor.Send(protocol.KindFinish, payload); err != nil {
			return fmt.Errorf("%w: send finish to %q: %w", ErrSupervisor, rt.cfg.Name, err)
		}
	}
	return c.waitTolerant(ctx, statemachine.StateFilesPreserved, normalTeardownGrace)
}
