package controller

import (
	"context"
	"log/slog"
)

// teardown implements §4.9 step 14: integration stop scripts, hypervisor
// shutdown, network teardown. Every sub-step runs even if an earlier one
// errors, so a partial bring-up never leaks bridges or processes; errors
// are logged rather than returned since Run has already decided the exit
// code by the time teardown runs.
func (c *Controller) teardown(ctx context.Context) {
	if c.integrationsMgr != nil {
		if err := c.integrationsMgr.StopAll(ctx); err != nil {
			slog.ErrorContext(ctx, "controller: integration stop", "error", err)
		}
	}

	grace := normalTeardownGrace
	if c.interrupted.Load() {
		grace = forceTeardownGrace
	}
	for _, name := range c.order {
		rt := c.instances[name]
		if rt == nil || rt.supervisor == nil {
			continue
		}
		if err := rt.supervisor.Shutdown(ctx, grace); err != nil {
			slog.ErrorContext(ctx, "controller: shut down instance", "instance", name, "error", err)
		}
	}

	if err := c.teardownFabric(ctx); err != nil {
		slog.ErrorContext(ctx, "controller: tear down fabric", "error", err)
	}

	if c.daemonSrv != nil {
		c.daemonSrv.Shutdown()
	}
}
