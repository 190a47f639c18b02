package controller

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kestrelnet/ptb/config"
	"github.com/kestrelnet/ptb/depengine"
	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/resultstore"
)

// recordAppStatus persists one Application's status and drives the
// deferred-start engine: a "started" report satisfies any at=start
// dependency edge, a "finished" report satisfies any at=finish edge, and
// a "failed" report both flips anyAppFailed (the signal Run uses to
// choose exit code 2 over 0, §7) and rules out every at=finish dependent
// as NEVER_STARTED (§7, §9). Every newly-startable Application is told to
// begin over the control channel (§4.7).
func (c *Controller) recordAppStatus(instance string, st protocol.AppsExtendedStatusPayload) {
	c.persistAppStatus(instance, st)

	switch st.State {
	case "started":
		c.satisfyAndStart(instance, st.AppName, config.DependencyAtStart)
	case "finished":
		c.satisfyAndStart(instance, st.AppName, config.DependencyAtFinish)
	case "failed":
		c.anyAppFailed.Store(true)
		c.markUnsatisfiable(instance, st.AppName)
	}
}

func (c *Controller) persistAppStatus(instance string, st protocol.AppsExtendedStatusPayload) {
	if c.store == nil {
		return
	}
	_ = c.store.RecordAppStatus(resultstore.AppStatus{
		Experiment:  c.experiment,
		Instance:    instance,
		AppName:     st.AppName,
		State:       st.State,
		ExitMessage: st.ExitMsg,
		RecordedAt:  time.Now(),
	})
}

// satisfyAndStart asks the dependency engine which Applications become
// startable now that (instance, appName) reached at, and tells each
// owning Instance's Agent to start it.
func (c *Controller) satisfyAndStart(instance, appName string, at config.DependencyPoint) {
	if c.engine == nil {
		return
	}
	for _, key := range c.engine.SatisfyAndCheck(instance, appName, at) {
		c.notifyApplicationStatus(key, at)
	}
}

// notifyApplicationStatus sends application_status to the Instance owning
// key, unblocking its deferred-start Application (§4.7, §4.10).
func (c *Controller) notifyApplicationStatus(key depengine.AppKey, at config.DependencyPoint) {
	rt, ok := c.instances[key.Instance]
	if !ok || rt.supervisor == nil {
		return
	}
	payload := protocol.ApplicationStatusPayload{AppName: key.App, At: string(at)}
	if err := rt.supervisor.Send(protocol.KindApplicationStat, payload); err != nil {
		slog.Error("controller: send application_status failed", "instance", key.Instance, "app", key.App, "error", err)
	}
}

// markUnsatisfiable propagates a failed (instance, appName)'s at=finish
// edges and records every ruled-out Application as NEVER_STARTED; those
// Applications never receive an application_status and so never start
// (§7, §9).
func (c *Controller) markUnsatisfiable(instance, appName string) {
	if c.engine == nil {
		return
	}
	for _, key := range c.engine.MarkUnsatisfiable(instance, appName) {
		c.anyAppFailed.Store(true)
		c.persistAppStatus(key.Instance, protocol.AppsExtendedStatusPayload{
			AppName: key.App,
			State:   "NEVER_STARTED",
			ExitMsg: fmt.Sprintf("unsatisfiable: depends on %s.%s at finish, which failed", instance, appName),
		})
	}
}
