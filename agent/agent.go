package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelnet/ptb/appregistry"
	"github.com/kestrelnet/ptb/protocol"
)

// ClockSkewTolerance is the maximum allowed difference between the
// Controller's `tcurrent` and the Agent's local clock before `run_apps`
// is refused (§4.9 step 11).
const ClockSkewTolerance = 2 * time.Second

// PersistenceMarkerName is the file written under the exchange mount on
// successful `initialize`, consulted on a snapshot-restored boot to skip
// re-initialisation (§4.10, §4.11).
const PersistenceMarkerName = ".ptb-initialized"

// appRecord tracks one installed Application's runtime bookkeeping.
type appRecord struct {
	spec    protocol.AppSpec
	app     appregistry.Application
	done    bool
	failed  bool
	exitMsg string
}

// Agent is the in-guest counterpart of supervisor.Supervisor: it owns the
// control connection from the Instance side and drives every upstream
// message through a single dispatch loop (§4.10, §5: "Agents are
// single-threaded dispatch loops").
type Agent struct {
	FQDN        string
	ExchangeDir string
	PackageDir  string

	writer   *protocol.Writer
	sendMu   sync.Mutex
	registry *appregistry.Registry

	stateMu sync.Mutex
	state   State

	appsMu sync.Mutex
	apps   map[string]*appRecord
	order  []string

	daemon *LocalDaemon

	// poweroff issues the guest shutdown handleFinish triggers once
	// preservation is done (§4.9 step 13, §4.3 step 5's "orderly poweroff
	// ... otherwise escalates"). Overridable so tests don't shut down the
	// host they run on.
	poweroff func(ctx context.Context) error
}

// New builds an Agent bound to a control connection and an Application
// registry already populated with every built-in (§4.6).
func New(fqdn, exchangeDir, packageDir string, writer *protocol.Writer, registry *appregistry.Registry) *Agent {
	return &Agent{
		FQDN:        fqdn,
		ExchangeDir: exchangeDir,
		PackageDir:  packageDir,
		writer:      writer,
		registry:    registry,
		state:       StateStarted,
		apps:        map[string]*appRecord{},
		poweroff: func(ctx context.Context) error {
			return exec.CommandContext(ctx, "poweroff").Run()
		},
	}
}

func (a *Agent) setState(s State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// State returns the Agent's current mirrored state.
func (a *Agent) State() State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// send is the single choke point for upstream frames, serialised because
// the daemon's per-client goroutines and the dispatch loop both emit on
// the same connection (§5: "bounded worker per ... connected local-daemon
// client").
func (a *Agent) send(kind protocol.Kind, payload any) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.writer.Send(a.FQDN, kind, payload)
}

// DataPoint implements appregistry.Interface for in-process Applications.
func (a *Agent) DataPoint(ctx context.Context, measurement string, fields map[string]any) {
	_ = a.send(protocol.KindDataPoint, protocol.DataPointPayload{
		Measurement: measurement,
		Fields:      fields,
		Timestamp:   time.Now(),
	})
}

// Log implements appregistry.Interface for in-process Applications.
func (a *Agent) Log(ctx context.Context, level, message string) {
	kind := logKind(level)
	_ = a.send(kind, protocol.LogPayload{Message: message})
}

func logKind(level string) protocol.Kind {
	switch level {
	case "success":
		return protocol.KindMsgSuccess
	case "warning":
		return protocol.KindMsgWarning
	case "error":
		return protocol.KindMsgError
	case "debug":
		return protocol.KindMsgDebug
	default:
		return protocol.KindMsgInfo
	}
}

// Dispatch handles one upstream frame (§4.10). Each call runs to
// completion before the next frame is read, matching the single
// dispatch-loop ordering guarantee in §5.
func (a *Agent) Dispatch(ctx context.Context, frame *protocol.Frame) {
	var err error
	switch frame.Status {
	case protocol.KindNull:
		return
	case protocol.KindInitialize:
		err = a.handleInitialize(ctx, frame)
	case protocol.KindInstallApps:
		err = a.handleInstallApps(ctx, frame)
	case protocol.KindRunApps:
		err = a.handleRunApps(ctx, frame)
	case protocol.KindApplicationStat:
		err = a.handleApplicationStatus(ctx, frame)
	case protocol.KindCopy:
		err = a.handleCopy(ctx, frame)
	case protocol.KindFinish:
		err = a.handleFinish(ctx, frame)
	default:
		err = fmt.Errorf("agent: unrecognised frame kind %q", frame.Status)
	}
	if err != nil {
		slog.ErrorContext(ctx, "agent: dispatch failed", "kind", frame.Status, "error", err)
		a.setState(StateFailed)
		_ = a.send(protocol.KindFailed, protocol.FailedPayload{Kind: string(frame.Status), Message: err.Error()})
	}
}

// markerPath is where the persistence marker lives, under the exchange
// mount so it survives a snapshot restore the way the guest disk itself
// does (§4.11).
func (a *Agent) markerPath() string {
	return filepath.Join(a.ExchangeDir, PersistenceMarkerName)
}

// handleInitialize runs the setup script under its declared environment,
// capturing output as tagged log lines, and records the persistence
// marker on success (§4.10). A prior marker means this boot resumed from
// a snapshot past INITIALIZED; re-running the script is skipped.
func (a *Agent) handleInitialize(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.InitializePayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal initialize: %w", err)
	}

	if _, err := os.Stat(a.markerPath()); err == nil {
		slog.InfoContext(ctx, "agent: persistence marker present, skipping setup script")
		a.setState(StateInitialized)
		return a.send(protocol.KindInitialized, nil)
	}

	if p.Script != "" {
		if err := a.runSetupScript(ctx, p.Script, p.Environment); err != nil {
			return fmt.Errorf("agent: setup script failed: %w", err)
		}
	}

	if err := os.WriteFile(a.markerPath(), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("agent: write persistence marker: %w", err)
	}

	a.setState(StateInitialized)
	return a.send(protocol.KindInitialized, nil)
}

// runSetupScript executes script with the given environment, tagging
// every stdout/stderr line as an upstream log message (§4.10).
func (a *Agent) runSetupScript(ctx context.Context, script string, env map[string]string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go a.tagLines(stdout, "info", &wg)
	go a.tagLines(stderr, "error", &wg)
	wg.Wait()

	return cmd.Wait()
}

func (a *Agent) tagLines(r io.Reader, level string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.Log(context.Background(), level, scanner.Text())
	}
}

// handleInstallApps validates every Application's config through the
// loader; failures report `failed` without transitioning (§4.10).
func (a *Agent) handleInstallApps(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.InstallAppsPayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal install_apps: %w", err)
	}

	a.appsMu.Lock()
	defer a.appsMu.Unlock()

	for _, spec := range p.Applications {
		factory, err := a.registry.Load(spec.Type)
		if err != nil {
			return fmt.Errorf("agent: load application %q (%s): %w", spec.Name, spec.Type, err)
		}
		app := factory()
		if err := app.SetAndValidateConfig(spec.Settings); err != nil {
			return fmt.Errorf("agent: validate application %q: %w", spec.Name, err)
		}
		a.apps[spec.Name] = &appRecord{spec: spec, app: app}
		a.order = append(a.order, spec.Name)
	}

	a.setState(StateAppsReady)
	return a.send(protocol.KindAppsInstalled, nil)
}

// handleRunApps verifies clock sync, sleeps until t0, and starts every
// root Application (§4.9 step 11, §4.10).
func (a *Agent) handleRunApps(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.RunAppsPayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal run_apps: %w", err)
	}

	skew := time.Since(p.TCurrent)
	if skew < 0 {
		skew = -skew
	}
	if skew > ClockSkewTolerance {
		return fmt.Errorf("agent: clock skew %s exceeds tolerance %s", skew, ClockSkewTolerance)
	}
	if p.T0.Before(time.Now()) {
		return fmt.Errorf("agent: t0 %s is already in the past", p.T0)
	}

	wait := time.Until(p.T0)
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	a.setState(StateExperimentRunning)

	a.appsMu.Lock()
	roots := make([]string, 0, len(a.order))
	for _, name := range a.order {
		if a.apps[name].spec.IsRoot {
			roots = append(roots, name)
		}
	}
	a.appsMu.Unlock()

	for _, name := range roots {
		a.startApp(ctx, name)
	}
	return nil
}

// handleApplicationStatus unblocks a deferred-start (non-root)
// Application named by the Controller's dependency engine (§4.7, §4.10).
func (a *Agent) handleApplicationStatus(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.ApplicationStatusPayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal application_status: %w", err)
	}
	a.startApp(ctx, p.AppName)
	return nil
}

// startApp launches one Application as a supervised goroutine with a
// hard timeout of `get_runtime_upper_bound(runtime) + 1s` (§4.10). Every
// built-in Application shells out via exec.CommandContext, so context
// cancellation on overrun reaches the real child process tree.
func (a *Agent) startApp(ctx context.Context, name string) {
	a.appsMu.Lock()
	rec, ok := a.apps[name]
	a.appsMu.Unlock()
	if !ok {
		slog.ErrorContext(ctx, "agent: startApp: unknown application", "name", name)
		return
	}

	runtime := rec.spec.Runtime
	upper := rec.app.GetRuntimeUpperBound(runtime)
	timeout := time.Duration(upper*float64(time.Second)) + time.Second

	go func() {
		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > time.Second {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if rec.spec.Delay > 0 {
			select {
			case <-time.After(time.Duration(rec.spec.Delay * float64(time.Second))):
			case <-runCtx.Done():
			}
		}

		// Reported before Start blocks so an at=start dependent (the
		// iperf client on the server's daemon, §8 scenario 2) can be
		// unblocked even though a daemon's Start never returns on its
		// own.
		_ = a.send(protocol.KindAppsExtendedStatus, protocol.AppsExtendedStatusPayload{
			AppName: name, State: "started",
		})

		err := rec.app.Start(runCtx, a, runtime)

		a.appsMu.Lock()
		rec.done = true
		if err != nil {
			rec.failed = true
			rec.exitMsg = err.Error()
		}
		a.appsMu.Unlock()

		state := "finished"
		exitMsg := ""
		if err != nil {
			state = "failed"
			exitMsg = err.Error()
		}
		_ = a.send(protocol.KindAppsExtendedStatus, protocol.AppsExtendedStatusPayload{
			AppName: name, State: state, ExitMsg: exitMsg,
		})
		a.maybeReportAggregate()
	}()
}

// maybeReportAggregate sends `apps_done`/`apps_failed` once every
// installed Application has finished (§4.10).
func (a *Agent) maybeReportAggregate() {
	a.appsMu.Lock()
	defer a.appsMu.Unlock()

	anyFailed := false
	for _, name := range a.order {
		rec := a.apps[name]
		if !rec.done {
			return
		}
		if rec.failed {
			anyFailed = true
		}
	}

	if anyFailed {
		_ = a.send(protocol.KindAppsFailed, nil)
	} else {
		_ = a.send(protocol.KindAppsDone, nil)
	}
}

// handleFinish batches the preservation list into the exchange mount,
// reports `finished`, then powers the guest off so the Supervisor's
// Shutdown sees the hypervisor process exit on its own instead of always
// blocking for the full grace period (§4.9 step 13, §4.10).
func (a *Agent) handleFinish(ctx context.Context, frame *protocol.Frame) error {
	var p protocol.FinishPayload
	if err := frame.Unmarshal(&p); err != nil {
		return fmt.Errorf("agent: unmarshal finish: %w", err)
	}

	if p.DoPreserve {
		for _, path := range p.PreserveFiles {
			if err := a.preserve(path); err != nil {
				slog.WarnContext(ctx, "agent: preserve failed", "path", path, "error", err)
			}
		}
	}

	a.setState(StateReadyForShutdown)
	if err := a.send(protocol.KindFinished, nil); err != nil {
		return err
	}

	if a.poweroff != nil {
		go func() {
			if err := a.poweroff(context.Background()); err != nil {
				slog.WarnContext(ctx, "agent: poweroff failed, supervisor will escalate after grace period", "error", err)
			}
		}()
	}
	return nil
}

// preserve copies a guest-local file into the exchange mount, the way
// the host-side interchange directory is read afterwards (§4.10).
func (a *Agent) preserve(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agent: read %q: %w", path, err)
	}
	dst := filepath.Join(a.ExchangeDir, "preserved", filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
