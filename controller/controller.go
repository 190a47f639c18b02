// Package controller implements the Controller top-level (§4.9): it
// sequences TestbedConfig validation, resource reservation, network
// fabric bring-up, hypervisor spawn, Integration stages, the per-Instance
// rendezvous points, and teardown, wiring together every other package in
// this module the way box.go's Box orchestrates a container's lifecycle
// end to end.
package controller

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kestrelnet/ptb/appregistry"
	"github.com/kestrelnet/ptb/appregistry/builtin"
	"github.com/kestrelnet/ptb/config"
	"github.com/kestrelnet/ptb/daemon"
	"github.com/kestrelnet/ptb/depengine"
	"github.com/kestrelnet/ptb/fabric"
	"github.com/kestrelnet/ptb/imagestore"
	"github.com/kestrelnet/ptb/integrations"
	"github.com/kestrelnet/ptb/metrics"
	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/resultstore"
	"github.com/kestrelnet/ptb/sshaccess"
	"github.com/kestrelnet/ptb/statedir"
	"github.com/kestrelnet/ptb/statemachine"
	"github.com/kestrelnet/ptb/supervisor"
	"github.com/kestrelnet/ptb/telemetry"
)

// clockSyncSlack is the δ added to "now" when computing run_apps's t0
// rendezvous (§4.9 step 11): long enough for every Agent to receive the
// message before t0 arrives.
const clockSyncSlack = 3 * time.Second

// experimentSafetyMargin is added on top of the dependency engine's
// maximum-runtime estimate to bound the APPS_DONE/APPS_FAILED rendezvous
// when the config does not declare an explicit experiment_timeout (§5).
const experimentSafetyMargin = 15 * time.Second

// forceTeardownGrace is the shortened per-Instance shutdown grace period
// used once an interrupt has been observed (§4.9 cancellation, §5).
const forceTeardownGrace = 2 * time.Second

// normalTeardownGrace is the grace period given to an orderly shutdown.
const normalTeardownGrace = 15 * time.Second

// Options carries every `run` subcommand flag that shapes a Controller's
// behaviour (§6 CLI surface).
type Options struct {
	StateBase        string
	ImageCacheDir    string
	QEMUBinary       string
	Sudo             bool
	NoKVM            bool
	SkipIntegration  bool
	DontStore        bool
	PreserveDir      string
	Metrics          metrics.Config
	OTLPEndpoint     string
	CapacityCPUs     int
	CapacityMemoryMB int

	// Checkpoint requests the §4.11 checkpoint/snapshot workflow: every
	// Instance's disk is booted with snapshot=on already (§4.3), so
	// "checkpointing" here means telling each Agent to expect a later
	// resume (SnapshotRequested on initialize) and resetting the result
	// store's per-Application history once every Instance reaches
	// INITIALIZED, so a subsequent `ptb run` of the same experiment
	// starts from a clean Application ledger instead of appending to the
	// prior attempt's.
	Checkpoint bool

	// InteractStage names a step after which Run blocks for operator
	// input on stdin before continuing, giving a human a window to
	// attach (e.g. over `ptb attach`) mid-bring-up. One of "SETUP",
	// "INIT", "EXPERIMENT" or "DISABLE" (§6 `--interact`).
	InteractStage string
}

// interactStepNames maps an --interact stage name to the Run step after
// which the pause happens.
var interactStepNames = map[string]string{
	"SETUP":      "spawn-hypervisors",
	"INIT":       "init-integrations",
	"EXPERIMENT": "run-apps",
}

// instanceRuntime is the Controller's per-Instance bookkeeping (§3
// InstanceRuntimeState): UUID, interchange directory and the Supervisor
// driving its control stream.
type instanceRuntime struct {
	cfg        config.Instance
	uuid       string
	fqdn       string
	dir        string
	mgmtIP     string
	supervisor *supervisor.Supervisor
	control    supervisor.ControlEndpoint
}

// controlSocketPath is the bare serial-console fallback for `ptb attach`
// when no SSH endpoint is available.
func (rt *instanceRuntime) controlSocketPath() string {
	return filepath.Join(rt.dir, "mgmt.sock")
}

// Controller owns one run end to end.
type Controller struct {
	cfg               *config.TestbedConfig
	experiment        string
	testbedPackageDir string
	opts              Options

	runDir      *statedir.RunDir
	reservation *statedir.Reservation
	fabricMgr   *fabric.Manager
	bridges     map[string]*fabric.Bridge

	managementBridgeName string
	networkBridgeNames   map[string]string
	tapNames             []string
	vsockCIDs            []uint32

	sm        *statemachine.Manager
	instances map[string]*instanceRuntime
	order     []string

	engine          *depengine.Engine
	integrationsMgr *integrations.Manager

	store     *resultstore.Store
	sink      metrics.Sink
	tel       *telemetry.Provider
	images    *imagestore.Store
	registry  *appregistry.Registry
	daemonSrv *daemon.Server
	sshAuth   *sshaccess.Authority

	interrupted  atomic.Bool
	anyAppFailed atomic.Bool
}

// ResultsDir returns the directory holding every experiment's result
// store, a fixed sibling of the `<pid>-<uid>` run directories under the
// same state base. It survives `prune`, which only ever removes
// directories matching the run-dir naming scheme (§6 `clean`/`export`
// need results to outlive the ephemeral run directory that produced
// them).
func ResultsDir(stateBase string) string {
	return filepath.Join(stateBase, "results")
}

// New validates cfg, builds the dependency engine, and prepares every
// collaborator package for Run. No host state is mutated yet (§4.9 step 1
// happens here; steps 2+ happen in Run).
func New(cfg *config.TestbedConfig, experiment, testbedPackageDir string, opts Options) (*Controller, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	engine, err := depengine.Build(cfg)
	if err != nil {
		return nil, err
	}

	base := opts.StateBase
	if base == "" {
		base = statedir.DefaultBase
	}
	runDir := statedir.NewRunDir(base)

	images, err := imagestore.NewStore(opts.ImageCacheDir)
	if err != nil {
		return nil, err
	}

	var store *resultstore.Store
	if !opts.DontStore {
		if err := os.MkdirAll(ResultsDir(base), 0o700); err != nil {
			return nil, fmt.Errorf("controller: create results dir: %w", err)
		}
		store, err = resultstore.Open(filepath.Join(ResultsDir(base), experiment+".sqlite"))
		if err != nil {
			return nil, err
		}
	}

	sink := metrics.NewInfluxLineSink(opts.Metrics)
	registry := appregistry.NewRegistry(testbedPackageDir)
	if err := builtin.RegisterAll(registry, testbedPackageDir); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		names = append(names, inst.Name)
	}
	sm := statemachine.NewManager(names)

	var integrationSpecs []integrations.Spec
	if !opts.SkipIntegration {
		for _, in := range cfg.Integrations {
			integrationSpecs = append(integrationSpecs, integrationSpecFromConfig(in))
		}
	}

	return &Controller{
		cfg:                cfg,
		experiment:         experiment,
		testbedPackageDir:  testbedPackageDir,
		opts:               opts,
		runDir:             runDir,
		fabricMgr:          fabric.NewManager(fabric.ExecRunner{}),
		bridges:            map[string]*fabric.Bridge{},
		networkBridgeNames: map[string]string{},
		sm:                 sm,
		instances:          map[string]*instanceRuntime{},
		order:              names,
		engine:             engine,
		integrationsMgr:    integrations.NewManager(integrationSpecs, testbedPackageDir),
		store:              store,
		sink:               sink,
		images:             images,
		registry:           registry,
	}, nil
}

func integrationSpecFromConfig(in config.Integration) integrations.Spec {
	mode := integrations.ModeAwait
	if in.Mode == config.IntegrationStartStop {
		mode = integrations.ModeStartStop
	}
	var stage integrations.Stage
	switch in.Stage {
	case config.StageNetwork:
		stage = integrations.StageNetwork
	case config.StageInit:
		stage = integrations.StageInit
	default:
		stage = integrations.StageStartup
	}
	return integrations.Spec{
		Name:            in.Name,
		Mode:            mode,
		Stage:           stage,
		StartScript:     in.StartScript,
		StopScript:      in.StopScript,
		Blocking:        in.IsBlocking(),
		WaitAfterInvoke: durationSeconds(in.WaitAfterInvoke),
		WaitForExit:     durationSeconds(in.WaitForExit),
		Environment:     in.Environment,
	}
}

func durationSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// Run executes the full §4.9 sequence and returns the process exit code
// (§7): 0 success, 1 a core error aborted the run before/instead of
// reaching teardown, 2 success with at least one Application failure.
func (c *Controller) Run(ctx context.Context) int {
	ctx, stop := c.withSignalHandling(ctx)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, c.opts.OTLPEndpoint, c.experiment)
	if err != nil {
		slog.ErrorContext(ctx, "controller: telemetry provider", "error", err)
		return 1
	}
	c.tel = tel
	defer c.tel.Shutdown(context.Background())

	tracer := c.tel.Tracer()
	runCtx, rootSpan := tracer.Start(ctx, "run")
	defer rootSpan.End()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"reserve-resources", c.reserveResourcesAndStartDaemon},
		{"bring-up-fabric", c.bringUpFabric},
		{"spawn-hypervisors", c.spawnHypervisors},
		{"startup-integrations", c.fireIntegrations(integrations.StageStartup)},
		{"wait-started", c.waitStarted},
		{"network-integrations", c.fireIntegrations(integrations.StageNetwork)},
		{"initialize-instances", c.initializeInstances},
		{"checkpoint", c.checkpointIfRequested},
		{"init-integrations", c.fireIntegrations(integrations.StageInit)},
		{"install-apps", c.installApps},
		{"run-apps", c.runApps},
		{"wait-apps-done", c.waitAppsDone},
		{"finish-instances", c.finishInstances},
	}

	var runErr error
	for _, step := range steps {
		stepCtx, span := tracer.Start(runCtx, step.name)
		runErr = step.fn(stepCtx)
		span.End()
		if runErr != nil {
			slog.ErrorContext(ctx, "controller: step failed", "step", step.name, "error", runErr)
			break
		}
		if interactStepNames[c.opts.InteractStage] == step.name {
			c.pauseForInteraction(step.name)
		}
	}

	teardownCtx, span := tracer.Start(runCtx, "teardown")
	c.teardown(teardownCtx)
	span.End()

	if c.reservation != nil {
		if err := c.reservation.Release(); err != nil {
			slog.ErrorContext(ctx, "controller: release reservation", "error", err)
		}
		c.reservation.Close()
	}
	if c.store != nil {
		c.store.Close()
	}

	if runErr != nil {
		return 1
	}
	if c.anyAppFailed.Load() {
		return 2
	}
	return 0
}

// pauseForInteraction blocks on stdin after stepName, giving an operator
// a window to `ptb attach` into a running Instance mid-bring-up before
// the run continues (§6 `--interact`).
func (c *Controller) pauseForInteraction(stepName string) {
	slog.Info("controller: paused for interactive access", "after_step", stepName, "run_dir", c.runDir.Path())
	fmt.Fprintf(os.Stderr, "ptb: paused after %q; press Enter to continue (attach with `ptb attach --run %s <instance>`)\n", stepName, c.runDir.Name())
	bufio.NewReader(os.Stdin).ReadString('\n')
}

// withSignalHandling installs a SIGINT/SIGTERM handler that sets the
// interrupted flag and short-circuits the state manager's rendezvous
// (§4.9 cancellation, §5).
func (c *Controller) withSignalHandling(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			c.interrupted.Store(true)
			if c.sm != nil {
				c.sm.RequestShutdown()
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// reserveResourcesAndStartDaemon runs reserveResources and then, once the
// run directory exists, starts this run's control daemon in the
// background so `ptb list`/`ptb attach` can reach it for the rest of the
// run (§6).
func (c *Controller) reserveResourcesAndStartDaemon(ctx context.Context) error {
	if err := c.reserveResources(ctx); err != nil {
		return err
	}
	c.daemonSrv = daemon.NewServer(c.runDir.Path(), c)
	go func() {
		if err := c.daemonSrv.Serve(context.Background()); err != nil {
			slog.Error("controller: control daemon stopped", "error", err)
		}
	}()
	return nil
}

// reserveResources implements §4.9 step 2.
func (c *Controller) reserveResources(ctx context.Context) error {
	if err := c.runDir.Prepare(); err != nil {
		return err
	}

	sshAuth, err := sshaccess.Open(filepath.Join(c.runDir.Path(), "ssh"))
	if err != nil {
		return err
	}
	c.sshAuth = sshAuth

	capCPUs, capMem := c.opts.CapacityCPUs, c.opts.CapacityMemoryMB
	reservation, err := statedir.NewReservation(filepath.Dir(c.runDir.Path()), c.runDir, capCPUs, capMem)
	if err != nil {
		return err
	}
	c.reservation = reservation

	totalCPUs, totalMem := 0, 0
	for _, inst := range c.cfg.Instances {
		totalCPUs += inst.Cores
		totalMem += inst.MemoryMB
	}
	if err := reservation.Reserve(totalCPUs, totalMem); err != nil {
		return err
	}

	bridgeNames, err := reservation.AllocateBridgeNames(len(c.cfg.Networks) + 1)
	if err != nil {
		return err
	}
	c.managementBridgeName = bridgeNames[0]
	for i, n := range c.cfg.Networks {
		c.networkBridgeNames[n.Name] = bridgeNames[i+1]
	}

	tapCount := 0
	for _, inst := range c.cfg.Instances {
		tapCount += 1 + len(inst.Networks) // management NIC + one per joined network
	}
	tapNames, err := reservation.AllocateTAPNames(tapCount)
	if err != nil {
		return err
	}
	c.tapNames = tapNames

	cids, err := reservation.AllocateVSOCKCIDs(len(c.cfg.Instances), nil)
	if err != nil {
		return err
	}
	c.vsockCIDs = cids

	for _, inst := range c.cfg.Instances {
		uuid, err := newUUID()
		if err != nil {
			return err
		}
		dir, err := c.runDir.PrepareInstanceDir(uuid)
		if err != nil {
			return err
		}
		c.instances[inst.Name] = &instanceRuntime{
			cfg:  inst,
			uuid: uuid,
			fqdn: inst.Name,
			dir:  dir,
		}
	}
	return nil
}
