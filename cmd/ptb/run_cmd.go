package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelnet/ptb/config"
	"github.com/kestrelnet/ptb/controller"
	"github.com/kestrelnet/ptb/statedir"
)

// RunCmd implements `ptb run <PACKAGE>` (§6).
type RunCmd struct {
	Package string `arg:"" name:"package" help:"path to the testbed package file (YAML or JSON)"`

	Clean            bool   `help:"remove this run's state directory once it completes"`
	Interact         string `enum:"SETUP,INIT,EXPERIMENT,DISABLE" default:"DISABLE" help:"pause for interactive access at the named stage"`
	NoKVM            bool   `name:"no_kvm" help:"boot hypervisors without KVM acceleration"`
	SkipIntegration  bool   `short:"s" name:"skip_integration" help:"skip every Integration stage"`
	DontStore        bool   `short:"d" name:"dont_store" help:"do not persist telemetry or log entries"`
	SkipSubstitution bool   `name:"skip_substitution" help:"do not substitute {{NAME}} placeholders from the environment"`
	Preserve         string `short:"p" name:"preserve" placeholder:"<dir>" help:"copy each Instance's interchange directory here before teardown"`
	Checkpoint       bool   `name:"checkpoint" help:"declare a checkpoint once every instance is initialized, resetting this experiment's application ledger for a later resume (§4.11)"`

	ImageCacheDir string `name:"image_cache" default:"" placeholder:"<dir>" help:"disk image cache directory (default ~/.cache/ptb/images)"`
	QEMUBinary    string `name:"qemu_binary" default:"qemu-system-x86_64" help:"QEMU binary to spawn each Instance with"`
	CapacityCPUs  int    `name:"capacity_cpus" default:"0" help:"CPU reservation ceiling across all concurrent runs (0 = unbounded)"`
	CapacityMemMB int    `name:"capacity_memory_mb" default:"0" help:"memory reservation ceiling in MB across all concurrent runs (0 = unbounded)"`
}

// Run loads the testbed package, builds a Controller, and drives it to
// completion, translating §7's exit-code mapping straight through to the
// process exit code.
func (r *RunCmd) Run(cctx *Context) error {
	cfg, err := config.Load(r.Package, r.SkipSubstitution)
	if err != nil {
		return err
	}

	imageCache := r.ImageCacheDir
	if imageCache == "" {
		imageCache, err = defaultImageCacheDir()
		if err != nil {
			return err
		}
	}

	opts := controller.Options{
		StateBase:        cctx.StateBase,
		ImageCacheDir:    imageCache,
		QEMUBinary:       r.QEMUBinary,
		Sudo:             cctx.Sudo,
		NoKVM:            r.NoKVM,
		SkipIntegration:  r.SkipIntegration,
		DontStore:        r.DontStore,
		PreserveDir:      r.Preserve,
		Checkpoint:       r.Checkpoint,
		Metrics:          cctx.MetricsConfig,
		OTLPEndpoint:     cctx.OTLPEndpoint,
		CapacityCPUs:     r.CapacityCPUs,
		CapacityMemoryMB: r.CapacityMemMB,
		InteractStage:    r.Interact,
	}

	testbedPackageDir, err := filepath.Abs(filepath.Dir(r.Package))
	if err != nil {
		return fmt.Errorf("ptb run: resolve package directory: %w", err)
	}

	ctl, err := controller.New(cfg, cctx.Experiment, testbedPackageDir, opts)
	if err != nil {
		return err
	}

	runDir := statedir.NewRunDir(opts.StateBase)
	code := ctl.Run(context.Background())

	if r.Clean {
		if err := os.RemoveAll(runDir.Path()); err != nil {
			fmt.Fprintf(os.Stderr, "ptb run: --clean: %v\n", err)
		}
	}

	os.Exit(code)
	return nil
}

func defaultImageCacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ptb run: resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".cache", "ptb", "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ptb run: create image cache dir: %w", err)
	}
	return dir, nil
}
