package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelnet/ptb/appregistry"
)

// RunProgramConfig mirrors RunProgramApplicationConfig in the original.
type RunProgramConfig struct {
	Command        string            `json:"command"`
	IgnoreTimeout  bool              `json:"ignore_timeout,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// RunProgramApplication runs an arbitrary command, resolving a relative
// path against the testbed package directory the way the original does
// via GlobalState.testbed_package_path, grounded on
// original_source/applications/run_program_application.py.
type RunProgramApplication struct {
	testbedPackageDir string
	settings          *RunProgramConfig
	resolvedPath      string
	args              string
	fromTestbedPkg    bool
}

// NewRunProgramApplicationFactory returns a Factory bound to a specific
// testbed package directory, since path resolution needs it at
// validation time.
func NewRunProgramApplicationFactory(testbedPackageDir string) appregistry.Factory {
	return func() appregistry.Application {
		return &RunProgramApplication{testbedPackageDir: testbedPackageDir}
	}
}

func (r *RunProgramApplication) APIVersion() string { return appregistry.APIVersion }
func (r *RunProgramApplication) Name() string       { return "run-program" }

func (r *RunProgramApplication) SetAndValidateConfig(settings map[string]any) error {
	cfg := &RunProgramConfig{}
	command, ok := settings["command"].(string)
	if !ok {
		return fmt.Errorf("run-program: config validation failed: missing command")
	}
	cfg.Command = command
	if v, ok := settings["ignore_timeout"].(bool); ok {
		cfg.IgnoreTimeout = v
	}
	if raw, ok := settings["environment"].(map[string]any); ok {
		cfg.Environment = map[string]string{}
		for k, v := range raw {
			cfg.Environment[k] = fmt.Sprintf("%v", v)
		}
	}

	parts := strings.SplitN(cfg.Command, " ", 2)
	relCommand := parts[0]
	args := ""
	if len(parts) == 2 {
		args = parts[1]
	}

	resolved := relCommand
	fromTbp := false
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.testbedPackageDir, resolved)
		fromTbp = true
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if fromTbp {
			return fmt.Errorf("run-program: unable to find file 'TESTBED-PACKAGE/%s'", relCommand)
		}
		return fmt.Errorf("run-program: unable to find file %q", resolved)
	}
	if info.Mode()&0o111 == 0 {
		if fromTbp {
			return fmt.Errorf("run-program: file 'TESTBED-PACKAGE/%s' is not executable", relCommand)
		}
		if err := os.Chmod(resolved, 0o777); err != nil {
			return fmt.Errorf("run-program: unable to make %q executable: %w", resolved, err)
		}
	}

	r.settings = cfg
	r.resolvedPath = resolved
	r.args = args
	r.fromTestbedPkg = fromTbp
	return nil
}

func (r *RunProgramApplication) GetRuntimeUpperBound(runtime *float64) float64 {
	if runtime == nil {
		return 0
	}
	return *runtime
}

func (r *RunProgramApplication) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	if r.settings == nil {
		return fmt.Errorf("run-program: start called before config validation")
	}
	var timeout time.Duration
	if runtime != nil {
		timeout = time.Duration(*runtime * float64(time.Second))
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	line := r.resolvedPath + " " + r.args
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", line)
	cmd.Env = os.Environ()
	for k, v := range r.settings.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		if r.settings.IgnoreTimeout {
			return nil
		}
		return fmt.Errorf("run-program: timeout during program execution")
	}
	if err != nil {
		label := r.resolvedPath
		if r.fromTestbedPkg {
			label = "TESTBED-PACKAGE/" + strings.TrimPrefix(r.resolvedPath, r.testbedPackageDir+"/")
		}
		return fmt.Errorf("run-program: %q exited with error: %w: %s", label, err, string(out))
	}
	return nil
}
