// Package config parses and validates the declarative description of a
// testbed run: the Settings block, Network/Integration/Instance/Application
// records, and the dependency edges between Applications.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DependencyPoint selects when a dependency edge is considered satisfied.
type DependencyPoint string

const (
	DependencyAtStart  DependencyPoint = "start"
	DependencyAtFinish DependencyPoint = "finish"
)

// IntegrationMode selects how an Integration's scripts are invoked.
type IntegrationMode string

const (
	IntegrationAwait     IntegrationMode = "await"
	IntegrationStartStop IntegrationMode = "start_stop"
)

// IntegrationStage names the point in the bring-up sequence an Integration
// is bound to (§4.8/§4.9).
type IntegrationStage string

const (
	StageStartup IntegrationStage = "STARTUP"
	StageNetwork IntegrationStage = "NETWORK"
	StageInit    IntegrationStage = "INIT"
)

// Dependency is an edge `{instance, application, at}` pointing at the
// predecessor an Application requires.
type Dependency struct {
	Instance    string          `yaml:"instance" json:"instance"`
	Application string          `yaml:"application" json:"application"`
	At          DependencyPoint `yaml:"at" json:"at"`
}

// Application is a single workload or measurement program attached to an
// Instance (§3).
type Application struct {
	Name       string         `yaml:"name" json:"name"`
	Type       string         `yaml:"type" json:"type"`
	Delay      float64        `yaml:"delay" json:"delay"`
	Runtime    *float64       `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	DontStore  bool           `yaml:"dont_store,omitempty" json:"dont_store,omitempty"`
	Settings   map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	DependsOn  []Dependency   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// IsDaemon reports whether the Application has no declared runtime and
// therefore runs until the experiment ends.
func (a Application) IsDaemon() bool { return a.Runtime == nil }

// Instance is a single guest VM description (§3).
type Instance struct {
	Name        string            `yaml:"name" json:"name"`
	Image       string            `yaml:"image" json:"image"`
	SetupScript string            `yaml:"setup_script,omitempty" json:"setup_script,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Cores       int               `yaml:"cores" json:"cores"`
	MemoryMB    int               `yaml:"memory_mb" json:"memory_mb"`
	Networks    []string          `yaml:"networks" json:"networks"`
	NICModel    string            `yaml:"nic_model,omitempty" json:"nic_model,omitempty"`
	Applications []Application    `yaml:"applications,omitempty" json:"applications,omitempty"`
	Preserve    []string          `yaml:"preserve_files,omitempty" json:"preserve_files,omitempty"`
}

// Network is a virtual bridge description (§3).
type Network struct {
	Name       string   `yaml:"name" json:"name"`
	HostPorts  []string `yaml:"host_ports,omitempty" json:"host_ports,omitempty"`
}

// Integration is a pre/post hook bound to a bring-up stage (§3, §4.8).
type Integration struct {
	Name            string            `yaml:"name" json:"name"`
	Mode            IntegrationMode   `yaml:"mode" json:"mode"`
	Environment     map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Stage           IntegrationStage  `yaml:"stage" json:"stage"`
	StartScript     string            `yaml:"start_script" json:"start_script"`
	StopScript      string            `yaml:"stop_script,omitempty" json:"stop_script,omitempty"`
	StartDelay      float64           `yaml:"start_delay,omitempty" json:"start_delay,omitempty"`
	WaitForExit     float64           `yaml:"wait_for_exit,omitempty" json:"wait_for_exit,omitempty"`
	WaitAfterInvoke float64           `yaml:"wait_after_invoke,omitempty" json:"wait_after_invoke,omitempty"`
	Settings        map[string]any    `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// IsBlocking mirrors the original's is_integration_blocking: an `await`
// Integration never blocks bring-up; a `start_stop` Integration blocks
// only when start_delay is the sentinel -1 (original_source's
// start_stop_integration.py).
func (i Integration) IsBlocking() bool {
	return i.Mode == IntegrationStartStop && i.StartDelay == -1
}

// Settings is the process-wide portion of a TestbedConfig (§6).
type Settings struct {
	ManagementNetwork  string  `yaml:"management_network" json:"management_network"`
	DiskImageBasePath  string  `yaml:"diskimage_basepath" json:"diskimage_basepath"`
	StartupInitTimeout float64 `yaml:"startup_init_timeout" json:"startup_init_timeout"`
	ExperimentTimeout  float64 `yaml:"experiment_timeout" json:"experiment_timeout"`
}

// TestbedConfig is the fully parsed, not-yet-validated run description.
type TestbedConfig struct {
	Settings     Settings      `yaml:"settings" json:"settings"`
	Networks     []Network     `yaml:"networks" json:"networks"`
	Integrations []Integration `yaml:"integrations,omitempty" json:"integrations,omitempty"`
	Instances    []Instance    `yaml:"instances" json:"instances"`
}

// placeholderPattern matches `{{NAME}}` substitution holes (§6).
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Load reads a YAML or JSON testbed package file from disk, substitutes
// `{{NAME}}` placeholders against the process environment unless skip is
// set, and validates the result.
func Load(path string, skipSubstitution bool) (*TestbedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if !skipSubstitution {
		raw, err = substitute(raw)
		if err != nil {
			return nil, err
		}
	}
	var cfg TestbedConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// substitute replaces every `{{NAME}}` placeholder with the corresponding
// process environment variable. An unresolved placeholder is an error.
func substitute(raw []byte) ([]byte, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := placeholderPattern.FindSubmatch(m)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			missing = append(missing, string(name))
			return m
		}
		return []byte(val)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unresolved placeholders: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return out, nil
}

// Marshal round-trips a TestbedConfig back to YAML, used by the round-trip
// testable property in §8.
func Marshal(cfg *TestbedConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
