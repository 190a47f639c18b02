package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/kestrelnet/ptb/appregistry"
)

// Iperf3ServerConfig mirrors the original's server-side settings.
type Iperf3ServerConfig struct {
	Port int `json:"port,omitempty"`
}

// Iperf3ServerApplication wraps `iperf3 --server`, a daemon Application
// (§3: no declared runtime) that serves until its process is killed at
// teardown, grounded on original_source/applications/iperf_server_application.py.
type Iperf3ServerApplication struct {
	settings Iperf3ServerConfig
}

func NewIperf3ServerApplication() appregistry.Application { return &Iperf3ServerApplication{} }

func (a *Iperf3ServerApplication) APIVersion() string { return appregistry.APIVersion }
func (a *Iperf3ServerApplication) Name() string       { return "iperf3-server" }

func (a *Iperf3ServerApplication) SetAndValidateConfig(settings map[string]any) error {
	cfg := Iperf3ServerConfig{Port: 5201}
	if v, ok := settings["port"].(float64); ok {
		cfg.Port = int(v)
	}
	a.settings = cfg
	return nil
}

func (a *Iperf3ServerApplication) GetRuntimeUpperBound(runtime *float64) float64 { return 0 }

func (a *Iperf3ServerApplication) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	cmd := exec.CommandContext(ctx, "/usr/bin/iperf3", "--server", "--forceflush",
		"--port", strconv.Itoa(a.settings.Port), "--json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("iperf3-server: unable to start: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("iperf3-server: unable to start: %w", err)
	}
	streamJSONIntervals(ctx, iface, "iperf-tcp-server", stdout)
	return cmd.Wait()
}

// Iperf3ClientConfig mirrors IperfClientApplicationConfig in the original.
type Iperf3ClientConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Reverse        bool   `json:"reverse,omitempty"`
	UDP            bool   `json:"udp,omitempty"`
	Streams        int    `json:"streams,omitempty"`
	ReportInterval float64 `json:"report_interval,omitempty"`
	BandwidthKbps  int    `json:"bandwidth_kbps,omitempty"`
	TCPNoDelay     bool   `json:"tcp_no_delay,omitempty"`
}

const (
	iperfConnectTimeoutMultiplier = 0.1
	iperfStaticDelayBeforeStart   = 5.0
)

// Iperf3ClientApplication wraps `iperf3 --client`, grounded on
// original_source/applications/iperf_client_application.py including its
// runtime-upper-bound formula (runtime plus the larger of the
// connect-timeout slack and the static pre-start delay).
type Iperf3ClientApplication struct {
	settings *Iperf3ClientConfig
}

func NewIperf3ClientApplication() appregistry.Application { return &Iperf3ClientApplication{} }

func (a *Iperf3ClientApplication) APIVersion() string { return appregistry.APIVersion }
func (a *Iperf3ClientApplication) Name() string       { return "iperf3-client" }

func (a *Iperf3ClientApplication) SetAndValidateConfig(settings map[string]any) error {
	cfg := &Iperf3ClientConfig{Port: 5201, ReportInterval: 1}
	host, ok := settings["host"].(string)
	if !ok {
		return fmt.Errorf("iperf3-client: config validation failed: missing host")
	}
	cfg.Host = host
	if v, ok := settings["port"].(float64); ok {
		cfg.Port = int(v)
	}
	if v, ok := settings["reverse"].(bool); ok {
		cfg.Reverse = v
	}
	if v, ok := settings["udp"].(bool); ok {
		cfg.UDP = v
	}
	if v, ok := settings["streams"].(float64); ok {
		cfg.Streams = int(v)
	}
	if v, ok := settings["report_interval"].(float64); ok {
		cfg.ReportInterval = v
	}
	if v, ok := settings["bandwidth_kbps"].(float64); ok {
		cfg.BandwidthKbps = int(v)
	}
	if v, ok := settings["tcp_no_delay"].(bool); ok {
		cfg.TCPNoDelay = v
	}
	if cfg.UDP && cfg.BandwidthKbps == 0 {
		return fmt.Errorf("iperf3-client: UDP settings need a bandwidth")
	}
	if cfg.TCPNoDelay && cfg.UDP {
		return fmt.Errorf("iperf3-client: tcp_no_delay is used together with UDP option")
	}
	a.settings = cfg
	return nil
}

func (a *Iperf3ClientApplication) GetRuntimeUpperBound(runtime *float64) float64 {
	if runtime == nil {
		return 0
	}
	r := *runtime
	slack := iperfConnectTimeoutMultiplier * r
	if slack < iperfStaticDelayBeforeStart {
		slack = iperfStaticDelayBeforeStart
	}
	return r + slack
}

func (a *Iperf3ClientApplication) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	if a.settings == nil {
		return fmt.Errorf("iperf3-client: start called before config validation")
	}
	if runtime == nil {
		return fmt.Errorf("iperf3-client: runtime is required")
	}
	r := int(*runtime)

	args := []string{"--forceflush", "--json"}
	if a.settings.Reverse {
		args = append(args, "--reverse")
	}
	if a.settings.UDP {
		args = append(args, "--udp")
	}
	if a.settings.BandwidthKbps != 0 {
		args = append(args, "--bandwidth", fmt.Sprintf("%dk", a.settings.BandwidthKbps))
	}
	if a.settings.Streams != 0 {
		args = append(args, "--parallel", strconv.Itoa(a.settings.Streams))
	}
	if a.settings.TCPNoDelay {
		args = append(args, "--no-delay")
	}
	args = append(args, "--time", strconv.Itoa(r))
	args = append(args, "--interval", strconv.FormatFloat(a.settings.ReportInterval, 'f', -1, 64))

	connectTimeoutMs := iperfConnectTimeoutMultiplier * float64(r) * 1000
	if connectTimeoutMs < iperfStaticDelayBeforeStart*1000 {
		connectTimeoutMs = iperfStaticDelayBeforeStart * 1000
	}
	args = append(args, "--connect-timeout", strconv.Itoa(int(connectTimeoutMs)))
	args = append(args, "--port", strconv.Itoa(a.settings.Port))
	args = append(args, "--client", a.settings.Host)

	cmd := exec.CommandContext(ctx, "/usr/bin/iperf3", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("iperf3-client: unable to start: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("iperf3-client: unable to start: %w", err)
	}
	streamJSONIntervals(ctx, iface, "iperf-tcp-client", stdout)
	return cmd.Wait()
}

// streamJSONIntervals decodes iperf3's --json line-delimited interval
// reports (in practice one top-level JSON document; iperf3 emits interval
// objects within it) and forwards each interval sum as a data point.
func streamJSONIntervals(ctx context.Context, iface appregistry.Interface, measurement string, stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	var doc struct {
		Intervals []struct {
			Sum struct {
				BitsPerSecond float64 `json:"bits_per_second"`
				Bytes         float64 `json:"bytes"`
				Seconds       float64 `json:"seconds"`
			} `json:"sum"`
		} `json:"intervals"`
	}
	if err := dec.Decode(&doc); err != nil {
		return
	}
	for _, interval := range doc.Intervals {
		iface.DataPoint(ctx, measurement, map[string]any{
			"bits_per_second": interval.Sum.BitsPerSecond,
			"bytes":           interval.Sum.Bytes,
			"seconds":         interval.Sum.Seconds,
		})
	}
}
