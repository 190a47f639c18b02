// Package builtin provides the default Application set ported from
// original_source/applications/*.py: ping, the iperf3 client/server pair,
// a process monitor, and a generic program runner.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kestrelnet/ptb/appregistry"
)

// PingConfig mirrors PingApplicationConfig in the original.
type PingConfig struct {
	Target     string  `json:"target"`
	Source     string  `json:"source,omitempty"`
	Interval   float64 `json:"interval,omitempty"`
	PacketSize int     `json:"packetsize,omitempty"`
	TTL        int     `json:"ttl,omitempty"`
	Timeout    float64 `json:"timeout,omitempty"`
}

// PingApplication wraps the system `ping` binary and parses RTT/icmp_seq
// samples the way the original's PingApplication.start does.
type PingApplication struct {
	settings *PingConfig
}

func NewPingApplication() appregistry.Application { return &PingApplication{} }

func (p *PingApplication) APIVersion() string { return appregistry.APIVersion }
func (p *PingApplication) Name() string       { return "ping" }

func (p *PingApplication) SetAndValidateConfig(settings map[string]any) error {
	cfg := &PingConfig{Interval: 1, Timeout: 1}
	if target, ok := settings["target"].(string); ok {
		cfg.Target = target
	} else {
		return fmt.Errorf("ping: config validation failed: missing target")
	}
	if v, ok := settings["source"].(string); ok {
		cfg.Source = v
	}
	if v, ok := settings["interval"].(float64); ok {
		cfg.Interval = v
	}
	if v, ok := settings["packetsize"].(float64); ok {
		cfg.PacketSize = int(v)
	}
	if v, ok := settings["ttl"].(float64); ok {
		cfg.TTL = int(v)
	}
	if v, ok := settings["timeout"].(float64); ok {
		cfg.Timeout = v
	}
	p.settings = cfg
	return nil
}

func (p *PingApplication) GetRuntimeUpperBound(runtime *float64) float64 {
	if runtime == nil {
		return 0
	}
	return *runtime
}

func (p *PingApplication) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	if p.settings == nil {
		return fmt.Errorf("ping: start called before config validation")
	}
	if runtime == nil {
		return fmt.Errorf("ping: runtime is required (ping is never a daemon)")
	}

	args := []string{"-O", "-B", "-D",
		"-w", strconv.Itoa(int(*runtime)),
		"-W", strconv.FormatFloat(p.settings.Timeout, 'f', -1, 64),
		"-i", strconv.FormatFloat(p.settings.Interval, 'f', -1, 64),
	}
	if p.settings.Source != "" {
		args = append(args, "-I", p.settings.Source)
	}
	if p.settings.TTL != 0 {
		args = append(args, "-t", strconv.Itoa(p.settings.TTL))
	}
	if p.settings.PacketSize != 0 {
		args = append(args, "-s", strconv.Itoa(p.settings.PacketSize))
	}
	args = append(args, p.settings.Target)

	cmd := exec.CommandContext(ctx, "/usr/bin/ping", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ping: unable to start ping: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ping: unable to start ping: %w", err)
	}

	currentSeq := -1
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		parts = parts[1:] // drop the leading "[timestamp]" token

		reachable := true
		if parts[0] == "no" || parts[0] == "From" {
			reachable = false
		}

		fields := map[string]string{}
		for _, tok := range parts {
			if kv := strings.SplitN(tok, "=", 2); len(kv) == 2 {
				fields[kv[0]] = kv[1]
			}
		}

		icmpSeqStr, ok := fields["icmp_seq"]
		if !ok {
			continue
		}
		icmpSeq, err := strconv.Atoi(icmpSeqStr)
		if err != nil || icmpSeq <= currentSeq {
			continue
		}
		currentSeq = icmpSeq

		rtt, _ := strconv.ParseFloat(fields["time"], 64)
		ttl, _ := strconv.Atoi(fields["ttl"])

		iface.DataPoint(ctx, "ping", map[string]any{
			"rtt":       rtt,
			"ttl":       ttl,
			"reachable": reachable,
			"icmp_seq":  icmpSeq,
		})
	}

	return cmd.Wait()
}
