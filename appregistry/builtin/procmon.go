package builtin

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelnet/ptb/appregistry"
)

// ProcmonConfig mirrors ProcmonApplicationConfig in the original: the set
// of interfaces to sample every interval (system- and process-level
// sampling are left to a later port; interfaces are the common case in
// the end-to-end scenarios in spec.md §8).
type ProcmonConfig struct {
	Interval   float64  `json:"interval,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
}

// ProcmonApplication samples interface byte/packet counters at a fixed
// interval and reports the delta since the first sample, grounded on
// original_source/applications/procmon_application.py.
type ProcmonApplication struct {
	settings ProcmonConfig
}

func NewProcmonApplication() appregistry.Application { return &ProcmonApplication{} }

func (p *ProcmonApplication) APIVersion() string { return appregistry.APIVersion }
func (p *ProcmonApplication) Name() string       { return "procmon" }

func (p *ProcmonApplication) SetAndValidateConfig(settings map[string]any) error {
	cfg := ProcmonConfig{Interval: 2}
	if v, ok := settings["interval"].(float64); ok {
		cfg.Interval = v
	}
	if raw, ok := settings["interfaces"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				cfg.Interfaces = append(cfg.Interfaces, s)
			}
		}
	}
	if len(cfg.Interfaces) == 0 {
		return fmt.Errorf("procmon: config validation failed: no interfaces to monitor")
	}
	p.settings = cfg
	return nil
}

func (p *ProcmonApplication) GetRuntimeUpperBound(runtime *float64) float64 {
	if runtime == nil {
		return 0
	}
	return *runtime + 2*p.settings.Interval
}

type ifaceCounters struct {
	bytesRecv, packetsRecv, errIn, dropIn   uint64
	bytesSent, packetsSent, errOut, dropOut uint64
}

func (p *ProcmonApplication) Start(ctx context.Context, iface appregistry.Interface, runtime *float64) error {
	if runtime == nil {
		return fmt.Errorf("procmon: runtime is required")
	}

	offsets := map[string]ifaceCounters{}
	for _, name := range p.settings.Interfaces {
		c, err := readInterfaceCounters(name)
		if err != nil {
			return fmt.Errorf("procmon: %w", err)
		}
		offsets[name] = c
	}

	interval := time.Duration(p.settings.Interval * float64(time.Second))
	deadline := time.Now().Add(time.Duration(*runtime * float64(time.Second)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil
		}
		for _, name := range p.settings.Interfaces {
			cur, err := readInterfaceCounters(name)
			if err != nil {
				iface.Log(ctx, "warning", fmt.Sprintf("procmon: unable to read interface %s: %v", name, err))
				continue
			}
			off := offsets[name]
			iface.DataPoint(ctx, "proc-interface", map[string]any{
				"interface":     name,
				"bytes_sent":    cur.bytesSent - off.bytesSent,
				"bytes_recv":    cur.bytesRecv - off.bytesRecv,
				"packets_sent":  cur.packetsSent - off.packetsSent,
				"packets_recv":  cur.packetsRecv - off.packetsRecv,
				"errin":         cur.errIn - off.errIn,
				"errout":        cur.errOut - off.errOut,
				"dropin":        cur.dropIn - off.dropIn,
				"dropout":       cur.dropOut - off.dropOut,
			})
		}
	}
}

// readInterfaceCounters parses the relevant row of /proc/net/dev, the
// same counters psutil.net_io_counters surfaces in the original.
func readInterfaceCounters(name string) (ifaceCounters, error) {
	data, err := os.ReadFile("/proc/net/dev")
	if err != nil {
		return ifaceCounters{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 17 {
			continue
		}
		iface := strings.TrimSuffix(fields[0], ":")
		if iface != name {
			continue
		}
		parse := func(i int) uint64 {
			v, _ := strconv.ParseUint(fields[i], 10, 64)
			return v
		}
		return ifaceCounters{
			bytesRecv:   parse(1),
			packetsRecv: parse(2),
			errIn:       parse(3),
			dropIn:      parse(4),
			bytesSent:   parse(9),
			packetsSent: parse(10),
			errOut:      parse(11),
			dropOut:     parse(12),
		}, nil
	}
	return ifaceCounters{}, fmt.Errorf("interface %q not found", name)
}
