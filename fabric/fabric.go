// Package fabric implements the Network Fabric capability (§4.2): creating
// and tearing down bridges, TAPs and NAT rules. Every mutation pushes its
// inverse onto a per-handle dismantle stack drained LIFO on teardown, so a
// single failed bring-up step never leaves partial state behind.
package fabric

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// Runner executes host networking commands. The default implementation
// shells out to `ip`/`iptables`; tests substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands via os/exec, the way every teacher command
// wrapper in this codebase's lineage shells out to an external CLI
// (applecontainer's Box methods invoke the `container` binary the same
// way).
type ExecRunner struct{}

// Run executes name with args, returning the wrapped error (including
// captured stderr) on non-zero exit.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fabric: %s %v: %w: %s", name, args, err, string(out))
	}
	return nil
}

// inverse is one entry on a handle's dismantle stack: an idempotent undo
// step pushed after a successful bring-up step.
type inverse func(ctx context.Context) error

// Bridge is a live handle returned by CreateBridge.
type Bridge struct {
	Name string

	mgr      *Manager
	mu       sync.Mutex
	members  map[string]bool
	dismantle []inverse
}

// Manager owns the Runner used to realise Network Fabric operations.
type Manager struct {
	runner Runner
}

// NewManager builds a Manager with the given Runner (pass ExecRunner{}
// for the real host, a fake for tests).
func NewManager(runner Runner) *Manager {
	return &Manager{runner: runner}
}

// CreateBridge brings up a bridge device, optionally assigning it an
// IP/prefix and enabling NAT toward the host's default route (§4.2). Every
// successful step is pushed onto the returned handle's dismantle stack.
func (m *Manager) CreateBridge(ctx context.Context, name string, ipPrefix string, nat bool) (*Bridge, error) {
	b := &Bridge{Name: name, mgr: m, members: map[string]bool{}}

	if err := m.runner.Run(ctx, "ip", "link", "add", "name", name, "type", "bridge"); err != nil {
		return nil, err
	}
	b.push(func(ctx context.Context) error {
		return m.runner.Run(ctx, "ip", "link", "delete", name, "type", "bridge")
	})

	if err := m.runner.Run(ctx, "ip", "link", "set", name, "up"); err != nil {
		b.unwind(ctx)
		return nil, err
	}
	b.push(func(ctx context.Context) error { return m.runner.Run(ctx, "ip", "link", "set", name, "down") })

	if ipPrefix != "" {
		if err := m.runner.Run(ctx, "ip", "addr", "add", ipPrefix, "dev", name); err != nil {
			b.unwind(ctx)
			return nil, err
		}
		b.push(func(ctx context.Context) error {
			return m.runner.Run(ctx, "ip", "addr", "del", ipPrefix, "dev", name)
		})
	}

	if nat {
		if err := m.enableNAT(ctx, b, name); err != nil {
			b.unwind(ctx)
			return nil, err
		}
	}

	return b, nil
}

// enableNAT installs host forwarding, SNAT toward the default-route
// source address, and a permissive conntrack rule, per §4.2.
func (m *Manager) enableNAT(ctx context.Context, b *Bridge, bridgeName string) error {
	if err := m.runner.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return err
	}
	// Forwarding is a host-wide knob; leaving it enabled after one
	// testbed's teardown is intentional (other runs may depend on it),
	// so no inverse is pushed for it.

	if err := m.runner.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "!", "-o", bridgeName, "-j", "MASQUERADE"); err != nil {
		return err
	}
	b.push(func(ctx context.Context) error {
		return m.runner.Run(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "!", "-o", bridgeName, "-j", "MASQUERADE")
	})

	if err := m.runner.Run(ctx, "iptables", "-A", "FORWARD", "-i", bridgeName, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return err
	}
	b.push(func(ctx context.Context) error {
		return m.runner.Run(ctx, "iptables", "-D", "FORWARD", "-i", bridgeName, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT")
	})

	return nil
}

// AddTAP attaches a TAP device to the bridge. Idempotent: a no-op if the
// TAP is already a member (§4.2, §8).
func (b *Bridge) AddTAP(ctx context.Context, tapName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[tapName] {
		return nil
	}

	if err := b.mgr.runner.Run(ctx, "ip", "tuntap", "add", "dev", tapName, "mode", "tap"); err != nil {
		return err
	}
	if err := b.mgr.runner.Run(ctx, "ip", "link", "set", tapName, "master", b.Name); err != nil {
		return err
	}
	if err := b.mgr.runner.Run(ctx, "ip", "link", "set", tapName, "up"); err != nil {
		return err
	}

	b.members[tapName] = true
	b.push(func(ctx context.Context) error { return b.removeTAPLocked(ctx, tapName) })
	return nil
}

// RemoveTAP detaches and destroys a TAP. Idempotent: a no-op if absent.
func (b *Bridge) RemoveTAP(ctx context.Context, tapName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.members[tapName] {
		return nil
	}
	return b.removeTAPLocked(ctx, tapName)
}

func (b *Bridge) removeTAPLocked(ctx context.Context, tapName string) error {
	delete(b.members, tapName)
	if err := b.mgr.runner.Run(ctx, "ip", "link", "delete", tapName); err != nil {
		return err
	}
	return nil
}

// AttachHostPort bridges a physical host NIC into this bridge.
func (b *Bridge) AttachHostPort(ctx context.Context, physicalName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.mgr.runner.Run(ctx, "ip", "link", "set", physicalName, "master", b.Name); err != nil {
		return err
	}
	b.push(func(ctx context.Context) error {
		return b.mgr.runner.Run(ctx, "ip", "link", "set", physicalName, "nomaster")
	})
	return nil
}

// push adds an inverse step to the dismantle stack. Callers must hold
// b.mu or be in single-threaded bring-up (CreateBridge itself is not
// concurrent).
func (b *Bridge) push(fn inverse) {
	b.dismantle = append(b.dismantle, fn)
}

// unwind drains the dismantle stack LIFO, used both for TearDown and for
// aborting a partially-completed bring-up (§4.2 failure model).
func (b *Bridge) unwind(ctx context.Context) error {
	var firstErr error
	for i := len(b.dismantle) - 1; i >= 0; i-- {
		if err := b.dismantle[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.dismantle = nil
	return firstErr
}

// TearDown drains the dismantle stack for this bridge.
func (b *Bridge) TearDown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unwind(ctx)
}

// DestroyByName tears down bridges and TAPs identified only by name, with
// no live handle — the path statedir.Prune uses to reclaim an orphaned
// run's fabric state.
func (m *Manager) DestroyByName(ctx context.Context, bridges, taps []string) error {
	for _, t := range taps {
		_ = m.runner.Run(ctx, "ip", "link", "delete", t) // best-effort; absent is fine
	}
	for _, br := range bridges {
		_ = m.runner.Run(ctx, "ip", "link", "delete", br, "type", "bridge")
	}
	return nil
}
