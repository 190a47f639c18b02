package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/statemachine"
)

// NICSpec describes one virtual NIC attached to an Instance: the
// management NIC is index 0, one extra NIC per Network the Instance joins
// follows (§4.3 step 3).
type NICSpec struct {
	Index  int
	Bridge string
	MAC    string
}

// HypervisorSpec is everything the Instance Supervisor needs to build the
// hypervisor command line (§4.3 step 3): disk image in snapshot mode, the
// NIC set, the seed ISO, the two 9p exports, and the control endpoint.
type HypervisorSpec struct {
	InstanceName   string
	DiskImage      string
	SeedISOPath    string
	ExchangeDir    string
	PackageDir     string
	NICs           []NICSpec
	CPUs           int
	MemoryMB       int
	EnableKVM      bool
	ControlDialArg []string
}

// Process is the running hypervisor, abstracted behind an interface so the
// Supervisor can be unit tested against a fake, grounded on box.go's
// containerService seam (ContainerOps).
type Process interface {
	Wait() error
	Kill() error
	Pid() int
}

// Spawner starts a hypervisor process for an Instance.
type Spawner interface {
	Spawn(ctx context.Context, spec HypervisorSpec) (Process, error)
}

// QEMUSpawner is the default Spawner, shelling out to qemu-system per the
// domain described in §4.3. It is deliberately thin: argument construction
// lives in Args so it is independently testable without starting a real
// process.
type QEMUSpawner struct {
	Binary string
}

// NewQEMUSpawner returns a Spawner using the given qemu-system binary, or
// "qemu-system-x86_64" if empty.
func NewQEMUSpawner(binary string) *QEMUSpawner {
	if binary == "" {
		binary = "qemu-system-x86_64"
	}
	return &QEMUSpawner{Binary: binary}
}

// Args builds the qemu-system-x86_64 argument list for spec, snapshot mode
// always on so the Instance's disk image is never mutated on host (§4.3:
// "disk image in snapshot mode").
func (s HypervisorSpec) Args() []string {
	args := []string{
		"-m", fmt.Sprintf("%d", s.MemoryMB),
		"-smp", fmt.Sprintf("%d", s.CPUs),
		"-drive", fmt.Sprintf("file=%s,if=virtio,snapshot=on", s.DiskImage),
		"-drive", fmt.Sprintf("file=%s,if=virtio,media=cdrom", s.SeedISOPath),
		"-virtfs", fmt.Sprintf("local,path=%s,mount_tag=exchange,security_model=mapped-xattr", s.ExchangeDir),
		"-virtfs", fmt.Sprintf("local,path=%s,mount_tag=tbp,security_model=mapped-xattr,readonly=on", s.PackageDir),
		"-nographic",
	}
	if s.EnableKVM {
		args = append(args, "-enable-kvm")
	}
	for _, nic := range s.NICs {
		netdev := fmt.Sprintf("tap,id=net%d,ifname=%s,script=no,downscript=no", nic.Index, nic.Bridge)
		device := fmt.Sprintf("virtio-net-pci,netdev=net%d,mac=%s", nic.Index, nic.MAC)
		args = append(args, "-netdev", netdev, "-device", device)
	}
	args = append(args, s.ControlDialArg...)
	return args
}

type osProcess struct{ cmd *exec.Cmd }

func (p *osProcess) Wait() error { return p.cmd.Wait() }
func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
func (p *osProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Spawn starts the hypervisor process for spec.
func (s *QEMUSpawner) Spawn(ctx context.Context, spec HypervisorSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, s.Binary, spec.Args()...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn hypervisor for %q: %w", spec.InstanceName, err)
	}
	return &osProcess{cmd: cmd}, nil
}

// Supervisor owns one Instance's hypervisor process and control stream
// end to end (§4.3): cloud-init seed, spawn, wait for STARTED, ferry
// frames, drive orderly shutdown. It is the guest-facing counterpart of
// box.go's Box, adapted from container lifecycle to hypervisor-process
// lifecycle.
type Supervisor struct {
	InstanceName string
	FQDN         string

	spawner  Spawner
	control  ControlEndpoint
	sm       *statemachine.Manager
	process  Process
	writer   *protocol.Writer
	reader   *protocol.Reader
	conn     net.Conn

	// DataPoints and Logs receive every data_point / msg_* frame ferried
	// from the Agent, for the resultstore and telemetry layers to
	// consume (§4.11, §4.3 step 5: "ferry framed messages").
	DataPoints chan protocol.DataPointPayload
	Logs       chan protocol.LogPayload

	// AppStatus receives every apps_extended_status frame, the
	// Controller's only visibility into individual Application outcomes
	// (§7 exit code 2: "success with at least one Application failure").
	AppStatus chan protocol.AppsExtendedStatusPayload
}

// New builds a Supervisor for one Instance, bound to the shared
// statemachine.Manager the Controller uses to track every Instance.
func New(instanceName, fqdn string, spawner Spawner, control ControlEndpoint, sm *statemachine.Manager) *Supervisor {
	return &Supervisor{
		InstanceName: instanceName,
		FQDN:         fqdn,
		spawner:      spawner,
		control:      control,
		sm:           sm,
		DataPoints:   make(chan protocol.DataPointPayload, 64),
		Logs:         make(chan protocol.LogPayload, 64),
		AppStatus:    make(chan protocol.AppsExtendedStatusPayload, 64),
	}
}

// Boot spawns the hypervisor and blocks until the Agent's first frame
// (KindStarted) arrives on the control channel, transitioning the
// Instance to STARTED (§4.3 steps 3-4).
func (s *Supervisor) Boot(ctx context.Context, spec HypervisorSpec) error {
	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return err
	}
	s.process = proc
	slog.InfoContext(ctx, "supervisor: hypervisor spawned", "instance", s.InstanceName, "pid", proc.Pid())

	conn, err := s.control.Accept()
	if err != nil {
		return fmt.Errorf("supervisor: accept control connection for %q: %w", s.InstanceName, err)
	}
	s.conn = conn
	s.writer = protocol.NewWriter(conn)
	s.reader = protocol.NewReader(conn)

	frame, err := s.reader.Next()
	if err != nil {
		return fmt.Errorf("supervisor: waiting for monitor prompt from %q: %w", s.InstanceName, err)
	}
	if frame.Status != protocol.KindStarted {
		return fmt.Errorf("supervisor: expected %s from %q, got %s", protocol.KindStarted, s.InstanceName, frame.Status)
	}
	return s.sm.Transition(s.InstanceName, statemachine.StateStarted)
}

// Ferry reads frames from the Agent until the connection closes or ctx is
// cancelled, driving the shared state machine and fanning data_point/log
// frames out to the DataPoints/Logs channels (§4.3 step 5).
func (s *Supervisor) Ferry(ctx context.Context) error {
	defer close(s.DataPoints)
	defer close(s.Logs)
	defer close(s.AppStatus)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		frame, err := s.reader.Next()
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, frame); err != nil {
			slog.ErrorContext(ctx, "supervisor: dispatch frame failed", "instance", s.InstanceName, "kind", frame.Status, "error", err)
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, frame *protocol.Frame) error {
	switch frame.Status {
	case protocol.KindInitialized:
		return s.sm.Transition(s.InstanceName, statemachine.StateInitialized)
	case protocol.KindAppsInstalled:
		return s.sm.Transition(s.InstanceName, statemachine.StateAppsInstalled)
	case protocol.KindAppsDone:
		// apps_done is the aggregate-completion report (§4.9 step 12):
		// every installed Application reached a terminal state, which is
		// what ends IN_EXPERIMENT (§4.5 ordering). APPS_READY (apps
		// installed and ready to run, but not yet started) is a distinct,
		// earlier state the Controller itself assigns in runApps.
		return s.sm.Transition(s.InstanceName, statemachine.StateFinished)
	case protocol.KindAppsFailed:
		return s.sm.Transition(s.InstanceName, statemachine.StateFailed)
	case protocol.KindFinished:
		// finished confirms the Agent completed its finish-time file
		// preservation (§4.10 handleFinish); FINISHED or FAILED was already
		// reached via apps_done or apps_failed.
		return s.sm.Transition(s.InstanceName, statemachine.StateFilesPreserved)
	case protocol.KindFailed:
		return s.sm.Transition(s.InstanceName, statemachine.StateFailed)
	case protocol.KindDataPoint:
		var p protocol.DataPointPayload
		if err := frame.Unmarshal(&p); err != nil {
			return err
		}
		s.DataPoints <- p
		return nil
	case protocol.KindMsgInfo, protocol.KindMsgSuccess, protocol.KindMsgWarning, protocol.KindMsgError, protocol.KindMsgDebug:
		var p protocol.LogPayload
		if err := frame.Unmarshal(&p); err != nil {
			return err
		}
		s.Logs <- p
		return nil
	case protocol.KindAppsExtendedStatus:
		var p protocol.AppsExtendedStatusPayload
		if err := frame.Unmarshal(&p); err != nil {
			return err
		}
		s.AppStatus <- p
		return nil
	default:
		return nil
	}
}

// Send forwards a Controller-originated frame to this Instance's Agent.
func (s *Supervisor) Send(kind protocol.Kind, payload any) error {
	return s.writer.Send(s.FQDN, kind, payload)
}

// Shutdown drives the orderly-shutdown sequence (§4.3 step 5, §4.9 step
// 12): send finish, wait up to grace for the Agent's own poweroff to exit
// the process, then escalate to Kill if it doesn't.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) error {
	if s.writer != nil {
		_ = s.Send(protocol.KindFinish, protocol.FinishPayload{})
	}
	if s.conn != nil {
		defer s.conn.Close()
	}
	if s.control != nil {
		defer s.control.Close()
	}
	if s.process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.process.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		slog.WarnContext(ctx, "supervisor: instance did not exit within grace period, killing", "instance", s.InstanceName)
		if err := s.process.Kill(); err != nil {
			return fmt.Errorf("supervisor: kill %q after grace period: %w", s.InstanceName, err)
		}
		<-done
		return nil
	}
}

// SeedISOPath is where the Supervisor writes the rendered cloud-init seed
// for an interchange directory, named the way box.go names derived paths
// (a fixed file within the owning directory).
func SeedISOPath(instanceDir string) string {
	return filepath.Join(instanceDir, "seed.iso")
}
