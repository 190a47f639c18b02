package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kestrelnet/ptb/protocol"
	"github.com/kestrelnet/ptb/statemachine"
	"github.com/kestrelnet/ptb/supervisor"
)

// spawnHypervisors implements §4.9 step 4: for every Instance, resolve its
// disk image, wire its NICs onto the already-live bridges, render its
// cloud-init seed, spawn the hypervisor, and start ferrying its control
// stream. Spawn is sequential: it draws from the shared TAP-name pool, and
// the rendezvous on STARTED happens separately in waitStarted so the
// Ferry loops themselves still run concurrently, one goroutine per
// Instance (§5 "one logical task per Instance for the supervisor loop").
func (c *Controller) spawnHypervisors(ctx context.Context) error {
	spawner := supervisor.NewQEMUSpawner(c.opts.QEMUBinary)
	tapIdx := 0

	for index, name := range c.order {
		if err := c.spawnOne(ctx, index, c.instances[name], spawner, &tapIdx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) spawnOne(ctx context.Context, index int, rt *instanceRuntime, spawner *supervisor.QEMUSpawner, tapIdx *int) error {
	diskImage, err := c.images.Resolve(ctx, filepath.Join(c.cfg.Settings.DiskImageBasePath, rt.cfg.Image))
	if err != nil {
		return fmt.Errorf("%w: resolve image for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}

	mgmtIP, prefixLen, err := allocateManagementIP(c.cfg.Settings.ManagementNetwork, index)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSupervisor, err)
	}
	rt.mgmtIP = mgmtIP
	instanceMACBase := supervisor.DeriveMACBase(c.runDir.Name(), rt.cfg.Name)

	nics := []supervisor.NICSpec{{Index: 0, Bridge: c.managementBridgeName, MAC: supervisor.NICMAC(instanceMACBase, 0)}}
	if err := c.attachTAP(ctx, c.managementBridgeName, c.nextTAPName(tapIdx)); err != nil {
		return err
	}

	for i, netName := range rt.cfg.Networks {
		br, ok := c.bridgeForNetwork(netName)
		if !ok {
			return fmt.Errorf("%w: instance %q references unknown bridge for network %q", ErrSupervisor, rt.cfg.Name, netName)
		}
		tap := c.nextTAPName(tapIdx)
		if err := br.AddTAP(ctx, tap); err != nil {
			return fmt.Errorf("%w: attach tap for %q: %w", ErrFabric, netName, err)
		}
		nics = append(nics, supervisor.NICSpec{Index: i + 1, Bridge: br.Name, MAC: supervisor.NICMAC(instanceMACBase, i+1)})
	}

	seed := supervisor.CloudInitSeed{InstanceName: rt.cfg.Name, ManagementIP: fmt.Sprintf("%s/%d", mgmtIP, prefixLen), MACBase: instanceMACBase}
	isoPath, err := supervisor.WriteSeedISO(rt.dir, seed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSupervisor, err)
	}

	socketPath := filepath.Join(rt.dir, "mgmt.sock")
	control, err := supervisor.NewControlEndpoint(c.vsockCIDForInstance(index), socketPath)
	if err != nil {
		return fmt.Errorf("%w: control endpoint for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}
	rt.control = control

	sup := supervisor.New(rt.cfg.Name, rt.fqdn, spawner, control, c.sm)
	rt.supervisor = sup

	spec := supervisor.HypervisorSpec{
		InstanceName:   rt.cfg.Name,
		DiskImage:      diskImage,
		SeedISOPath:    isoPath,
		ExchangeDir:    filepath.Join(rt.dir, "mount"),
		PackageDir:     c.testbedPackageDir,
		NICs:           nics,
		CPUs:           rt.cfg.Cores,
		MemoryMB:       rt.cfg.MemoryMB,
		EnableKVM:      !c.opts.NoKVM,
		ControlDialArg: control.DialArgs(),
	}

	if err := sup.Boot(ctx, spec); err != nil {
		return fmt.Errorf("%w: boot %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}

	if err := c.issueHostIdentity(rt); err != nil {
		return err
	}

	go c.ferry(ctx, rt)
	return nil
}

// issueHostIdentity generates an ephemeral ed25519 host keypair for rt
// and has the run's sshaccess.Authority certify it, writing both to the
// Instance's interchange directory (§9 attach-over-ssh supplement). The
// Agent side of actually installing this identity into the guest's sshd
// is not modeled by the control protocol yet (see DESIGN.md); the
// certificate issued here is what `ptb attach` trusts once it is.
func (c *Controller) issueHostIdentity(rt *instanceRuntime) error {
	if c.sshAuth == nil {
		return nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generate host key for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return fmt.Errorf("%w: host signer for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}

	cert, err := c.sshAuth.IssueHostCertificate(rt.fqdn, signer.PublicKey())
	if err != nil {
		return fmt.Errorf("%w: issue host certificate for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}

	keyBlock, err := ssh.MarshalPrivateKey(priv, rt.fqdn+" host key")
	if err != nil {
		return fmt.Errorf("%w: marshal host key for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}
	if err := os.WriteFile(filepath.Join(rt.dir, "ssh_host_key"), pemEncode(keyBlock), 0o600); err != nil {
		return fmt.Errorf("%w: write host key for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}
	if err := os.WriteFile(filepath.Join(rt.dir, "ssh_host_cert.pub"), ssh.MarshalAuthorizedKey(cert), 0o644); err != nil {
		return fmt.Errorf("%w: write host cert for %q: %w", ErrSupervisor, rt.cfg.Name, err)
	}
	return nil
}

func pemEncode(block *pem.Block) []byte {
	return pem.EncodeToMemory(block)
}

// ferry runs a Supervisor's Ferry loop and fans its telemetry/log/status
// channels out to the result store, metrics sink and Application
// completion tracker until the control stream closes. A Ferry error that
// is not ordinary context cancellation means the control stream was lost
// out from under us, so the Instance moves to DISCONNECTED (§4.5, §8
// scenario 4: "all Instances transition to DISCONNECTED or FAILED").
func (c *Controller) ferry(ctx context.Context, rt *instanceRuntime) {
	go func() {
		err := rt.supervisor.Ferry(ctx)
		if err != nil && ctx.Err() == nil {
			if st, _ := c.sm.State(rt.cfg.Name); st != statemachine.StateFailed {
				if tErr := c.sm.Transition(rt.cfg.Name, statemachine.StateDisconnected); tErr != nil {
					slog.Error("controller: transition to disconnected failed", "instance", rt.cfg.Name, "error", tErr)
				}
			}
		}
	}()

	dataPoints, logs, statuses := rt.supervisor.DataPoints, rt.supervisor.Logs, rt.supervisor.AppStatus
	for dataPoints != nil || logs != nil || statuses != nil {
		select {
		case dp, ok := <-dataPoints:
			if !ok {
				dataPoints = nil
				continue
			}
			c.recordDataPoint(rt.cfg.Name, dp)
		case lg, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			c.recordLog(rt.cfg.Name, lg)
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			c.recordAppStatus(rt.cfg.Name, st)
		}
	}
}

func (c *Controller) recordDataPoint(instance string, dp protocol.DataPointPayload) {
	if c.sink != nil {
		_ = c.sink.Write(dp.Measurement, dp.Tags, dp.Fields, dp.Timestamp)
	}
	if c.store != nil {
		_ = c.store.AppendDataPoint(c.experiment, instance, dp, dp.Timestamp)
	}
}

func (c *Controller) recordLog(instance string, lg protocol.LogPayload) {
	if c.store != nil {
		_ = c.store.AppendLog(c.experiment, instance, lg, time.Now())
	}
}

func (c *Controller) nextTAPName(idx *int) string {
	n := c.tapNames[*idx]
	*idx++
	return n
}

func (c *Controller) attachTAP(ctx context.Context, bridgeName, tapName string) error {
	br, ok := c.bridges[bridgeName]
	if !ok {
		return fmt.Errorf("%w: bridge %q not yet up", ErrFabric, bridgeName)
	}
	if err := br.AddTAP(ctx, tapName); err != nil {
		return fmt.Errorf("%w: attach management tap: %w", ErrFabric, err)
	}
	return nil
}

func (c *Controller) vsockCIDForInstance(index int) uint32 {
	if index < len(c.vsockCIDs) {
		return c.vsockCIDs[index]
	}
	return 0
}

// waitStarted implements §4.9 step 6.
func (c *Controller) waitStarted(ctx context.Context) error {
	return c.rendezvous(ctx, statemachine.StateStarted, durationSeconds(c.cfg.Settings.StartupInitTimeout))
}
