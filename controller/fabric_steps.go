package controller

import (
	"context"
	"fmt"

	"github.com/kestrelnet/ptb/fabric"
	"github.com/kestrelnet/ptb/integrations"
)

// bringUpFabric implements §4.9 step 3: the management bridge (NAT'd so
// Instances can reach the host's default route) and every additional
// Network's bridge, attaching declared host ports.
func (c *Controller) bringUpFabric(ctx context.Context) error {
	// Index -1 is the .1 gateway address that allocateManagementIP skips
	// for Instances.
	gwIP, prefixLen, err := allocateManagementIP(c.cfg.Settings.ManagementNetwork, -1)
	if err != nil {
		return fmt.Errorf("%w: management bridge: %w", ErrFabric, err)
	}
	mgmtBridge, err := c.fabricMgr.CreateBridge(ctx, c.managementBridgeName, fmt.Sprintf("%s/%d", gwIP, prefixLen), true)
	if err != nil {
		return fmt.Errorf("%w: management bridge: %w", ErrFabric, err)
	}
	c.bridges[c.managementBridgeName] = mgmtBridge

	for _, n := range c.cfg.Networks {
		name := c.networkBridgeNames[n.Name]
		br, err := c.fabricMgr.CreateBridge(ctx, name, "", false)
		if err != nil {
			return fmt.Errorf("%w: network %q bridge: %w", ErrFabric, n.Name, err)
		}
		c.bridges[name] = br
		for _, hostPort := range n.HostPorts {
			if err := br.AttachHostPort(ctx, hostPort); err != nil {
				return fmt.Errorf("%w: attach host port %q to %q: %w", ErrFabric, hostPort, n.Name, err)
			}
		}
	}
	return nil
}

// bridgeForNetwork resolves a Network name to its live Bridge.
func (c *Controller) bridgeForNetwork(name string) (*fabric.Bridge, bool) {
	br, ok := c.bridges[c.networkBridgeNames[name]]
	return br, ok
}

// fireIntegrations returns a step function bound to a stage, so Run's
// step table can list all three bring-up points without duplicating the
// error-wrap boilerplate.
func (c *Controller) fireIntegrations(stage integrations.Stage) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := c.integrationsMgr.RunStage(ctx, stage); err != nil {
			return fmt.Errorf("%w: %w", ErrIntegration, err)
		}
		return nil
	}
}

// teardownFabric drains every bridge's dismantle stack, aggregating
// errors rather than stopping at the first so every bridge gets a chance
// to come down (§4.2, §4.9 step 14).
func (c *Controller) teardownFabric(ctx context.Context) error {
	var firstErr error
	for name, br := range c.bridges {
		if err := br.TearDown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: tear down bridge %q: %w", ErrFabric, name, err)
		}
	}
	return firstErr
}
