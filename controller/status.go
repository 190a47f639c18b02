package controller

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/kestrelnet/ptb/daemon"
)

// Status implements daemon.StatusProvider, giving `ptb list` a live
// snapshot of this run's Instances without holding a connection to any
// of them itself.
func (c *Controller) Status() daemon.RunStatus {
	status := daemon.RunStatus{
		Experiment: c.experiment,
		RunDir:     c.runDir.Path(),
	}
	for _, name := range c.order {
		rt := c.instances[name]
		if rt == nil {
			continue
		}
		state, _ := c.sm.State(name)
		status.Instances = append(status.Instances, daemon.InstanceStatus{
			Name:   name,
			UUID:   rt.uuid,
			State:  string(state),
			MgmtIP: rt.mgmtIP,
		})
	}
	return status
}

// AttachInfo implements daemon.StatusProvider for `ptb attach`: when
// sshaccess issued certificates for this run and the caller supplies a
// public key to certify, an SSH endpoint plus a signed user certificate;
// otherwise the Instance's raw control socket for a bare serial console
// (§6 `attach`, §9 Design Notes attach-over-ssh supplement).
func (c *Controller) AttachInfo(instance, clientPubKey string) (daemon.AttachInfo, error) {
	rt, ok := c.instances[instance]
	if !ok {
		return daemon.AttachInfo{}, fmt.Errorf("controller: no such instance %q", instance)
	}
	info := daemon.AttachInfo{Instance: instance, ControlSocketPath: rt.controlSocketPath()}
	if rt.mgmtIP != "" {
		info.SSHHost = rt.mgmtIP
		info.SSHPort = 22
	}

	if c.sshAuth != nil {
		info.HostCAPublicKey = string(ssh.MarshalAuthorizedKey(c.sshAuth.HostCAPublicKey()))
	}
	if c.sshAuth != nil && clientPubKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(clientPubKey))
		if err != nil {
			return daemon.AttachInfo{}, fmt.Errorf("controller: parse client public key: %w", err)
		}
		cert, err := c.sshAuth.IssueUserCertificate(pub)
		if err != nil {
			return daemon.AttachInfo{}, err
		}
		info.UserCertificate = string(ssh.MarshalAuthorizedKey(cert))
	}
	return info, nil
}
