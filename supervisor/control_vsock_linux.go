//go:build linux

package supervisor

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

const controlPort = 9999

// vsockControlEndpoint is the Linux-native control channel, grounded on
// oarkflow-container's pkg/isolate/agent/transport_vsock_linux.go use of
// github.com/mdlayher/vsock.
type vsockControlEndpoint struct {
	cid uint32
	ln  *vsock.Listener
}

func newVsockControlEndpoint(cid uint32) (ControlEndpoint, error) {
	ln, err := vsock.ListenContextID(cid, controlPort, nil)
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen on vsock cid=%d port=%d: %w", cid, controlPort, err)
	}
	return &vsockControlEndpoint{cid: cid, ln: ln}, nil
}

func (v *vsockControlEndpoint) Accept() (net.Conn, error) { return v.ln.Accept() }
func (v *vsockControlEndpoint) DialArgs() []string {
	return []string{"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", v.cid)}
}
func (v *vsockControlEndpoint) Close() error { return v.ln.Close() }
