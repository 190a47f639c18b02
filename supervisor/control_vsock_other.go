//go:build !linux

package supervisor

import "fmt"

func newVsockControlEndpoint(cid uint32) (ControlEndpoint, error) {
	return nil, fmt.Errorf("supervisor: vsock control endpoint is only available on linux")
}
