package controller

import (
	"crypto/rand"
	"fmt"
	"net"
)

// newUUID generates a random UUID-v4-shaped identifier for an Instance's
// interchange directory name, grounded on statedir's randomSuffix pattern
// (crypto/rand, no external UUID library in the retrieval pack).
func newUUID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf[6] = (buf[6] & 0x0f) | 0x40
	buf[8] = (buf[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", buf[0:4], buf[4:6], buf[6:8], buf[8:10], buf[10:16]), nil
}

// allocateManagementIP computes the index'th usable address in cidr (the
// settings.management_network block), skipping the network address and
// the .1 gateway address, so index 0 maps to .2.
func allocateManagementIP(cidr string, index int) (addr string, prefixLen int, err error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", 0, fmt.Errorf("controller: parse management_network %q: %w", cidr, err)
	}
	prefixLen, _ = ipnet.Mask.Size()

	ip4 := ip.To4()
	if ip4 == nil {
		return "", 0, fmt.Errorf("controller: management_network %q is not IPv4", cidr)
	}
	base := make(net.IP, len(ip4))
	copy(base, ip4)

	offset := index + 2 // .0 is network, .1 is the management bridge's own gateway address
	for i := len(base) - 1; i >= 0 && offset > 0; i-- {
		sum := int(base[i]) + offset
		base[i] = byte(sum & 0xff)
		offset = sum >> 8
	}
	if !ipnet.Contains(base) {
		return "", 0, fmt.Errorf("controller: management_network %q has no room for instance index %d", cidr, index)
	}
	return base.String(), prefixLen, nil
}
