// Package supervisor implements the Instance Supervisor (§4.3): it owns
// the lifetime of a single Instance's hypervisor process and control
// stream, from cloud-init seed generation through orderly shutdown.
package supervisor

import (
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DeriveMACBase computes the deterministic MAC address base described in
// §4.3: sha256(unique_run_name ∥ instance_name)[0:11], formatted as the
// first 5 octets of a locally-administered MAC address.
func DeriveMACBase(uniqueRunName, instanceName string) string {
	sum := sha256.Sum256([]byte(uniqueRunName + instanceName))
	// Clear the multicast bit and set the locally-administered bit on
	// the first octet, standard practice for generated MACs.
	first := (sum[0] &^ 0x01) | 0x02
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x", first, sum[1], sum[2], sum[3], sum[4])
}

// NICMAC derives the full MAC address for NIC index nicIndex (0 =
// management, 1..N = extras) on top of a base: the low nibble of the last
// byte equals the NIC index (§4.3).
func NICMAC(base string, nicIndex int) string {
	return fmt.Sprintf("%s:%02x", base, nicIndex&0x0f)
}

// CloudInitSeed is the minimal set of values the seed is templated from
// (§4.3, §9 "avoid pulling in a full template engine").
type CloudInitSeed struct {
	InstanceName string
	ManagementIP string
	MACBase      string
}

// metaDataTemplate, userDataTemplate and networkConfigTemplate are
// minimal fmt format strings filled in positionally by Render, per the
// Design Notes' instruction to avoid a full template engine.
const metaDataTemplate = `instance-id: %s
local-hostname: %s
`

const userDataTemplate = `#cloud-config
hostname: %s
manage_etc_hosts: true
`

const networkConfigTemplate = `version: 2
ethernets:
  mgmt0:
    match:
      macaddress: "%s"
    addresses: [%s]
`

// Render produces the three cloud-init seed files (meta-data, user-data,
// network-config) ready to be written into a small ISO (§4.3 step 2).
func (s CloudInitSeed) Render() (metaData, userData, networkConfig string) {
	metaData = fmt.Sprintf(metaDataTemplate, s.InstanceName, s.InstanceName)
	userData = fmt.Sprintf(userDataTemplate, s.InstanceName)
	mgmtMAC := NICMAC(s.MACBase, 0)
	networkConfig = fmt.Sprintf(networkConfigTemplate, mgmtMAC, s.ManagementIP)
	return metaData, userData, networkConfig
}

// WriteSeedISO renders s and packs it into a cloud-init NoCloud ISO at
// SeedISOPath(instanceDir), shelling out to genisoimage the way every
// teacher command wrapper invokes an external CLI rather than linking an
// ISO-authoring library (no such library appears anywhere in the
// retrieval pack).
func WriteSeedISO(instanceDir string, s CloudInitSeed) (string, error) {
	stageDir, err := os.MkdirTemp(instanceDir, "seed-")
	if err != nil {
		return "", fmt.Errorf("supervisor: create seed staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	metaData, userData, networkConfig := s.Render()
	files := map[string]string{
		"meta-data":      metaData,
		"user-data":      userData,
		"network-config": networkConfig,
	}
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(stageDir, name), []byte(contents), 0o644); err != nil {
			return "", fmt.Errorf("supervisor: write %s: %w", name, err)
		}
	}

	isoPath := SeedISOPath(instanceDir)
	cmd := exec.Command("genisoimage", "-output", isoPath, "-volid", "cidata", "-joliet", "-rock",
		filepath.Join(stageDir, "meta-data"), filepath.Join(stageDir, "user-data"), filepath.Join(stageDir, "network-config"))
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("supervisor: build seed iso for %q: %w: %s", s.InstanceName, err, string(out))
	}
	return isoPath, nil
}
