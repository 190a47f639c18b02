package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "testbed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalTwoInstance = `
settings:
  management_network: 10.20.0.0/24
  diskimage_basepath: /var/lib/ptb/images
  startup_init_timeout: 60
  experiment_timeout: 120
networks:
  - name: lan
instances:
  - name: alice
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [lan]
    applications:
      - name: ping
        type: ping
        delay: 0
        runtime: 10
  - name: bob
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [lan]
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, minimalTwoInstance)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(cfg.Instances))
	}
}

func TestLoadUnknownNetwork(t *testing.T) {
	path := writeTempConfig(t, `
settings:
  management_network: 10.20.0.0/24
  diskimage_basepath: /tmp
  startup_init_timeout: 1
  experiment_timeout: 1
networks: []
instances:
  - name: alice
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [ghost]
`)
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected error for unknown network reference")
	}
}

func TestLoadFinishDependencyOnDaemon(t *testing.T) {
	path := writeTempConfig(t, `
settings:
  management_network: 10.20.0.0/24
  diskimage_basepath: /tmp
  startup_init_timeout: 1
  experiment_timeout: 1
networks:
  - name: lan
instances:
  - name: server
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [lan]
    applications:
      - name: svc
        type: iperf3-server
        delay: 0
  - name: client
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [lan]
    applications:
      - name: cli
        type: iperf3-client
        delay: 0
        runtime: 5
        depends_on:
          - instance: server
            application: svc
            at: finish
`)
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected configuration error for at=finish dependency on a daemon")
	}
}

func TestLoadMissingDependencyTarget(t *testing.T) {
	path := writeTempConfig(t, `
settings:
  management_network: 10.20.0.0/24
  diskimage_basepath: /tmp
  startup_init_timeout: 1
  experiment_timeout: 1
networks:
  - name: lan
instances:
  - name: alice
    image: base.qcow2
    cores: 1
    memory_mb: 512
    networks: [lan]
    applications:
      - name: app1
        type: ping
        delay: 0
        runtime: 5
        depends_on:
          - instance: ghost
            application: app1
            at: start
`)
	if _, err := Load(path, true); err == nil {
		t.Fatal("expected configuration error for missing dependency target")
	}
}

func TestSubstitutionUnresolvedPlaceholder(t *testing.T) {
	path := writeTempConfig(t, `
settings:
  management_network: "{{MGMT_CIDR}}"
  diskimage_basepath: /tmp
  startup_init_timeout: 1
  experiment_timeout: 1
networks: []
instances: []
`)
	if _, err := Load(path, false); err == nil {
		t.Fatal("expected error for unresolved placeholder")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	path := writeTempConfig(t, minimalTwoInstance)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	roundPath := writeTempConfig(t, string(out))
	cfg2, err := Load(roundPath, true)
	if err != nil {
		t.Fatalf("reload round-tripped config: %v", err)
	}
	if len(cfg2.Instances) != len(cfg.Instances) {
		t.Fatalf("round-trip changed instance count: %d vs %d", len(cfg2.Instances), len(cfg.Instances))
	}
}
