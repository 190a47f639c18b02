// Package sshaccess issues host and user SSH certificates for attaching
// to an Instance over SSH instead of the bare serial console (§6 `attach`
// subcommand supplement). Grounded on sshimmer/sshimmer.go's certificate
// authority pattern, scoped to what a testbed run needs: one host CA
// signing a certificate per Instance FQDN, one user CA issuing the
// operator's certificate.
package sshaccess

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// certValidity mirrors sshimmer.go's 30-day certificate lifetime.
const certValidity = 720 * time.Hour

// Authority owns a host CA and a user CA for one run's Instances, issuing
// short-lived certificates instead of relying on TOFU host-key trust.
type Authority struct {
	dir string

	hostCA ssh.Signer
	userCA ssh.Signer
}

// Open loads or creates the host and user CA keypairs under dir (the
// run's interchange directory), mirroring getOrCreateCA.
func Open(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sshaccess: create %q: %w", dir, err)
	}
	hostCA, err := getOrCreateCA(filepath.Join(dir, "host_ca"))
	if err != nil {
		return nil, fmt.Errorf("sshaccess: host CA: %w", err)
	}
	userCA, err := getOrCreateCA(filepath.Join(dir, "user_ca"))
	if err != nil {
		return nil, fmt.Errorf("sshaccess: user CA: %w", err)
	}
	return &Authority{dir: dir, hostCA: hostCA, userCA: userCA}, nil
}

// HostCAPublicKey returns the host CA's public key, for the client's
// known_hosts `@cert-authority` line.
func (a *Authority) HostCAPublicKey() ssh.PublicKey { return a.hostCA.PublicKey() }

// IssueHostCertificate signs a host certificate for an Instance's sshd,
// valid only for its FQDN (§9: attach-over-ssh grounded on
// sshimmer.go.issueHostCertificate).
func (a *Authority) IssueHostCertificate(fqdn string, hostPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             hostPub,
		Serial:          1,
		CertType:        ssh.HostCert,
		KeyId:           fqdn + " host key",
		ValidPrincipals: []string{fqdn},
		ValidAfter:      uint64(time.Now().Add(-time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(certValidity).Unix()),
	}
	if err := cert.SignCert(rand.Reader, a.hostCA); err != nil {
		return nil, fmt.Errorf("sshaccess: sign host certificate for %q: %w", fqdn, err)
	}
	return cert, nil
}

// IssueUserCertificate signs a certificate authorising the operator to
// connect as root to any Instance in this run, mirroring
// sshimmer.go.issueUserCertificate.
func (a *Authority) IssueUserCertificate(userPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             userPub,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           "ptb-operator",
		ValidPrincipals: []string{"root"},
		ValidAfter:      uint64(time.Now().Add(-time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(certValidity).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, a.userCA); err != nil {
		return nil, fmt.Errorf("sshaccess: sign user certificate: %w", err)
	}
	return cert, nil
}

// getOrCreateCA loads an existing ed25519 CA private key at path or
// generates and persists a fresh one, mirroring sshimmer.go.getOrCreateCA.
func getOrCreateCA(path string) (ssh.Signer, error) {
	if data, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse existing CA key %q: %w", path, err)
		}
		return signer, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key pair: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer from CA key: %w", err)
	}
	if err := os.WriteFile(path, encodePrivateKeyPEM(priv), 0o600); err != nil {
		return nil, fmt.Errorf("write CA key %q: %w", path, err)
	}
	return signer, nil
}
