package sshaccess

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestIssueHostCertificateValidForFQDN(t *testing.T) {
	dir := t.TempDir()
	auth, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := auth.IssueHostCertificate("vm1.testbed", sshPub)
	if err != nil {
		t.Fatalf("IssueHostCertificate: %v", err)
	}
	if cert.CertType != ssh.HostCert {
		t.Fatalf("CertType = %v, want HostCert", cert.CertType)
	}
	if len(cert.ValidPrincipals) != 1 || cert.ValidPrincipals[0] != "vm1.testbed" {
		t.Fatalf("ValidPrincipals = %v", cert.ValidPrincipals)
	}
}

func TestOpenReusesExistingCA(t *testing.T) {
	dir := t.TempDir()
	a1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(a1.HostCAPublicKey().Marshal()) != string(a2.HostCAPublicKey().Marshal()) {
		t.Fatal("expected the same host CA to be reloaded from disk")
	}
}

func TestIssueUserCertificateHasRootPrincipal(t *testing.T) {
	dir := t.TempDir()
	auth, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := auth.IssueUserCertificate(sshPub)
	if err != nil {
		t.Fatalf("IssueUserCertificate: %v", err)
	}
	if cert.ValidPrincipals[0] != "root" {
		t.Fatalf("ValidPrincipals = %v, want [root]", cert.ValidPrincipals)
	}
}
