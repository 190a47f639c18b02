package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/kestrelnet/ptb/daemon"
	"github.com/kestrelnet/ptb/statedir"
)

// AttachCmd implements `ptb attach` (§6): opens an interactive session
// with one Instance, over SSH when the run's daemon can certify a
// one-shot keypair, falling back to the raw control socket otherwise.
// Grounded on containers.go's terminal-passthrough-vs-pty split.
type AttachCmd struct {
	Instance string `arg:"" help:"Instance name to attach to"`
	Run      string `name:"run" default:"" placeholder:"<pid-uid>" help:"run directory name; auto-detected if exactly one run is active"`
}

func (a *AttachCmd) Run(cctx *Context) error {
	ctx := context.Background()

	runName, err := resolveRunName(cctx.StateBase, a.Run)
	if err != nil {
		return err
	}
	socketPath := filepath.Join(cctx.StateBase, runName, daemon.SocketFileName)
	client := daemon.Dial(socketPath)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("ptb attach: generate session key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("ptb attach: %w", err)
	}

	info, err := client.Attach(ctx, a.Instance, string(ssh.MarshalAuthorizedKey(sshPub)))
	if err != nil {
		return fmt.Errorf("ptb attach: %w", err)
	}

	if info.SSHHost != "" && info.UserCertificate != "" {
		return attachSSH(info, priv)
	}
	if info.ControlSocketPath != "" {
		return attachSocket(info.ControlSocketPath)
	}
	return fmt.Errorf("ptb attach: %q has no reachable console yet", a.Instance)
}

func resolveRunName(stateBase, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	runs, err := statedir.ListRuns(stateBase)
	if err != nil {
		return "", err
	}
	var alive []statedir.RunInfo
	for _, r := range runs {
		if r.Alive {
			alive = append(alive, r)
		}
	}
	switch len(alive) {
	case 0:
		return "", fmt.Errorf("ptb attach: no active runs under %s", stateBase)
	case 1:
		return alive[0].Name, nil
	default:
		return "", fmt.Errorf("ptb attach: multiple active runs, pass --run <pid-uid>")
	}
}

// attachSSH opens an interactive shell over SSH, authenticating with the
// daemon-issued certificate for the ephemeral key priv, and trusting the
// Instance's host certificate against the run's host CA.
func attachSSH(info daemon.AttachInfo, priv ed25519.PrivateKey) error {
	certPub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(info.UserCertificate))
	if err != nil {
		return fmt.Errorf("ptb attach: parse user certificate: %w", err)
	}
	cert, ok := certPub.(*ssh.Certificate)
	if !ok {
		return fmt.Errorf("ptb attach: daemon did not return a certificate")
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return fmt.Errorf("ptb attach: %w", err)
	}
	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return fmt.Errorf("ptb attach: %w", err)
	}

	checker := &ssh.CertChecker{
		IsHostAuthority: func(auth ssh.PublicKey, address string) bool {
			if info.HostCAPublicKey == "" {
				return false
			}
			hostCA, _, _, _, err := ssh.ParseAuthorizedKey([]byte(info.HostCAPublicKey))
			return err == nil && string(hostCA.Marshal()) == string(auth.Marshal())
		},
	}

	config := &ssh.ClientConfig{
		User:              "root",
		Auth:              []ssh.AuthMethod{ssh.PublicKeys(certSigner)},
		HostKeyCallback:   checker.CheckHostKey,
		HostKeyAlgorithms: []string{ssh.CertAlgoED25519v01},
	}

	addr := fmt.Sprintf("%s:%d", info.SSHHost, info.SSHPort)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("ptb attach: dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ptb attach: new session: %w", err)
	}
	defer session.Close()

	return runInteractiveSession(session)
}

func runInteractiveSession(session *ssh.Session) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		width, height, err := term.GetSize(fd)
		if err != nil {
			width, height = 80, 24
		}
		if err := session.RequestPty("xterm", height, width, ssh.TerminalModes{}); err != nil {
			return fmt.Errorf("ptb attach: request pty: %w", err)
		}
		state, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, state)
		}
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if err := session.Shell(); err != nil {
		return fmt.Errorf("ptb attach: start shell: %w", err)
	}
	return session.Wait()
}

// attachSocket pipes stdin/stdout straight over the Instance's raw
// control socket, the bare serial-console fallback when no SSH
// certificate was available.
func attachSocket(socketPath string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ptb attach: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, state)
		}
	}

	done := make(chan struct{})
	go func() {
		io.Copy(conn, os.Stdin)
		close(done)
	}()
	io.Copy(os.Stdout, conn)
	<-done
	return nil
}
