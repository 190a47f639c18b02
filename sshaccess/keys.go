package sshaccess

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// encodePrivateKeyPEM mirrors sshimmer.go.encodePrivateKeyToPEM.
func encodePrivateKeyPEM(key ed25519.PrivateKey) []byte {
	block, err := ssh.MarshalPrivateKey(key, "ptb key")
	if err != nil {
		panic(fmt.Sprintf("sshaccess: marshal private key: %v", err))
	}
	return pem.EncodeToMemory(block)
}
