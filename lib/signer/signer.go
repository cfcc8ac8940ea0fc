// Package signer holds the agent's long-lived request signing key.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// DefaultAgentID identifies this agent to the image catalog when none is configured.
const DefaultAgentID = "agent-1"

var (
	// ErrUnsupportedKey is returned when the key file holds something other than Ed25519
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// Signer signs canonical request strings on behalf of an agent identity.
type Signer interface {
	AgentID() string
	Sign(message []byte) ([]byte, error)
}

// Ed25519Signer is the process-wide signing capability. It is immutable after construction.
type Ed25519Signer struct {
	agentID string
	key     ed25519.PrivateKey
}

var _ Signer = (*Ed25519Signer)(nil)

// New wraps an existing key.
func New(agentID string, key ed25519.PrivateKey) *Ed25519Signer {
	if agentID == "" {
		agentID = DefaultAgentID
	}
	return &Ed25519Signer{agentID: agentID, key: key}
}

// Load reads a PEM (PKCS#8) or OpenSSH encoded Ed25519 private key from path.
func Load(path, agentID string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return New(agentID, k), nil
	case *ed25519.PrivateKey:
		return New(agentID, *k), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
}

// Generate creates a fresh key pair.
func Generate(agentID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(agentID, priv), nil
}

func (s *Ed25519Signer) AgentID() string { return s.agentID }

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// PublicKey returns the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// PublicKeyPEM returns the PKIX public key in PEM form, as registered with the catalog.
func (s *Ed25519Signer) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(s.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivateKeyPEM returns the PKCS#8 private key in PEM form.
func (s *Ed25519Signer) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// AuthorizedKey returns the public key as an OpenSSH authorized_keys line.
func (s *Ed25519Signer) AuthorizedKey() (string, error) {
	pub, err := ssh.NewPublicKey(s.PublicKey())
	if err != nil {
		return "", fmt.Errorf("convert public key: %w", err)
	}
	return string(ssh.MarshalAuthorizedKey(pub)), nil
}
