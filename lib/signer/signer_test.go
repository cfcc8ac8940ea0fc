package signer

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRoundTrip(t *testing.T) {
	s, err := Generate("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentID, s.AgentID())

	pemBytes, err := s.PrivateKeyPEM()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "agent_private.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0600))

	loaded, err := Load(path, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", loaded.AgentID())

	msg := []byte("GET\n/images/ubuntu\n1700000000\nnonce\n\n")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(s.PublicKey(), msg, sig))
}

func TestLoadRejectsNonEd25519(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ec.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600))

	_, err = Load(path, "")
	require.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestPublicEncodings(t *testing.T) {
	s, err := Generate("agent-1")
	require.NoError(t, err)

	pubPEM, err := s.PublicKeyPEM()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pubPEM), "-----BEGIN PUBLIC KEY-----"))

	line, err := s.AuthorizedKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ssh-ed25519 "))
}
