package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/fetcher"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/signer"
	"github.com/kernel/vmagent/lib/tools/toolstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	return &app{cfg: &config.Config{
		DataDir:          dir,
		SeedDir:          filepath.Join(dir, "seeds"),
		AgentID:          "agent-test",
		AgentPrivateKey:  filepath.Join(dir, "keys", "agent.pem"),
		LockTimeout:      5 * time.Second,
		LockPollInterval: 10 * time.Millisecond,
		ConnectTimeout:   time.Second,
		ReadTimeout:      5 * time.Second,
	}}
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	a := testApp(t)

	out, err := execute(t, a, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN PUBLIC KEY")
	assert.Contains(t, out, "ssh-ed25519 ")

	s, err := signer.Load(a.cfg.AgentPrivateKey, "agent-test")
	require.NoError(t, err)
	pub, err := s.PublicKeyPEM()
	require.NoError(t, err)
	onDisk, err := os.ReadFile(a.cfg.AgentPrivateKey + ".pub")
	require.NoError(t, err)
	assert.Equal(t, pub, onDisk)

	info, err := os.Stat(a.cfg.AgentPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Refuses to clobber without --force
	_, err = execute(t, a, "keygen")
	require.Error(t, err)
	_, err = execute(t, a, "keygen", "--force")
	require.NoError(t, err)
}

func TestImagesEnsureListRemove(t *testing.T) {
	a := testApp(t)
	content := []byte("QFI\xfb cli image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent-test", r.Header.Get(fetcher.HeaderAgentID))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	_, err := execute(t, a, "keygen")
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	out, err := execute(t, a, "images", "ensure", "debian-12", srv.URL+"/debian-12.qcow2", "--checksum", hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	var img images.Image
	require.NoError(t, json.Unmarshal([]byte(out), &img))
	assert.Equal(t, "debian-12", img.Name)
	assert.Equal(t, int64(len(content)), img.SizeBytes)

	out, err = execute(t, a, "images", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "debian-12")

	_, err = execute(t, a, "images", "rm", "debian-12")
	require.NoError(t, err)
	out, err = execute(t, a, "images", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "debian-12")

	_, err = execute(t, a, "images", "rm", "debian-12")
	require.ErrorIs(t, err, images.ErrNotFound)
}

func TestImagesEnsureWithoutKey(t *testing.T) {
	a := testApp(t)
	_, err := execute(t, a, "images", "ensure", "x", "https://catalog.invalid/x.qcow2")
	require.Error(t, err)
}

func TestSeedBuild(t *testing.T) {
	a := testApp(t)
	runner := toolstest.New()
	runner.EmulateISOAuthoring("genisoimage")
	runner.EmulateOpenSSL()
	a.runner = runner
	require.NoError(t, os.MkdirAll(a.cfg.SeedDir, 0755))

	out, err := execute(t, a, "seed", "build",
		"--instance-id", "vm-1",
		"--username", "ubuntu",
		"--password", "s3cret",
		"--mac", "52:54:00:12:34:56",
		"--address", "10.0.0.5/24",
		"--gateway", "10.0.0.1",
	)
	require.NoError(t, err)

	want := filepath.Join(a.cfg.SeedDir, "vm-1-seed.iso")
	assert.Contains(t, out, want)
	_, err = os.Stat(want)
	require.NoError(t, err)

	calls := runner.Calls("genisoimage")
	require.Len(t, calls, 1)
	var names []string
	for _, arg := range calls[0].Args {
		names = append(names, filepath.Base(arg))
	}
	assert.Contains(t, names, "network-config")
}

func TestSeedBuildRejectsBothCredentials(t *testing.T) {
	a := testApp(t)
	a.runner = toolstest.New()

	keyFile := filepath.Join(t.TempDir(), "id.pub")
	require.NoError(t, os.WriteFile(keyFile, []byte("ssh-ed25519 AAAA"), 0644))

	_, err := execute(t, a, "seed", "build", "--instance-id", "vm-1", "--username", "ubuntu",
		"--password", "x", "--public-key-file", keyFile)
	require.Error(t, err)
	assert.Empty(t, a.runner.(*toolstest.FakeRunner).Calls(""))
}
