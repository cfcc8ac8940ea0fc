package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/fetcher"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/hypervisor/hypervisortest"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/instances"
	"github.com/kernel/vmagent/lib/paths"
	"github.com/kernel/vmagent/lib/seed"
	"github.com/kernel/vmagent/lib/signer"
	"github.com/kernel/vmagent/lib/tools"
	"github.com/kernel/vmagent/lib/tools/toolstest"
	"github.com/kernel/vmagent/lib/volumes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testImage = []byte("QFI\xfb test cloud image")

type testServer struct {
	router  http.Handler
	hv      *hypervisortest.Fake
	paths   *paths.Paths
	catalog *httptest.Server
	// timed records the requests that went through the timeout middleware
	timed []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	p := paths.New(t.TempDir(), "", "", t.TempDir())
	require.NoError(t, os.MkdirAll(p.PoolDir(), 0755))

	runner := toolstest.New()
	runner.EmulateQemuImg()
	runner.EmulateISOAuthoring("genisoimage")
	runner.EmulateOpenSSL()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(testImage)
	}))
	t.Cleanup(catalog.Close)

	s, err := signer.Generate("agent-test")
	require.NoError(t, err)
	imageManager, err := images.NewManager(p, fetcher.New(s, fetcher.DefaultConfig()), images.Config{
		LockTimeout:  5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	hv := hypervisortest.New()
	instanceManager, err := instances.NewManager(
		p,
		hv,
		imageManager,
		volumes.NewManager(runner),
		seed.NewBuilder(runner, t.TempDir()),
		devices.NewManager([]string{"default"}),
		nil,
		nil,
	)
	require.NoError(t, err)

	cfg := &config.Config{CatalogURL: catalog.URL + "/images"}
	svc := New(cfg, imageManager, instanceManager, s)

	ts := &testServer{hv: hv, paths: p, catalog: catalog}
	timeout := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts.timed = append(ts.timed, r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r, func(next http.Handler) http.Handler { return next }, timeout)
	})
	ts.router = r
	return ts
}

func (ts *testServer) addVM(t *testing.T, name string, active bool) string {
	t.Helper()
	bootDisk, err := ts.paths.PoolDisk(name)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bootDisk, []byte("old"), 0640))
	ts.hv.MustAddDomain(fmt.Sprintf(`<domain type="kvm">
  <name>%s</name>
  <memory unit="KiB">1048576</memory>
  <vcpu>1</vcpu>
  <devices>
    <disk type="file" device="disk"><source file="%s"/><target dev="vda" bus="virtio"/></disk>
    <interface type="bridge"><mac address="52:54:00:aa:bb:cc"/><source bridge="br0"/></interface>
  </devices>
</domain>`, name, bootDisk), active)
	ts.hv.SetVolumeCapacity(bootDisk, 10<<30)
	return bootDisk
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func formatBody(name, osURL string) map[string]any {
	sum := sha256.Sum256(testImage)
	return map[string]any{
		"vm_id": name,
		"host":  map[string]any{"hostname": name, "username": "ubuntu", "password": "pw"},
		"os": map[string]any{
			"os_name":     "ubuntu-22.04",
			"os_url":      osURL,
			"os_checksum": hex.EncodeToString(sum[:]),
		},
	}
}

func TestHealthAndKey(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/info/key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "agent-test", body["agent_id"])
	assert.Contains(t, body["public_key"], "BEGIN PUBLIC KEY")

	rec = ts.do(t, http.MethodGet, "/api/v1/uuid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[map[string]string](t, rec)["uuid"], 36)
}

func TestInstanceLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t)
	ts.addVM(t, "vm-1", false)

	rec := ts.do(t, http.MethodGet, "/api/v1/vms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		VMs   []instances.Instance `json:"vms"`
		Total int                  `json:"total"`
	}](t, rec)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "vm-1", list.VMs[0].Name)

	rec = ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/stop", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inst := decodeBody[instances.Instance](t, rec)
	assert.True(t, inst.Active)
	assert.Equal(t, hypervisor.StateRunning, inst.State)

	rec = ts.do(t, http.MethodGet, "/api/v1/vms/vm-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["active"])

	rec = ts.do(t, http.MethodGet, "/api/v1/vms/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[Error](t, rec).Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/vms/vm-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, ts.hv.Domain("vm-1"))
}

func TestFormatAndFinalize(t *testing.T) {
	ts := newTestServer(t)
	bootDisk := ts.addVM(t, "vm-1", true)

	// Relative os_url resolves against the catalog
	rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", formatBody("vm-1", "ubuntu-22.04.qcow2"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[instances.ReprovisionResult](t, rec)
	assert.Equal(t, instances.StageBooted, result.Stage)
	assert.Equal(t, bootDisk, result.BootDisk)
	assert.Equal(t, uint64(10), result.SizeGiB)

	rec = ts.do(t, http.MethodGet, "/api/v1/images/ubuntu-22.04", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// delete_iso defaults to true
	rec = ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fin := decodeBody[instances.FinalizeResult](t, rec)
	assert.Equal(t, result.SeedPath, fin.SeedPath)
	assert.True(t, fin.SeedDeleted)
	_, err := os.Stat(result.SeedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeKeepsSeedWhenAsked(t *testing.T) {
	ts := newTestServer(t)
	ts.addVM(t, "vm-1", false)

	rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", formatBody("vm-1", ts.catalog.URL+"/images/ubuntu"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[instances.ReprovisionResult](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/finalize", map[string]any{"delete_iso": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[instances.FinalizeResult](t, rec).SeedDeleted)
	_, err := os.Stat(result.SeedPath)
	assert.NoError(t, err)
}

func TestLongRunningRoutesSkipTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.addVM(t, "vm-1", false)

	rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", formatBody("vm-1", ts.catalog.URL+"/images/ubuntu"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/api/v1/vms", map[string]any{"bogus": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.timed)

	for _, path := range []string{"/api/v1/health", "/api/v1/vms", "/api/v1/vms/vm-1", "/api/v1/images"} {
		ts.do(t, http.MethodGet, path, nil)
	}
	ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/finalize", nil)
	assert.Equal(t, []string{
		"GET /api/v1/health",
		"GET /api/v1/vms",
		"GET /api/v1/vms/vm-1",
		"GET /api/v1/images",
		"POST /api/v1/vms/vm-1/finalize",
	}, ts.timed)
}

func TestFormatErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.addVM(t, "vm-1", false)

	t.Run("vm_id mismatch", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", formatBody("vm-2", "x.qcow2"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", map[string]any{"bogus": 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("checksum mismatch reports stage", func(t *testing.T) {
		body := formatBody("vm-1", ts.catalog.URL+"/images/ubuntu")
		body["os"].(map[string]any)["os_checksum"] = "0000000000000000000000000000000000000000000000000000000000000000"
		rec := ts.do(t, http.MethodPost, "/api/v1/vms/vm-1/format", body)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, string(instances.StageBaseImageReady), decodeBody[Error](t, rec).Stage)
	})

	t.Run("unknown vm", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/v1/vms/ghost/format", formatBody("ghost", "x.qcow2"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{hypervisor.ErrDomainNotFound, http.StatusNotFound},
		{images.ErrNotFound, http.StatusNotFound},
		{images.ErrInvalidName, http.StatusBadRequest},
		{instances.ErrInvalidRequest, http.StatusBadRequest},
		{instances.ErrInvalidState, http.StatusConflict},
		{images.ErrBusy, http.StatusConflict},
		{seed.ErrInvalidCredentials, http.StatusUnprocessableEntity},
		{devices.ErrBootDiskNotFound, http.StatusUnprocessableEntity},
		{images.ErrLockTimeout, http.StatusGatewayTimeout},
		{tools.ErrToolUnavailable, http.StatusServiceUnavailable},
		{&tools.ToolError{Tool: "qemu-img", ExitCode: 1}, http.StatusBadGateway},
		{&images.StatusError{StatusCode: 503}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, _ := errorStatus(&instances.StageError{Stage: instances.StageCloned, Err: tt.err})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestImageRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/images", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody[map[string]any](t, rec)["total"])

	rec = ts.do(t, http.MethodGet, "/api/v1/images/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/images/bad$name", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveImageURL(t *testing.T) {
	s := &ApiService{Config: &config.Config{CatalogURL: "https://catalog.example/images/"}}

	got, err := s.resolveImageURL("ubuntu-22.04.qcow2")
	require.NoError(t, err)
	assert.Equal(t, "https://catalog.example/images/ubuntu-22.04.qcow2", got)

	got, err = s.resolveImageURL("https://mirror.example/x.qcow2")
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example/x.qcow2", got)

	_, err = (&ApiService{Config: &config.Config{}}).resolveImageURL("x.qcow2")
	assert.ErrorIs(t, err, errBadRequest)
}
