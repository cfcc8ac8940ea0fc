package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kernel/vmagent/cmd/api/config"
	"github.com/kernel/vmagent/lib/devices"
	"github.com/kernel/vmagent/lib/hypervisor"
	"github.com/kernel/vmagent/lib/images"
	"github.com/kernel/vmagent/lib/instances"
	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/seed"
	"github.com/kernel/vmagent/lib/tools"
	"github.com/kernel/vmagent/lib/volumes"
)

// KeySource exposes the agent's identity and public key.
type KeySource interface {
	AgentID() string
	PublicKeyPEM() ([]byte, error)
}

// ApiService serves the agent's HTTP API.
type ApiService struct {
	Config          *config.Config
	ImageManager    images.Manager
	InstanceManager instances.Manager
	Keys            KeySource

	locks *vmLocks
}

// New creates a new ApiService
func New(
	config *config.Config,
	imageManager images.Manager,
	instanceManager instances.Manager,
	keys KeySource,
) *ApiService {
	return &ApiService{
		Config:          config,
		ImageManager:    imageManager,
		InstanceManager: instanceManager,
		Keys:            keys,
		locks:           newVMLocks(),
	}
}

// Routes mounts the API. public routes skip auth; everything else goes through auth.
// Routes registers the API under r. Create and format run without timeout: they wait on
// image downloads and disk rewrites, which the catalog and tool timeouts already bound.
func (s *ApiService) Routes(r chi.Router, auth, timeout func(http.Handler) http.Handler) {
	r.With(timeout).Get("/health", s.Health)

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.With(timeout).Get("/uuid", s.NewUUID)
		r.With(timeout).Get("/info/key", s.PublicKey)

		r.Route("/vms", func(r chi.Router) {
			r.Post("/", s.CreateInstance)
			r.With(timeout).Get("/", s.ListInstances)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/format", s.withVMLock(s.FormatInstance))

				r.Group(func(r chi.Router) {
					r.Use(timeout)
					r.Get("/", s.GetInstance)
					r.Delete("/", s.withVMLock(s.DeleteInstance))
					r.Get("/status", s.GetInstanceStatus)
					r.Post("/start", s.withVMLock(s.StartInstance))
					r.Post("/stop", s.withVMLock(s.StopInstance))
					r.Post("/restart", s.withVMLock(s.RestartInstance))
					r.Post("/kill", s.withVMLock(s.KillInstance))
					r.Post("/finalize", s.withVMLock(s.FinalizeInstance))
				})
			})
		})

		r.Route("/images", func(r chi.Router) {
			r.Use(timeout)
			r.Get("/", s.ListImages)
			r.Get("/{name}", s.GetImage)
			r.Delete("/{name}", s.DeleteImage)
		})
	})
}

// Error is the JSON error body.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Stage    string `json:"stage,omitempty"`
	Tool     string `json:"tool,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Upstream int    `json:"upstream_status,omitempty"`
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, hypervisor.ErrDomainNotFound), errors.Is(err, images.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, seed.ErrInvalidCredentials), errors.Is(err, images.ErrChecksumMismatch),
		errors.Is(err, devices.ErrBootDiskNotFound), errors.Is(err, volumes.ErrSourceNotFound):
		return http.StatusUnprocessableEntity, "unprocessable"
	case errors.Is(err, images.ErrInvalidName), errors.Is(err, instances.ErrInvalidRequest),
		errors.Is(err, seed.ErrInvalidSpec), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, instances.ErrInvalidState), errors.Is(err, instances.ErrAlreadyExists),
		errors.Is(err, images.ErrBusy):
		return http.StatusConflict, "conflict"
	case errors.Is(err, images.ErrLockTimeout):
		return http.StatusGatewayTimeout, "lock_timeout"
	case errors.Is(err, tools.ErrToolUnavailable):
		return http.StatusServiceUnavailable, "tool_unavailable"
	case errors.Is(err, tools.ErrExternalToolFailure), errors.Is(err, images.ErrDownloadFailed),
		errors.Is(err, images.ErrUnexpectedContentType):
		return http.StatusBadGateway, "upstream_failure"
	}
	return http.StatusInternalServerError, "internal_error"
}

var errBadRequest = errors.New("bad request")

func (s *ApiService) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	body := Error{Code: code, Message: err.Error()}

	var stageErr *instances.StageError
	if errors.As(err, &stageErr) {
		body.Stage = string(stageErr.Stage)
	}
	var toolErr *tools.ToolError
	if errors.As(err, &toolErr) {
		body.Tool = toolErr.Tool
		body.ExitCode = &toolErr.ExitCode
	}
	var statusErr *images.StatusError
	if errors.As(err, &statusErr) {
		body.Upstream = statusErr.StatusCode
	}

	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err, "stage", body.Stage)
	} else {
		log.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// resolveImageURL makes a relative os_url absolute against the configured catalog.
func (s *ApiService) resolveImageURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid os_url: %v", errBadRequest, err)
	}
	if u.IsAbs() {
		return raw, nil
	}
	if s.Config == nil || s.Config.CatalogURL == "" {
		return "", fmt.Errorf("%w: os_url %q is relative and CATALOG_URL is not set", errBadRequest, raw)
	}
	base, err := url.Parse(strings.TrimSuffix(s.Config.CatalogURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid CATALOG_URL: %w", err)
	}
	return base.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery}).String(), nil
}
