package images

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/kernel/vmagent/lib/logger"
	"github.com/kernel/vmagent/lib/paths"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// Manager maintains the local cache of base disk images.
type Manager interface {
	// EnsureImage returns the cached image, downloading and installing it first on a miss.
	EnsureImage(ctx context.Context, req EnsureRequest) (*Image, error)
	GetImage(ctx context.Context, name string) (*Image, error)
	ListImages(ctx context.Context) ([]Image, error)
	DeleteImage(ctx context.Context, name string) error
}

// Getter performs the authenticated catalog request. *fetcher.Fetcher satisfies it.
type Getter interface {
	Get(ctx context.Context, rawURL string, params url.Values, rangeHeader string) (*http.Response, error)
}

// Config holds image cache tuning.
type Config struct {
	LockTimeout  time.Duration
	PollInterval time.Duration
	Extension    string
}

// DefaultConfig returns a 300s lock wait polled every 250ms.
func DefaultConfig() Config {
	return Config{
		LockTimeout:  300 * time.Second,
		PollInterval: 250 * time.Millisecond,
		Extension:    DefaultExtension,
	}
}

type manager struct {
	paths   *paths.Paths
	getter  Getter
	cfg     Config
	ext     string
	flight  singleflight.Group
	metrics *Metrics
}

// NewManager creates an image cache manager. meter may be nil to disable metrics.
func NewManager(p *paths.Paths, getter Getter, cfg Config, meter metric.Meter) (Manager, error) {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Extension == "" {
		cfg.Extension = def.Extension
	}

	m := &manager{
		paths:  p,
		getter: getter,
		cfg:    cfg,
		ext:    cfg.Extension,
	}

	if meter != nil {
		metrics, err := newImageMetrics(meter, m)
		if err != nil {
			return nil, fmt.Errorf("create image metrics: %w", err)
		}
		m.metrics = metrics
	}

	return m, nil
}

func (m *manager) EnsureImage(ctx context.Context, req EnsureRequest) (*Image, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	if img, err := m.stat(req.Name); err == nil && img.Status == StatusReady {
		log.DebugContext(ctx, "image cache hit", "name", req.Name)
		m.recordPull(ctx, "cached")
		return img, nil
	}

	if req.URL == "" {
		return nil, fmt.Errorf("%w: no source url for %s", ErrNotFound, req.Name)
	}

	// Coalesce concurrent callers in this process; the lock file covers other processes.
	// The shared download is detached from any one caller, each of which waits on its own ctx.
	key := req.Name + "\x00" + req.URL + "\x00" + req.Checksum
	flightCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(key, func() (any, error) {
		return m.download(flightCtx, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		img := *res.Val.(*Image)
		return &img, nil
	}
}

func (m *manager) GetImage(ctx context.Context, name string) (*Image, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return m.stat(name)
}

func (m *manager) ListImages(ctx context.Context) ([]Image, error) {
	return m.listImages()
}

func (m *manager) DeleteImage(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	// Hold the download lock so a writer cannot start while the image is removed
	lockPath := m.lockPath(name)
	if err := acquireLock(ctx, lockPath, m.cfg.PollInterval, m.cfg.PollInterval); err != nil {
		switch {
		case errors.Is(err, ErrLockTimeout):
			return fmt.Errorf("%w: %s", ErrBusy, name)
		case errors.Is(err, fs.ErrNotExist):
			return ErrNotFound
		}
		return err
	}
	defer releaseLock(lockPath)

	if err := os.Remove(m.imagePath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove image: %w", err)
	}
	logger.FromContext(ctx).InfoContext(ctx, "deleted image", "name", name)
	return nil
}
