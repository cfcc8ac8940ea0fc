// Package fetcher issues signed requests to the remote image catalog.
package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kernel/vmagent/lib/signer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Request headers understood by the catalog.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
	HeaderRange     = "Range"
)

// Config controls transport timeouts.
type Config struct {
	// ConnectTimeout bounds TCP connect and TLS handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers and any gap between body reads.
	ReadTimeout time.Duration
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// DefaultConfig returns the catalog defaults: 10s connect, 300s read.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    300 * time.Second,
	}
}

// Fetcher signs and sends GET requests.
type Fetcher struct {
	client      *http.Client
	signer      signer.Signer
	readTimeout time.Duration
	now         func() time.Time
	nonce       func() string
}

// New creates a Fetcher that signs with s.
func New(s signer.Signer, cfg Config) *Fetcher {
	base := cfg.Transport
	if base == nil {
		dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
		base = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	return &Fetcher{
		client:      &http.Client{Transport: otelhttp.NewTransport(base)},
		signer:      s,
		readTimeout: cfg.ReadTimeout,
		now:         time.Now,
		nonce:       func() string { return uuid.NewString() },
	}
}

// CanonicalString returns the string the signature covers.
func CanonicalString(method, pathWithQuery, timestamp, nonce, rangeHeader string) string {
	return method + "\n" + pathWithQuery + "\n" + timestamp + "\n" + nonce + "\n" + rangeHeader + "\n"
}

// Get sends a signed GET for rawURL with params merged into its query. rangeHeader is
// forwarded verbatim and covered by the signature. The caller must close the response body.
func (f *Fetcher) Get(ctx context.Context, rawURL string, params url.Values, rangeHeader string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := f.sign(req, rangeHeader); err != nil {
		cancel()
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get %s: %w", u.Redacted(), err)
	}
	if f.readTimeout > 0 {
		resp.Body = newIdleTimeoutBody(resp.Body, f.readTimeout, cancel)
	} else {
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

func (f *Fetcher) sign(req *http.Request, rangeHeader string) error {
	ts := strconv.FormatInt(f.now().Unix(), 10)
	nonce := f.nonce()
	canonical := CanonicalString(req.Method, pathWithQuery(req.URL), ts, nonce, rangeHeader)

	sig, err := f.signer.Sign([]byte(canonical))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set(HeaderAgentID, f.signer.AgentID())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	if rangeHeader != "" {
		req.Header.Set(HeaderRange, rangeHeader)
	}
	return nil
}

// pathWithQuery is the path and query exactly as written on the request line.
func pathWithQuery(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleTimeoutBody cancels the request when no read completes within timeout.
type idleTimeoutBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelFunc
	once    sync.Once
}

func newIdleTimeoutBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	return &idleTimeoutBody{
		rc:      rc,
		timer:   time.AfterFunc(timeout, cancel),
		timeout: timeout,
		cancel:  cancel,
	}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.timer.Reset(b.timeout)
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	err := b.rc.Close()
	b.once.Do(func() {
		b.timer.Stop()
		b.cancel()
	})
	return err
}
