// Package rest implements engine.Client against an Elasticsearch-compatible
// REST API. Requests are JSON over HTTP, bulk bodies are NDJSON. Idempotent
// reads are retried with exponential backoff, rotating through the configured
// hosts; writes are sent once.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/tidemark/tidemark/internal/engine"
)

// Config configures a Client.
type Config struct {
	// Hosts are base URLs such as http://localhost:9200.
	Hosts []string

	Username string
	Password string

	// RequestTimeout bounds a request whose context has no deadline.
	RequestTimeout time.Duration

	// MaxRetries is the number of retries of an idempotent read.
	MaxRetries int

	// HealthPollInterval is the delay between health checks while waiting
	// for a status.
	HealthPollInterval time.Duration

	// HTTPClient overrides the pooled default client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// DefaultConfig returns a configuration for a local engine.
func DefaultConfig() Config {
	return Config{
		Hosts:              []string{"http://localhost:9200"},
		RequestTimeout:     time.Minute,
		MaxRetries:         3,
		HealthPollInterval: time.Second,
	}
}

// Client talks to the engine over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	hosts  []*url.URL
	next   atomic.Uint32
	logger *slog.Logger
}

var _ engine.Client = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("rest: at least one host is required")
	}
	hosts := make([]*url.URL, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		u, err := url.Parse(strings.TrimRight(strings.TrimSpace(h), "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("rest: invalid host %q", h)
		}
		hosts = append(hosts, u)
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = DefaultConfig().HealthPollInterval
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		hosts:  hosts,
		logger: logger.With("component", "engine"),
	}, nil
}

// request is one HTTP call. body is JSON-encoded unless raw is set.
type request struct {
	method string
	path   string
	query  url.Values
	body   interface{}
	raw    []byte
	ndjson bool
}

// response is a completed call with its body read.
type response struct {
	status int
	body   []byte
}

func (r *response) decode(v interface{}) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}

// errorBody is the error envelope of the engine. reason is a string in old
// versions and an object with type and reason in newer ones.
type errorBody struct {
	Error  json.RawMessage `json:"error"`
	Status int             `json:"status"`
}

type errorDetail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// reason flattens an error body into one string.
func reason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var d errorDetail
	if err := json.Unmarshal(raw, &d); err == nil && (d.Type != "" || d.Reason != "") {
		if d.Reason == "" {
			return d.Type
		}
		return d.Type + ": " + d.Reason
	}
	return string(raw)
}

// statusError maps an engine error response to the engine sentinels.
func statusError(req request, resp *response) error {
	var eb errorBody
	_ = json.Unmarshal(resp.body, &eb)
	msg := reason(eb.Error)
	if msg == "" {
		msg = http.StatusText(resp.status)
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "search_context_missing") || strings.Contains(lower, "searchcontextmissing"):
		return fmt.Errorf("%w: %s", engine.ErrScrollExpired, msg)
	case strings.Contains(lower, "index_closed") || strings.Contains(lower, "indexclosed"):
		return fmt.Errorf("%w: %s", engine.ErrIndexClosed, msg)
	case strings.Contains(lower, "already_exists") || strings.Contains(lower, "alreadyexists"):
		return fmt.Errorf("%w: %s", engine.ErrIndexExists, msg)
	case resp.status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", engine.ErrIndexNotFound, msg)
	case resp.status >= 500:
		return fmt.Errorf("%w: %s %s returned %d: %s", engine.ErrUnavailable, req.method, req.path, resp.status, msg)
	default:
		return fmt.Errorf("%s %s returned %d: %s", req.method, req.path, resp.status, msg)
	}
}

func (c *Client) host() *url.URL {
	n := c.next.Add(1) - 1
	return c.hosts[int(n)%len(c.hosts)]
}

// send performs one attempt against the next host.
func (c *Client) send(ctx context.Context, req request) (*response, error) {
	if c.cfg.RequestTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}
	}

	target := c.host().String() + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	switch {
	case req.raw != nil:
		body = bytes.NewReader(req.raw)
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("encode engine request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		if req.ndjson {
			hreq.Header.Set("Content-Type", "application/x-ndjson")
		} else {
			hreq.Header.Set("Content-Type", "application/json")
		}
	}
	hreq.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" {
		hreq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", engine.ErrUnavailable, err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", engine.ErrUnavailable, err)
	}
	return &response{status: hresp.StatusCode, body: data}, nil
}

// do sends a request once. Responses with status >= 300 become errors unless
// the status is listed in accept.
func (c *Client) do(ctx context.Context, req request, accept ...int) (*response, error) {
	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.status < 300 {
		return resp, nil
	}
	for _, s := range accept {
		if resp.status == s {
			return resp, nil
		}
	}
	return nil, statusError(req, resp)
}

// read sends an idempotent request, retrying unavailable-engine failures.
func (c *Client) read(ctx context.Context, req request, accept ...int) (*response, error) {
	attempt := 0
	op := func() (*response, error) {
		attempt++
		resp, err := c.do(ctx, req, accept...)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, engine.ErrUnavailable) && ctx.Err() == nil {
			c.logger.Debug("engine read failed, retrying",
				"method", req.method,
				"path", req.path,
				"attempt", attempt,
				"error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries+1)))
}

func (c *Client) acknowledged(resp *response) (bool, error) {
	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := resp.decode(&ack); err != nil {
		return false, err
	}
	return ack.Acknowledged, nil
}

// indexPath escapes a single index name, alias or pattern for a URL path.
func indexPath(name string) string {
	return "/" + url.PathEscape(name)
}
