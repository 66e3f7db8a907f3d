// Package vikunja implements remote.Backend over the Vikunja REST API.
//
// Every call goes through transport.Policy: the circuit breaker is asked
// first, 5xx responses and connection errors are retried with exponential
// backoff, 4xx responses are not. A 404 surfaces as syncerr.ErrNotFound so
// reads and deletes can treat it as "absent".
package vikunja

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/remote/transport"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// apiPrefix is appended to the configured base URL.
const apiPrefix = "/api/v1"

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// Config holds client settings.
type Config struct {
	// URL is the server base URL, e.g. https://tasks.example.com.
	URL string

	// Token is the API bearer token.
	Token string

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the total number of attempts per request.
	MaxRetries int

	// BackoffBase is the delay after the first failed attempt.
	BackoffBase time.Duration

	// Breaker, if set, gates every request.
	Breaker *breaker.Breaker

	HTTPClient *http.Client

	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *log.Logger
}

// Client is a Vikunja API client. It implements remote.Backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	policy  transport.Policy
	logger  *log.Logger

	labelsMu sync.Mutex
	labels   map[string]string // title -> id, nil until first lookup
}

// New validates cfg and returns a client. A missing URL or token is a
// configuration error.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, syncerr.New(syncerr.KindConfig, "vikunja", "server URL not configured")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, syncerr.New(syncerr.KindConfig, "vikunja", "API token not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("vikunja")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/") + apiPrefix,
		token:   strings.TrimSpace(cfg.Token),
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		policy: transport.Policy{
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: cfg.BackoffBase,
			Breaker:     cfg.Breaker,
			Sleep:       cfg.Sleep,
			Logger:      cfg.Logger,
		}.WithDefaults(),
	}, nil
}

// do performs one logical request. body, if non-nil, is sent as JSON; out,
// if non-nil, receives the decoded response. It returns the headers of the
// successful attempt.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (http.Header, error) {
	op := method + " " + path

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, syncerr.Wrap(syncerr.KindValidation, op, err)
		}
	}

	var header http.Header
	err := c.policy.Do(ctx, op, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return &transport.PermanentError{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &transport.StatusError{
				Method: method,
				Path:   path,
				Status: resp.StatusCode,
				Body:   strings.TrimSpace(transport.Truncate(data, 200)),
			}
		}
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return &transport.PermanentError{Err: err}
			}
		}
		header = resp.Header
		return nil
	})
	return header, err
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	return transport.StatusOf(err)
}
