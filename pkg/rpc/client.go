package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"raftkv/pkg/clock"

	"github.com/google/uuid"
)

const (
	defaultTimeout      = 3 * time.Second
	defaultRetries      = 3
	defaultRetryBackoff = 100 * time.Millisecond
	maxRedirects        = 5
)

var (
	// ErrUnavailable is returned once every retry hit a transport error or a 5xx.
	ErrUnavailable = errors.New("cluster unavailable")
	ErrRejected    = errors.New("request rejected")
	// ErrStale means a newer request of this client was applied first.
	ErrStale       = errors.New("stale request")
)

// Result mirrors the JSON body the server answers commands with.
type Result struct {
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Index uint64 `json:"index,omitempty"`
	Found bool   `json:"found,omitempty"`
}

// Client talks to any node of the cluster. Each request carries the client
// session (id, serial) so a retry of the same request is applied once.
type Client struct {
	baseURL  string
	client   *http.Client
	clientID string
	serial   *clock.Atomic
	retries  int
	backoff  time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// WithSession resumes an existing session instead of starting a new one.
func WithSession(clientID string, lastSerial uint64) Option {
	return func(c *Client) {
		c.clientID = clientID
		c.serial = clock.NewAtomic(lastSerial)
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: defaultTimeout,
			// 307 from a follower keeps the method and body
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
		clientID: uuid.NewString(),
		serial:   clock.NewAtomic(0),
		retries:  defaultRetries,
		backoff:  defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ClientID() string {
	return c.clientID
}

func (c *Client) Put(ctx context.Context, key, value string) (Result, error) {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)
	return c.do(ctx, http.MethodPut, "/api/string", form)
}

// Get performs a linearizable read through the log. A missing key is not an error.
func (c *Client) Get(ctx context.Context, key string) (Result, error) {
	form := url.Values{}
	form.Set("key", key)
	return c.do(ctx, http.MethodGet, "/api/string", form)
}

// GetStale reads the contacted node's local state without a session.
func (c *Client) GetStale(ctx context.Context, key string) (Result, error) {
	q := url.Values{}
	q.Set("key", key)
	q.Set("consistency", "stale")
	return c.send(ctx, http.MethodGet, "/api/string", q, false)
}

func (c *Client) Delete(ctx context.Context, key string) (Result, error) {
	form := url.Values{}
	form.Set("key", key)
	return c.do(ctx, http.MethodDelete, "/api", form)
}

// do assigns the next serial once and reuses it for every retry.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) (Result, error) {
	params.Set("client_id", c.clientID)
	params.Set("serial", strconv.FormatUint(c.serial.Next(), 10))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		res, err := c.send(ctx, method, path, params, method == http.MethodPut)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return res, err
		}
		lastErr = err
		slog.Debug("retrying request",
			"method", method,
			"path", path,
			"serial", params.Get("serial"),
			"attempt", attempt+1,
			"error", err)
	}
	return Result{}, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values, asForm bool) (Result, error) {
	var (
		req *http.Request
		err error
	)
	if asForm {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create %s request: %w", method, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var res Result
	if len(body) > 0 {
		if err := json.Unmarshal(body, &res); err != nil {
			return Result{}, fmt.Errorf("decode: %w body=%s", err, string(body))
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return res, nil
	case resp.StatusCode == http.StatusNotFound:
		res.Found = false
		return res, nil
	case resp.StatusCode == http.StatusConflict:
		return Result{}, fmt.Errorf("%w: %s", ErrStale, res.Error)
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{}, fmt.Errorf("%w: status=%d %s", ErrUnavailable, resp.StatusCode, res.Error)
	default:
		return Result{}, fmt.Errorf("%w: status=%d %s", ErrRejected, resp.StatusCode, res.Error)
	}
}
