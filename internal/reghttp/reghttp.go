// Package reghttp is the underlying http library to interact with registries.
// It owns the connection pool, applies the per-request timeout, and retries
// transient failures with an exponential backoff.
package reghttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarpush/tarpush/types"
)

var (
	defaultDelayInit  = 500 * time.Millisecond
	defaultDelayMax   = 30 * time.Second
	defaultRetryLimit = 3
)

// Client sends requests to a single registry endpoint over a shared pool
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	reqTimeout time.Duration
	retryLimit int
	delayInit  time.Duration
	delayMax   time.Duration
	useragent  string
	log        *logrus.Logger
}

// Opts is used to configure client options
type Opts func(*Client)

// NewClient returns a client for a registry base URL
func NewClient(opts ...Opts) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   30,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		retryLimit: defaultRetryLimit,
		delayInit:  defaultDelayInit,
		delayMax:   defaultDelayMax,
		log:        &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == nil {
		return nil, fmt.Errorf("base url required: %w", types.ErrParsingFailed)
	}
	return c, nil
}

// WithBaseURL sets the registry root, e.g. "http://localhost:5000"
func WithBaseURL(base string) Opts {
	return func(c *Client) {
		u, err := url.Parse(base)
		if err == nil && u.Host != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient uses a specific http client for requests
func WithHTTPClient(h *http.Client) Opts {
	return func(c *Client) {
		c.httpClient = h
	}
}

// WithReqTimeout sets the per-request timeout
func WithReqTimeout(d time.Duration) Opts {
	return func(c *Client) {
		if d > 0 {
			c.reqTimeout = d
		}
	}
}

// WithRetryLimit restricts the number of attempts per request
func WithRetryLimit(l int) Opts {
	return func(c *Client) {
		if l > 0 {
			c.retryLimit = l
		}
	}
}

// WithDelay sets the initial backoff between attempts (increased with exponential backoff)
func WithDelay(delayInit, delayMax time.Duration) Opts {
	return func(c *Client) {
		if delayInit > 0 {
			c.delayInit = delayInit
		}
		if delayMax > c.delayInit {
			c.delayMax = delayMax
		} else if delayMax > 0 {
			c.delayMax = c.delayInit
		}
	}
}

// WithLog injects a logrus Logger configuration
func WithLog(log *logrus.Logger) Opts {
	return func(c *Client) {
		c.log = log
	}
}

// WithUserAgent sets a user agent header
func WithUserAgent(ua string) Opts {
	return func(c *Client) {
		c.useragent = ua
	}
}

// Close releases idle connections in the pool
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// Req is a request to send to the registry
type Req struct {
	Method     string
	Repository string
	Path       string   // path under /v2/ or /v2/{repository}/
	DirectURL  *url.URL // overrides Repository/Path, used for upload session URLs
	Query      url.Values
	Headers    http.Header
	BodyBytes  []byte
	BodyFunc   func() (io.ReadCloser, error)
	BodyLen    int64
	NoRetry    bool
}

// Resp is used to handle the result of a request
type Resp struct {
	resp   *http.Response
	cancel context.CancelFunc
	done   bool
}

// HTTPResponse returns the last response
func (r *Resp) HTTPResponse() *http.Response {
	return r.resp
}

func (r *Resp) Read(b []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	return r.resp.Body.Read(b)
}

// Close releases the response body and the request deadline
func (r *Resp) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	err := r.resp.Body.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

// reqURL builds the target URL for a request
func (c *Client) reqURL(req *Req) (*url.URL, error) {
	if req.DirectURL != nil {
		return req.DirectURL, nil
	}
	path := "/v2/"
	if req.Repository != "" {
		path += req.Repository + "/"
	}
	path += req.Path
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("failed to build request url for %s: %w", req.Path, err)
	}
	if req.Query != nil {
		u.RawQuery = req.Query.Encode()
	}
	return u, nil
}

// Do runs a request, retrying transient failures. The status code is not
// checked beyond the retry policy; callers verify it against the API contract.
func (c *Client) Do(ctx context.Context, req *Req) (*Resp, error) {
	u, err := c.reqURL(req)
	if err != nil {
		return nil, err
	}

	limit := c.retryLimit
	if req.NoRetry {
		limit = 1
	}
	var lastErr error
	for attempt := 0; attempt < limit; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt, lastResponseOf(lastErr)); err != nil {
				return nil, err
			}
		}
		resp, err := c.httpDo(ctx, req, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request %s %s: %w", req.Method, u.Redacted(), types.ErrCanceled)
			}
			lastErr = fmt.Errorf("request %s %s failed: %v: %w", req.Method, u.Redacted(), err, types.ErrRegistryUnreachable)
			c.log.WithFields(logrus.Fields{
				"method": req.Method,
				"url":    u.Redacted(),
				"err":    err,
			}).Debug("Request failed, will retry")
			continue
		}
		if retryStatus(resp.HTTPResponse().StatusCode) {
			lastErr = &statusErr{resp: resp.HTTPResponse()}
			c.log.WithFields(logrus.Fields{
				"method": req.Method,
				"url":    u.Redacted(),
				"status": resp.HTTPResponse().StatusCode,
			}).Debug("Transient status, will retry")
			_ = resp.Close()
			continue
		}
		return resp, nil
	}
	if se, ok := lastErr.(*statusErr); ok {
		return nil, fmt.Errorf("request %s %s: status %d: %w", req.Method, u.Redacted(), se.resp.StatusCode, types.ErrBackoffLimit)
	}
	if lastErr == nil {
		lastErr = types.ErrBackoffLimit
	}
	return nil, lastErr
}

type statusErr struct {
	resp *http.Response
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("unexpected status %d", e.resp.StatusCode)
}

func lastResponseOf(err error) *http.Response {
	if se, ok := err.(*statusErr); ok {
		return se.resp
	}
	return nil
}

// retryStatus reports whether a status is transient. Protocol failures
// (other 4xx, digest mismatches) are never retried.
func retryStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	}
	return false
}

func (c *Client) httpDo(ctx context.Context, req *Req, u *url.URL) (*Resp, error) {
	var cancel context.CancelFunc
	if c.reqTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	if req.BodyBytes != nil {
		body := req.BodyBytes
		httpReq.Body = io.NopCloser(bytes.NewReader(body))
		httpReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		httpReq.ContentLength = int64(len(body))
	} else if req.BodyFunc != nil {
		httpReq.Body, err = req.BodyFunc()
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, err
		}
		httpReq.GetBody = req.BodyFunc
		httpReq.ContentLength = req.BodyLen
	}
	for key := range req.Headers {
		for _, val := range req.Headers.Values(key) {
			httpReq.Header.Add(key, val)
		}
	}
	if c.useragent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.useragent)
	}

	c.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    u.Redacted(),
	}).Debug("Sending request")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	return &Resp{resp: resp, cancel: cancel}, nil
}

// backoff sleeps between attempts, honoring a Retry-After header when larger
func (c *Client) backoff(ctx context.Context, attempt int, lastResp *http.Response) error {
	sleepTime := c.delayInit << (attempt - 1)
	if sleepTime > c.delayMax {
		sleepTime = c.delayMax
	}
	// add jitter up to half the delay so concurrent uploads spread out
	sleepTime += time.Duration(rand.Int63n(int64(sleepTime)/2 + 1))
	if lastResp != nil && lastResp.Header.Get("Retry-After") != "" {
		ras := lastResp.Header.Get("Retry-After")
		if raSec, err := strconv.Atoi(ras); err == nil {
			ra := time.Duration(raSec) * time.Second
			if ra > c.delayMax {
				sleepTime = c.delayMax
			} else if ra > sleepTime {
				sleepTime = ra
			}
		}
	}
	c.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"seconds": sleepTime.Seconds(),
	}).Debug("Sleeping for backoff")
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", types.ErrCanceled)
	case <-time.After(sleepTime):
	}
	return nil
}
