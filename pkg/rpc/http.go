package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// RetryPolicy bounds read retries on transport and server faults.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is 3 attempts, 500ms base, capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 4 * time.Second}
}

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration

	// Insecure skips TLS verification, for lab controllers with self-signed certs.
	Insecure bool

	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64

	Retry RetryPolicy
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithMetrics records per-call metrics.
func WithMetrics(m *telemetry.Metrics) HTTPOption {
	return func(c *HTTPClient) { c.metrics = m }
}

// WithTracer records a span per call.
func WithTracer(t *telemetry.Tracer) HTTPOption {
	return func(c *HTTPClient) { c.tracer = t }
}

// WithLogger sets the client logger.
func WithLogger(l *telemetry.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = l.NewComponentLogger("rpc") }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// HTTPClient implements Client over the controller REST API using token
// authentication.
type HTTPClient struct {
	cfg     HTTPConfig
	baseURL string
	routes  RouteTable
	http    *http.Client
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	logger  *telemetry.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for the controller at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig, routes RouteTable, opts ...HTTPOption) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("controller base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid controller base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	c := &HTTPClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		routes:  routes,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure}, //nolint:gosec // opt-in for lab controllers
			},
		},
		logger: telemetry.NewNopLogger(),
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invoke implements Client.
func (c *HTTPClient) Invoke(ctx context.Context, family, function string, params Params, mutates bool) (*Result, error) {
	route, ok := c.routes.Lookup(family, function)
	if !ok {
		return nil, NewError(KindValidation, family, function, "no route registered")
	}

	ctx, span := c.tracer.StartRPCSpan(ctx, family, function, mutates)
	defer span.End()

	timer := telemetry.NewTimer()
	call := func() (*Result, error) {
		return c.do(ctx, route, family, function, params)
	}

	var res *Result
	var err error
	if mutates {
		res, err = call()
	} else {
		res, err = c.retryRead(ctx, family, function, call)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		telemetry.RecordError(span, err)
	}
	c.metrics.RecordRPCCall(family, function, outcome, timer.Duration())
	return res, err
}

// retryRead retries idempotent reads with exponential backoff.
func (c *HTTPClient) retryRead(ctx context.Context, family, function string, call func() (*Result, error)) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.Base
	b.MaxInterval = c.cfg.Retry.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Retry.Attempts-1)), ctx)

	var res *Result
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		r, err := call()
		if err != nil {
			if !KindOf(err).Retryable() {
				return backoff.Permanent(err)
			}
			if attempt < c.cfg.Retry.Attempts {
				c.metrics.RecordRPCRetry(family, function)
				c.logger.WithError(err).Debugf("retrying %s.%s (attempt %d)", family, function, attempt)
			}
			return err
		}
		res = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *HTTPClient) do(ctx context.Context, route Route, family, function string, params Params) (*Result, error) {
	if c.currentToken() == "" {
		if err := c.Reauthenticate(ctx); err != nil {
			return nil, err
		}
	}

	path, rest, err := route.Expand(params)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Family: family, Function: function, Err: err}
	}

	target := c.baseURL + path
	var body io.Reader
	switch route.Method {
	case http.MethodGet, http.MethodDelete:
		if q := encodeQuery(rest); q != "" {
			target += "?" + q
		}
	default:
		payload, err := json.Marshal(rest)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Family: family, Function: function, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTransport, Family: family, Function: function, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Family: family, Function: function, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(authTokenHeader, c.currentToken())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debugf("%s %s", route.Method, target)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Family: family, Function: function, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Family: family, Function: function, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       KindForStatus(resp.StatusCode),
			Family:     family,
			Function:   function,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(raw),
		}
	}

	res := &Result{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &res.Body); err != nil {
			return nil, &Error{Kind: KindServerFault, Family: family, Function: function,
				StatusCode: resp.StatusCode, Detail: "response is not JSON", Err: err}
		}
	}
	return res, nil
}

// Reauthenticate obtains a fresh session token.
func (c *HTTPClient) Reauthenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+authTokenPath, nil)
	if err != nil {
		return &Error{Kind: KindTransport, Family: "auth", Function: "token", Err: err}
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Family: "auth", Function: "token", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		kind := KindForStatus(resp.StatusCode)
		if kind == KindAuthExpired {
			// bad credentials are not recoverable by another login
			kind = KindValidation
		}
		return &Error{Kind: kind, Family: "auth", Function: "token", StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	var tok struct {
		Token string `json:"Token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.Token == "" {
		return &Error{Kind: KindServerFault, Family: "auth", Function: "token", Detail: "token missing from response", Err: err}
	}

	c.mu.Lock()
	c.token = tok.Token
	c.mu.Unlock()
	c.logger.Debug("controller session established")
	return nil
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// encodeQuery renders params as a query string, repeating list values.
func encodeQuery(params Params) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := params[k]
		if v == nil {
			continue
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			for i := 0; i < rv.Len(); i++ {
				values.Add(k, fmt.Sprint(rv.Index(i).Interface()))
			}
			continue
		}
		values.Set(k, fmt.Sprint(v))
	}
	return values.Encode()
}

// errorDetail extracts the controller message from an error body.
func errorDetail(raw []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return strings.TrimSpace(string(raw))
	}
	if inner, ok := doc["response"].(map[string]interface{}); ok {
		doc = inner
	}
	for _, key := range []string{"detail", "message", "errorMessage", "error", "failureReason"} {
		if v, ok := doc[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return strings.TrimSpace(string(raw))
}
