package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const maxResponseBytes = 8 << 20

// Options configures a Client. Zero values take the defaults noted.
type Options struct {
	ConnectTimeout time.Duration // dial timeout, default 30s
	ReadTimeout    time.Duration // wait for response headers, default 60s
	MaxAttempts    int           // total attempts including the first, default 3
	APIKey         string        // sent as a bearer token when set
	RetryDelay     time.Duration // base backoff, default 500ms
	MaxRetryDelay  time.Duration // backoff ceiling, default 5s
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Second
	}
	return o
}

// Client invokes models on a Bedrock-runtime style endpoint:
// POST {endpoint}/model/{modelID}/invoke with a JSON body.
type Client struct {
	endpoint   string
	opts       Options
	httpClient *http.Client
	log        *slog.Logger
}

// New builds a Client. The connect timeout bounds dialing; the read timeout
// bounds the wait for response headers.
func New(endpoint string, opts Options, log *slog.Logger) *Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 90 * time.Second,
	}
	httpTransport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		opts:     opts,
		httpClient: &http.Client{
			Transport: httpTransport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		log: log,
	}
}

// Reply is a successful model response.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the reply body into v.
func (r *Reply) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w (raw: %s)", err, truncate(string(r.Body), 200))
	}
	return nil
}

// InvokeModel posts reqBody to the model's invoke route. Transient failures
// are retried up to MaxAttempts with jittered exponential backoff.
func (c *Client) InvokeModel(ctx context.Context, modelID string, reqBody any) (*Reply, error) {
	if modelID == "" {
		return nil, fmt.Errorf("model id is required")
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	target := c.endpoint + "/model/" + url.PathEscape(modelID) + "/invoke"
	log := c.log.With("model", modelID)

	return retry.DoWithData(
		func() (*Reply, error) {
			return c.post(ctx, target, body)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.opts.MaxAttempts)),
		retry.Delay(c.opts.RetryDelay),
		retry.MaxDelay(c.opts.MaxRetryDelay),
		retry.MaxJitter(c.opts.RetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("retryable model error", "attempt", n+1, "error", err)
		}),
	)
}

func (c *Client) post(ctx context.Context, target string, body []byte) (*Reply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RetryableError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &RetryableError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return &Reply{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
