package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is a thin caller for a running gateway. It shapes no request schema:
// payloads are opaque lines, exactly as the gateway forwards them.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	wsBaseURL                string
	waitInterval             time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("gateway_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, host string, port int, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("gateway_client"),
		baseURL:      fmt.Sprintf("http://%s:%d", host, port),
		wsBaseURL:    fmt.Sprintf("ws://%s:%d", host, port),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// Retry only transport-level failures. The gateway never retries a failed
	// exchange, and neither does the client: a 5xx is the caller's to handle.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// CallResult is the outcome of one unary exchange.
type CallResult struct {
	// SessionID is the id the gateway resolved or generated; send it on the
	// next call to reuse the same worker.
	SessionID string
	// Line is the worker's response line, verbatim.
	Line []byte
	// JSON reports whether the gateway identified the line as valid JSON.
	JSON bool
}

// Call performs one unary exchange. An empty sessionID asks the gateway to
// mint one; the resolved id is returned either way.
func (c *Client) Call(ctx context.Context, path, sessionID string, payload []byte) (*CallResult, error) {
	u := c.baseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 HTTP status code %d received when calling %s: %s", resp.StatusCode, path, body)
	}

	return &CallResult{
		SessionID: resp.Header.Get(SessionHeader),
		Line:      body,
		JSON:      resp.Header.Get("Content-Type") == "application/json",
	}, nil
}

// Stream performs one streaming exchange, invoking fn for every response line.
// It returns the resolved session id.
func (c *Client) Stream(ctx context.Context, path, sessionID string, payload []byte, fn func(line []byte) error) (string, error) {
	u := c.baseURL + "/stream/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	resolved := resp.Header.Get(SessionHeader)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resolved, fmt.Errorf("non-200 HTTP status code %d received when streaming %s: %s", resp.StatusCode, path, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if err := fn(line); err != nil {
			return resolved, err
		}
	}
	if err := scanner.Err(); err != nil {
		return resolved, fmt.Errorf("reading stream: %w", err)
	}
	return resolved, nil
}

// DuplexConn is one live bridge to a dedicated worker. Each Send and Recv
// moves exactly one line.
type DuplexConn struct {
	conn *websocket.Conn
}

func (d *DuplexConn) Send(ctx context.Context, line []byte) error {
	return d.conn.Write(ctx, websocket.MessageBinary, line)
}

func (d *DuplexConn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := d.conn.Read(ctx)
	return data, err
}

func (d *DuplexConn) Close() error {
	return d.conn.Close(websocket.StatusNormalClosure, "")
}

// Connect opens a duplex bridge. The worker lives exactly as long as the
// returned connection.
func (c *Client) Connect(ctx context.Context, path string) (*DuplexConn, error) {
	u := c.wsBaseURL + "/ws/" + path
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	return &DuplexConn{conn: wsConn}, nil
}

// HealthStatus mirrors the gateway's /healthz response.
type HealthStatus struct {
	Status         string
	ActiveSessions int
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &status, nil
}

// WaitForServer polls the health endpoint until the gateway answers or ctx
// expires.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}
