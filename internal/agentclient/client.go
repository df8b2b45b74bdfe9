// Package agentclient is the control process side of the agent protocol.
// Each client talks to one sandbox's agent server over its unix socket.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/otel"
)

var (
	// ErrConflict is returned when the agent server already has a query in
	// flight.
	ErrConflict = errors.New("agent busy: a query is already running")
	// ErrUnreachable is returned when the agent socket cannot be reached.
	ErrUnreachable = errors.New("agent unreachable")
)

type Config struct {
	SocketPath string
	// RequestTimeout bounds non-streaming calls.
	RequestTimeout time.Duration
	Logger         *slog.Logger
	// OnMalformedFrame is called for every skipped stream frame.
	OnMalformedFrame func(err error)
}

type Client struct {
	socketPath     string
	http           *http.Client
	stream         *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
	onMalformed    func(error)
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", cfg.SocketPath)
	}
	transport := &http.Transport{
		DialContext:        dial,
		MaxIdleConns:       4,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: true,
	}
	return &Client{
		socketPath:     cfg.SocketPath,
		http:           &http.Client{Transport: transport, Timeout: timeout},
		stream:         &http.Client{Transport: transport},
		requestTimeout: timeout,
		logger:         logger.With("component", "agentclient", "socket", cfg.SocketPath),
		onMalformed:    cfg.OnMalformedFrame,
	}
}

// SocketPath returns the socket this client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func endpoint(path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: "agent", Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint(path, query), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.InjectHeaders(ctx, req.Header)
	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func unreachable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body agentproto.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if resp.StatusCode == http.StatusConflict {
		return ErrConflict
	}
	if body.Error == "" {
		body.Error = resp.Status
	}
	return fmt.Errorf("agent returned %d: %s", resp.StatusCode, body.Error)
}

// Health reports whether the agent server answers.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var h agentproto.Health
	if err := c.do(ctx, http.MethodGet, agentproto.PathHealth, nil, nil, &h); err != nil {
		return false, err
	}
	return h.OK, nil
}

func (c *Client) Status(ctx context.Context) (agentproto.Status, error) {
	var st agentproto.Status
	err := c.do(ctx, http.MethodGet, agentproto.PathStatus, nil, nil, &st)
	return st, err
}

// Interrupt asks the agent to cancel its in-flight query and reports whether
// anything was running.
func (c *Client) Interrupt(ctx context.Context) (bool, error) {
	var res agentproto.InterruptResult
	if err := c.do(ctx, http.MethodPost, agentproto.PathInterrupt, nil, nil, &res); err != nil {
		return false, err
	}
	return res.Interrupted, nil
}

// MessagesAfter returns the agent's durable messages with a sequence
// greater than seq.
func (c *Client) MessagesAfter(ctx context.Context, seq int64) ([]agentproto.Message, error) {
	var out agentproto.MessagesResponse
	q := url.Values{"after": []string{strconv.FormatInt(seq, 10)}}
	if err := c.do(ctx, http.MethodGet, agentproto.PathMessages, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// WaitHealthy polls Health until it succeeds, attempts run out, or ctx ends.
// The delay doubles after each failed attempt.
func (c *Client) WaitHealthy(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ok, err := c.Health(ctx)
		if err == nil && ok {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = errors.New("health check returned not ok")
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if errors.Is(lastErr, ErrUnreachable) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, lastErr)
}

// Query starts a query and returns its event stream. A query already in
// flight yields ErrConflict before any event is produced.
func (c *Client) Query(ctx context.Context, req agentproto.QueryRequest) (*Stream, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(agentproto.PathQuery, nil), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	otel.InjectHeaders(ctx, httpReq.Header)
	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, unreachable(err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return NewStream(resp.Body, c.logger, c.onMalformed), nil
}
