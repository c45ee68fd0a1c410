package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
	"github.com/gophpeek/phpeek-watchdog/internal/process"
)

const defaultConnectTimeout = 10 * time.Second

// Client calls a watchdog control plane. Connection failures are retried
// with exponential backoff until the connect timeout elapses; everything
// else fails on the first attempt.
type Client struct {
	address        string
	port           int
	cookie         string
	connectTimeout time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates a client for the control plane at address:port
func NewClient(address string, port int, cookie string, connectTimeout time.Duration, log *slog.Logger) *Client {
	if ip := net.ParseIP(address); address == "" || (ip != nil && ip.IsUnspecified()) {
		address = "127.0.0.1"
	}
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Client{
		address:        address,
		port:           port,
		cookie:         cookie,
		connectTimeout: connectTimeout,
		httpClient:     &http.Client{},
		logger:         log.With("component", "client"),
	}
}

// NewClientFromConfig creates a client for the control plane described by w
func NewClientFromConfig(w config.WatchdogConfig, log *slog.Logger) *Client {
	return NewClient(w.Address, w.Port, w.Cookie, w.ConnectTimeoutDuration(), log)
}

// HostPort returns the control plane address the client talks to
func (c *Client) HostPort() string {
	return net.JoinHostPort(c.address, strconv.Itoa(c.port))
}

func (c *Client) Start(ctx context.Context, id string, args process.StartArgs) (*Response, error) {
	return c.do(ctx, "start", id, http.MethodPost, serverPath(id, "start"), args)
}

func (c *Client) Stop(ctx context.Context, id string, args process.StartArgs) (*Response, error) {
	return c.do(ctx, "stop", id, http.MethodPost, serverPath(id, "stop"), args)
}

func (c *Client) Restart(ctx context.Context, id string, args process.StartArgs) (*Response, error) {
	return c.do(ctx, "restart", id, http.MethodPost, serverPath(id, "restart"), args)
}

func (c *Client) Kill(ctx context.Context, id string) (*Response, error) {
	return c.do(ctx, "kill", id, http.MethodPost, serverPath(id, "kill"), nil)
}

func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.do(ctx, "status", "", http.MethodGet, "/api/v1/status", nil)
}

func (c *Client) Shutdown(ctx context.Context) (*Response, error) {
	return c.do(ctx, "shutdown", "", http.MethodPost, "/api/v1/shutdown", nil)
}

func (c *Client) Health(ctx context.Context) (*Response, error) {
	return c.do(ctx, "health", "", http.MethodGet, "/api/v1/health", nil)
}

// Logs fetches the last n output lines of server id
func (c *Client) Logs(ctx context.Context, id string, n int) (*Response, error) {
	path := serverPath(id, "logs") + "?lines=" + strconv.Itoa(n)
	return c.do(ctx, "logs", id, http.MethodGet, path, nil)
}

func serverPath(id, action string) string {
	if id == "" {
		id = config.DefaultServerID
	}
	return "/api/v1/servers/" + url.PathEscape(id) + "/" + action
}

// do sends one request. A reply with success=false is returned together with
// an error of the reply's kind.
func (c *Client) do(ctx context.Context, op, id, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, process.Errorf(process.KindInternal, op, id, "failed to encode request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	attempt := 0
	resp, err := backoff.Retry(ctx, func() (*httpReply, error) {
		attempt++
		reply, err := c.send(ctx, method, path, payload)
		if err != nil && !isDialError(err) {
			return nil, backoff.Permanent(err)
		}
		return reply, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.connectTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("Control plane not reachable, retrying",
				"address", c.HostPort(), "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		var pe *process.Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, process.Errorf(process.KindConnectivity, op, id, "cannot contact %s: %w", c.HostPort(), err)
	}

	if !resp.body.Success {
		return resp.body, replyError(op, id, resp.status, resp.body)
	}
	return resp.body, nil
}

type httpReply struct {
	status int
	body   *Response
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*httpReply, error) {
	u := "http://" + c.HostPort() + path
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, process.Errorf(process.KindInternal, "request", "", "failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cookie != "" {
		req.Header.Set("Authorization", "Bearer "+c.cookie)
	}
	req.Header.Set("User-Agent", "phpeek-watchdog-cli")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var body Response
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, process.Errorf(process.KindInternal, "response", "", "failed to decode reply (HTTP %d): %w", res.StatusCode, err)
	}
	return &httpReply{status: res.StatusCode, body: &body}, nil
}

// isDialError reports whether the request never reached the server, which
// makes it safe to resend
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// replyError rebuilds the typed error of a failed reply
func replyError(op, id string, status int, resp *Response) error {
	kind := process.Kind(resp.Kind)
	if kind == "" {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = process.KindAuthorization
		case http.StatusNotFound:
			kind = process.KindNotFound
		case http.StatusBadRequest:
			kind = process.KindConfiguration
		case http.StatusConflict:
			kind = process.KindConflict
		default:
			kind = process.KindInternal
		}
	}
	msg := resp.Message
	if resp.Detail != "" {
		msg = fmt.Sprintf("%s\n%s", msg, resp.Detail)
	}
	return &process.Error{Kind: kind, Op: op, ID: id, Err: errors.New(msg)}
}
