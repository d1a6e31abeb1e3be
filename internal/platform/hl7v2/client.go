package hl7v2

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultResponseTimeout = 30 * time.Second
)

// Endpoint is the remote side of an MLLP connection.
type Endpoint struct {
	Host      string
	Port      int
	TLS       bool
	TLSConfig *tls.Config
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// RetryPolicy controls how often a failed connection is retried. Only
// connection failures are retried.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) attempts() int {
	if !p.Enabled || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// TransportError is a connection, write or read failure.
type TransportError struct {
	Op   string // connect, write, read
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mllp: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) ErrKind() apperr.Kind { return apperr.KindTransport }

func (e *TransportError) ErrCode() string {
	switch e.Op {
	case "connect":
		return "MLLP_CONNECT_FAILED"
	case "read":
		return "MLLP_RESPONSE_TIMEOUT"
	default:
		return "MLLP_SEND_FAILED"
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithResponseTimeout sets how long to wait for the framed response.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.responseTimeout = d }
}

// WithClientLogger sets the logger used for retry notices.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Client sends framed messages to remote MLLP listeners. It holds no
// connections between calls and is safe for concurrent use.
type Client struct {
	connectTimeout  time.Duration
	responseTimeout time.Duration
	logger          zerolog.Logger
}

// NewClient creates a client with default timeouts.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		connectTimeout:  DefaultConnectTimeout,
		responseTimeout: DefaultResponseTimeout,
		logger:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send delivers payload and returns the unframed response. Connection
// failures are retried according to policy; write and read failures end the
// attempt immediately.
func (c *Client) Send(ctx context.Context, ep Endpoint, payload []byte, policy RetryPolicy) ([]byte, error) {
	var resp []byte
	attempt := 0
	op := func() error {
		attempt++
		conn, err := c.dial(ctx, ep)
		if err != nil {
			return err
		}
		defer conn.Close()

		r, err := c.exchange(ctx, conn, ep, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(policy.attempts()-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("addr", ep.Address()).Int("attempt", attempt).
			Dur("retry_in", wait).Msg("mllp connect failed, retrying")
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendAndAwaitAck encodes msg, sends it and parses the acknowledgment. A negative
// acknowledgment is returned as *NegativeAckError together with the parsed
// AckInfo.
func (c *Client) SendAndAwaitAck(ctx context.Context, ep Endpoint, msg *Message, policy RetryPolicy) (AckInfo, []byte, error) {
	raw, err := c.Send(ctx, ep, Encode(msg), policy)
	if err != nil {
		return AckInfo{}, nil, err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return AckInfo{}, raw, err
	}
	info, err := ParseAck(parsed)
	if err != nil {
		return AckInfo{}, raw, err
	}
	if !info.Code.Accepted() {
		return info, raw, &NegativeAckError{Ack: info}
	}
	return info, raw, nil
}

// Probe opens and closes a connection to ep.
func (c *Client) Probe(ctx context.Context, ep Endpoint) error {
	conn, err := c.dial(ctx, ep)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Client) dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	d := &net.Dialer{Timeout: c.connectTimeout}
	var (
		conn net.Conn
		err  error
	)
	if ep.TLS {
		cfg := ep.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: ep.Host, MinVersion: tls.VersionTLS12}
		}
		td := &tls.Dialer{NetDialer: d, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", ep.Address())
	} else {
		conn, err = d.DialContext(ctx, "tcp", ep.Address())
	}
	if err != nil {
		return nil, &TransportError{Op: "connect", Addr: ep.Address(), Err: err}
	}
	return conn, nil
}

func (c *Client) exchange(ctx context.Context, conn net.Conn, ep Endpoint, payload []byte) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(Frame(payload)); err != nil {
		return nil, &TransportError{Op: "write", Addr: ep.Address(), Err: err}
	}

	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if resp, _, ok := Unframe(buf); ok {
				return resp, nil
			}
			if len(buf) > mllpMaxMessageSize {
				return nil, &TransportError{Op: "read", Addr: ep.Address(), Err: errors.New("response exceeds max size")}
			}
		}
		if err != nil {
			if resp, ok := UnframeTrimmed(buf); ok {
				return resp, nil
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, &TransportError{Op: "read", Addr: ep.Address(), Err: err}
		}
	}
}
