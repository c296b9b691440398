// Package apns is a client for the Apple Push Notification service
// HTTP/2 provider API: it multiplexes notifications over a small pool
// of authenticated HTTP/2 connections, handles token-based (.p8) and
// certificate-based (.p12) authentication, and translates APNs'
// response vocabulary into typed Go errors. JSON payload construction
// is out of scope; callers bring their own already-encoded payload.
package apns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soramame-dev/apns/internal/auth"
	"github.com/soramame-dev/apns/internal/channel"
	"github.com/soramame-dev/apns/internal/future"
	"github.com/soramame-dev/apns/internal/pool"
	"github.com/soramame-dev/apns/metrics"
)

// Client sends notifications to APNs over a pool of multiplexed HTTP/2
// connections. Construct one with NewClient and close it with Close
// when done; a Client is safe for concurrent use by multiple
// goroutines.
type Client struct {
	host string
	port int

	pool         *pool.ConnectionPool
	authProvider *auth.Provider // nil when using mutual-TLS auth
	drainTimeout time.Duration

	listener metrics.Listener
	logger   *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient builds a Client from the given options. Exactly one of
// WithTLSCertificate or WithSigningKey must be supplied; anything else
// missing falls back to package defaults (production host, pool
// capacity 1, 60s ping interval).
func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listener := cfg.listener
	if listener == nil {
		listener = metrics.NopListener{}
	}

	authProvider, err := cfg.buildAuthProvider()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	factory := channel.NewFactory(channel.FactoryConfig{
		Host:           cfg.host,
		Port:           cfg.port,
		TLSConfig:      cfg.buildTLSConfig(),
		DialContext:    cfg.dialer,
		ConnectTimeout: cfg.connectTimeout,
		PingInterval:   cfg.pingInterval,
		PingTimeout:    cfg.pingTimeout,
		Logger:         logger,
		Listener:       listener,
	})

	c := &Client{
		host:         cfg.host,
		port:         cfg.port,
		pool:         pool.NewConnectionPool(factory, cfg.poolCapacity, logger),
		authProvider: authProvider,
		drainTimeout: cfg.drainTimeout,
		listener:     listener,
		logger:       logger,
		closed:       make(chan struct{}),
	}
	return c, nil
}

// Send dispatches n asynchronously and returns a Future the caller can
// await with Wait(ctx) or Get. The notification is validated
// synchronously before the Future is returned, so a configuration
// mistake (empty token, oversized payload) fails immediately rather
// than after an apparent successful enqueue.
func (c *Client) Send(ctx context.Context, n *Notification) *future.Future[*Response] {
	p, f := future.New[*Response]()

	if err := n.Validate(); err != nil {
		p.Fail(err)
		return f
	}

	select {
	case <-c.closed:
		p.Fail(ErrClosed)
		return f
	default:
	}

	go c.dispatch(ctx, n, p)
	return f
}

func (c *Client) dispatch(ctx context.Context, n *Notification, p *future.Promise[*Response]) {
	start := time.Now()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		c.recordFailure(err, time.Since(start))
		c.failDispatch(p, err)
		return
	}

	nr := c.encode(n)
	outcome, err := conn.Dispatch(ctx, nr)
	rtt := time.Since(start)
	if err != nil {
		c.recordFailure(err, rtt)
		c.failDispatch(p, err)
		return
	}

	c.listener.NotificationAccepted(outcome.ApnsID, rtt)
	p.Complete(&Response{ApnsID: outcome.ApnsID, StatusCode: outcome.StatusCode})
}

func (c *Client) encode(n *Notification) *channel.NotificationRequest {
	nr := &channel.NotificationRequest{
		DeviceToken: n.DeviceToken,
		Topic:       n.EffectiveTopic(),
		ApnsID:      n.ApnsID,
		CollapseID:  n.CollapseID,
		Payload:     []byte(n.PayloadJSON),
	}
	if n.Type != "" {
		nr.PushType = string(n.Type)
	}
	if n.Expiration != nil {
		sec := int64(*n.Expiration)
		nr.Expiration = &sec
	}
	if n.Priority != 0 {
		nr.Priority = int(n.Priority)
	}
	if c.authProvider != nil {
		nr.Authorization = c.authProvider.CurrentToken().Signature
	}
	return nr
}

func (c *Client) recordFailure(err error, rtt time.Duration) {
	var rejected *channel.RejectedError
	if errors.As(err, &rejected) {
		c.listener.NotificationRejected(rejected.ApnsID, rejected.Reason, rejected.StatusCode, rtt)
		return
	}
	c.listener.NotificationFailed(failureKind(err))
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, pool.ErrPoolClosed):
		return "closed"
	default:
		return "transient"
	}
}

// failDispatch translates an internal error (from the pool or the
// channel package) into the public sentinel/error types documented in
// errors.go, keeping those packages free of any dependency on this one.
func (c *Client) failDispatch(p *future.Promise[*Response], err error) {
	var rejected *channel.RejectedError
	if errors.As(err, &rejected) {
		rej := &RejectionError{
			StatusCode: rejected.StatusCode,
			Reason:     rejected.Reason,
			ApnsID:     rejected.ApnsID,
		}
		if rejected.Reason == "Unregistered" {
			rej.TokenInvalidationTimestamp = rejected.TimestampMillis
		}
		p.Fail(rej)
		return
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.Fail(fmt.Errorf("%w: %v", ErrTimeout, err))
	case errors.Is(err, context.Canceled):
		p.Fail(fmt.Errorf("%w: %v", ErrCancelled, err))
	case errors.Is(err, pool.ErrPoolClosed):
		p.Fail(ErrClosed)
	default:
		select {
		case <-c.closed:
			// The send was cut short by Close draining its connection.
			p.Fail(fmt.Errorf("%w: %v", ErrCancelled, err))
		default:
			p.Fail(fmt.Errorf("%w: %v", ErrTransient, err))
		}
	}
}

// Close stops accepting new sends, waits up to the configured drain
// timeout for in-flight notifications to complete, and closes every
// pooled connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.pool.Close(c.drainTimeout)
		if c.authProvider != nil {
			c.authProvider.Close()
		}
	})
	return nil
}
