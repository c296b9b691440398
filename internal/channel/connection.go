// Package channel implements the ChannelFactory, StreamRegistry and
// ChannelProtocol of spec §4.2–§4.3: establishing a single authenticated
// HTTP/2 connection to APNs, multiplexing notifications over it, and
// translating them to and from APNs' request/response vocabulary.
//
// Framing itself is delegated to golang.org/x/net/http2's ClientConn,
// the same package every HTTP/2-over-TLS client in the retrieval pack
// eventually rides on; this package owns everything x/net/http2 does
// not expose: connection lifecycle (CONNECTING/READY/DRAINING/CLOSED),
// a FIFO admission queue bounded by the server's advertised
// MAX_CONCURRENT_STREAMS, and the APNs header/error vocabulary.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/soramame-dev/apns/metrics"
)

// State is a Connection's position in the lifecycle state machine of
// spec §4.3:
//
//	CONNECTING --handshake_ok--> READY --goaway/local_close--> DRAINING --inflight==0--> CLOSED
//	CONNECTING --fail-----------> CLOSED
//	READY       --fatal---------> CLOSED
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrConnectionClosed marks a dispatch that could not complete because
// the connection closed, or failed fatally, during the attempt. The
// facade maps this to the public ErrTransient sentinel.
var ErrConnectionClosed = errors.New("channel: connection is closed or draining")

// RejectedError is APNs' non-200 verdict for a notification it accepted
// over HTTP but declined to deliver. It mirrors the public
// apns.RejectionError field for field; the facade copies it across the
// package boundary rather than importing this package's error type
// directly into its public surface.
type RejectedError struct {
	StatusCode      int
	Reason          string
	ApnsID          string
	TimestampMillis *int64
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("channel: apns rejected notification (%s), status %d", e.Reason, e.StatusCode)
}

// Outcome is the accept verdict for a dispatched notification.
type Outcome struct {
	ApnsID     string
	StatusCode int
}

// NotificationRequest carries everything ChannelProtocol needs to encode
// one APNs request. It is the channel package's own DTO, distinct from
// the public apns.Notification, so this package never has to import the
// root module package (which itself imports channel).
type NotificationRequest struct {
	DeviceToken   string
	Topic         string
	PushType      string // lowercased; empty to omit
	ApnsID        string // empty to let APNs assign one
	Expiration    *int64 // unix seconds; nil omits the header, pointer-to-0 is significant
	Priority      int    // 0 omits the header
	CollapseID    string
	Authorization string // "bearer <jwt>"; empty for mutual-TLS auth
	Payload       []byte
}

const maxResponseBody = 4096

// Connection owns one HTTP/2 connection to APNs: its stream admission
// queue, keep-alive ping loop, and GOAWAY-driven drain.
type Connection struct {
	host string
	cc   *http2.ClientConn
	raw  net.Conn

	mu    sync.Mutex
	state State

	admission *admission
	registry  *streamRegistry

	pingInterval time.Duration
	pingTimeout  time.Duration
	logger       *zap.Logger
	listener     metrics.Listener

	lastActivity atomic.Int64 // unix nanoseconds

	closeCh        chan struct{}
	closeChOnce    sync.Once
	stopLoops      chan struct{}
	stopLoopsOnce  sync.Once
	forceCloseOnce sync.Once
	wg             sync.WaitGroup
}

func newConnection(cc *http2.ClientConn, raw net.Conn, host string, pingInterval, pingTimeout time.Duration, logger *zap.Logger, listener metrics.Listener) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listener == nil {
		listener = metrics.NopListener{}
	}
	st := cc.State()
	c := &Connection{
		host:         host,
		cc:           cc,
		raw:          raw,
		state:        StateReady,
		admission:    newAdmission(st.MaxConcurrentStreams),
		registry:     newStreamRegistry(),
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		logger:       logger,
		listener:     listener,
		closeCh:      make(chan struct{}),
		stopLoops:    make(chan struct{}),
	}
	c.touch()
	c.wg.Add(2)
	go c.watchLoop()
	go c.keepaliveLoop()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if s == StateClosed {
		c.closeChOnce.Do(func() { close(c.closeCh) })
	}
}

// Closed returns a channel that is closed once the connection has fully
// closed, letting the pool observe a closure it did not itself cause.
func (c *Connection) Closed() <-chan struct{} {
	return c.closeCh
}

// Stats reports the current in-flight stream count and the
// server-advertised MAX_CONCURRENT_STREAMS, for invariant checks and
// metrics.
func (c *Connection) Stats() (active int, maxConcurrent uint32) {
	return c.registry.inflight(), c.cc.State().MaxConcurrentStreams
}

// IdleFor reports how long ago the connection last completed a round
// trip or a keep-alive PING; it is zero while any stream is in flight.
func (c *Connection) IdleFor() time.Duration {
	if c.registry.inflight() > 0 {
		return 0
	}
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Connection) watchLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := c.cc.State()
			c.admission.setLimit(st.MaxConcurrentStreams)
			if st.Closed {
				c.forceClose("peer closed connection")
				return
			}
			if st.Closing {
				c.setState(StateDraining)
				if st.StreamsActive == 0 {
					c.forceClose("goaway drained")
					return
				}
			}
		case <-c.stopLoops:
			return
		}
	}
}

func (c *Connection) keepaliveLoop() {
	defer c.wg.Done()
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(time.Unix(0, c.lastActivity.Load())) < c.pingInterval {
				continue
			}
			timeout := c.pingTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.cc.Ping(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("apns: ping timed out, closing connection", zap.String("host", c.host), zap.Error(err))
				c.forceClose("ping timeout")
				return
			}
			c.touch()
		case <-c.stopLoops:
			return
		}
	}
}

// Close gracefully drains the connection: it sends GOAWAY, lets
// in-flight streams complete up to ctx's deadline, then closes the
// socket. Streams still in flight when ctx ends are torn down with the
// connection.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	c.mu.Unlock()

	err := c.cc.Shutdown(ctx)
	c.forceClose("graceful close")
	return err
}

func (c *Connection) forceClose(reason string) {
	c.forceCloseOnce.Do(func() {
		_ = c.cc.Close()
		_ = c.raw.Close()
		c.stopLoopsOnce.Do(func() { close(c.stopLoops) })
		c.listener.ConnectionClosed(c.host, reason)
	})
	c.setState(StateClosed)
}

// Dispatch encodes nr per spec §4.3, sends it over the connection's
// HTTP/2 stream admission queue, and decodes the response. A per-call
// ctx deadline doubles as the per-notification timeout from spec §5:
// golang.org/x/net/http2 resets the stream with RST_STREAM(CANCEL) when
// the request's context is done, which is exactly the behavior spec §5
// asks for on timeout or caller cancellation.
func (c *Connection) Dispatch(ctx context.Context, nr *NotificationRequest) (*Outcome, error) {
	if c.State() != StateReady {
		return nil, ErrConnectionClosed
	}

	if err := c.admission.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.admission.release()

	id := c.registry.add()
	defer c.registry.remove(id)

	req, err := c.encodeRequest(ctx, nr)
	if err != nil {
		c.listener.NotificationWriteFailed(err.Error())
		return nil, err
	}

	c.listener.NotificationSent(nr.ApnsID)
	resp, err := c.cc.RoundTrip(req)
	c.touch()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.listener.NotificationWriteFailed(err.Error())
		c.forceClose("round trip failed")
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	defer resp.Body.Close()

	return c.decodeResponse(resp)
}

func (c *Connection) encodeRequest(ctx context.Context, nr *NotificationRequest) (*http.Request, error) {
	u := &url.URL{
		Scheme: "https",
		Host:   c.host,
		Path:   "/3/device/" + url.PathEscape(nr.DeviceToken),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(nr.Payload))
	if err != nil {
		return nil, fmt.Errorf("channel: build request: %w", err)
	}
	req.ContentLength = int64(len(nr.Payload))

	req.Header.Set("apns-topic", nr.Topic)
	if nr.PushType != "" {
		req.Header.Set("apns-push-type", nr.PushType)
	}
	if nr.ApnsID != "" {
		req.Header.Set("apns-id", nr.ApnsID)
	}
	if nr.Expiration != nil {
		req.Header.Set("apns-expiration", strconv.FormatInt(*nr.Expiration, 10))
	}
	if nr.Priority != 0 {
		req.Header.Set("apns-priority", strconv.Itoa(nr.Priority))
	}
	if nr.CollapseID != "" {
		req.Header.Set("apns-collapse-id", nr.CollapseID)
	}
	req.Header.Set("content-length", strconv.Itoa(len(nr.Payload)))
	if nr.Authorization != "" {
		req.Header.Set("authorization", nr.Authorization)
	}
	return req, nil
}

func (c *Connection) decodeResponse(resp *http.Response) (*Outcome, error) {
	apnsID := resp.Header.Get("apns-id")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrConnectionClosed, err)
	}

	if resp.StatusCode == http.StatusOK {
		return &Outcome{ApnsID: apnsID, StatusCode: resp.StatusCode}, nil
	}

	var parsed struct {
		Reason    string `json:"reason"`
		Timestamp *int64 `json:"timestamp,omitempty"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	return nil, &RejectedError{
		StatusCode:      resp.StatusCode,
		Reason:          parsed.Reason,
		ApnsID:          apnsID,
		TimestampMillis: parsed.Timestamp,
	}
}
