package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/soramame-dev/apns/metrics"
)

// DialFunc opens the raw TCP connection a Factory will wrap in TLS. It
// exists so a caller can route through a proxy (spec §4.2, "optional
// proxy dial hook") instead of dialing APNs directly.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// FactoryConfig configures a Factory. All durations are optional: a zero
// ConnectTimeout or PingTimeout selects the package default, and a zero
// PingInterval disables keep-alive pings.
type FactoryConfig struct {
	Host           string
	Port           int
	TLSConfig      *tls.Config
	DialContext    DialFunc
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
	Logger         *zap.Logger
	Listener       metrics.Listener
}

const (
	defaultConnectTimeout = 10 * time.Second
	minBackoff            = time.Second
	maxBackoff            = 60 * time.Second
)

// Factory dials and TLS/HTTP2-handshakes new connections to one APNs
// host, per spec §4.2. It is shared by every slot in a connection pool
// rather than owned per-slot, so its exponential back-off reflects the
// host's actual health instead of resetting every time a slot happens
// to need a fresh connection.
type Factory struct {
	cfg FactoryConfig

	// delayNanos is the current back-off delay, clamped to
	// [minBackoff, maxBackoff] once non-zero, read and updated
	// lock-free so concurrent pool slots never block on each other to
	// learn the current delay.
	delayNanos atomic.Int64
}

// NewFactory returns a Factory for cfg. Port defaults to 443 and
// ConnectTimeout to 10s if left zero; TLSConfig is cloned so callers
// sharing one *tls.Config across factories cannot race its fields.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DialContext == nil {
		d := &net.Dialer{}
		cfg.DialContext = d.DialContext
	}
	if cfg.TLSConfig != nil {
		cfg.TLSConfig = cfg.TLSConfig.Clone()
	} else {
		cfg.TLSConfig = &tls.Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Listener == nil {
		cfg.Listener = metrics.NopListener{}
	}
	return &Factory{cfg: cfg}
}

// Create dials, TLS/ALPN-handshakes, and opens an HTTP/2 ClientConn to
// the configured host, waiting out any pending back-off delay first. A
// failed attempt grows the delay for the NEXT Create call; a
// successful one resets it to zero.
func (f *Factory) Create(ctx context.Context) (*Connection, error) {
	if delay := time.Duration(f.delayNanos.Load()); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	conn, err := f.dialAndHandshake(ctx)
	if err != nil {
		f.recordFailure()
		f.cfg.Listener.ConnectionCreateFailed(f.cfg.Host, err.Error())
		return nil, err
	}
	f.recordSuccess()
	f.cfg.Listener.ConnectionOpened(f.cfg.Host)
	return conn, nil
}

func (f *Factory) recordFailure() {
	for {
		cur := f.delayNanos.Load()
		var next int64
		if cur <= 0 {
			next = int64(minBackoff)
		} else {
			next = cur * 2
			if next > int64(maxBackoff) {
				next = int64(maxBackoff)
			}
		}
		if f.delayNanos.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (f *Factory) recordSuccess() {
	f.delayNanos.Store(0)
}

func (f *Factory) dialAndHandshake(ctx context.Context) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	addr := net.JoinHostPort(f.cfg.Host, strconv.Itoa(f.cfg.Port))
	raw, err := f.cfg.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
	}

	tlsCfg := f.cfg.TLSConfig.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = f.cfg.Host
	}
	if len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{"h2"}
	}

	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("channel: tls handshake with %s: %w", addr, err)
	}
	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("channel: %s did not negotiate h2 (got %q)", addr, proto)
	}

	t := &http2.Transport{}
	cc, err := t.NewClientConn(tlsConn)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("channel: http2 client conn to %s: %w", addr, err)
	}

	// A freshly returned ClientConn has exchanged SETTINGS but not yet
	// proven the connection actually serves traffic; one round-trip
	// PING confirms it before the pool ever calls it READY.
	pingCtx, pingCancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer pingCancel()
	if err := cc.Ping(pingCtx); err != nil {
		cc.Close()
		return nil, fmt.Errorf("channel: initial ping to %s: %w", addr, err)
	}

	f.cfg.Logger.Debug("apns: channel established", zap.String("host", f.cfg.Host))
	return newConnection(cc, tlsConn, f.cfg.Host, f.cfg.PingInterval, f.cfg.PingTimeout, f.cfg.Logger, f.cfg.Listener), nil
}
