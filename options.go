package apns

import (
	"crypto/ecdsa"
	"crypto/tls"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/soramame-dev/apns/internal/auth"
	"github.com/soramame-dev/apns/internal/channel"
	"github.com/soramame-dev/apns/metrics"
)

const (
	// ProductionHost is the APNs production server hostname.
	ProductionHost = "api.push.apple.com"
	// DevelopmentHost is the APNs sandbox server hostname.
	DevelopmentHost = "api.sandbox.push.apple.com"

	defaultPort           = 443
	defaultPoolCapacity   = 1
	defaultConnectTimeout = 10 * time.Second
	defaultPingInterval   = 60 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultDrainTimeout   = 10 * time.Second
)

// config accumulates everything an Option can set before NewClient
// validates and wires it into the engine.
type config struct {
	host string
	port int

	tlsCert  *tls.Certificate
	signKey  *ecdsa.PrivateKey
	keyID    string
	teamID   string
	tokenTTL time.Duration

	poolCapacity   int
	connectTimeout time.Duration
	pingInterval   time.Duration
	pingTimeout    time.Duration
	drainTimeout   time.Duration
	dialer         channel.DialFunc
	insecureSkipVerify bool

	listener metrics.Listener
	logger   *zap.Logger
}

func defaultConfig() *config {
	return &config{
		host:           ProductionHost,
		port:           defaultPort,
		poolCapacity:   defaultPoolCapacity,
		connectTimeout: defaultConnectTimeout,
		pingInterval:   defaultPingInterval,
		pingTimeout:    defaultPingTimeout,
		drainTimeout:   defaultDrainTimeout,
	}
}

// Option configures a Client at construction time, following the
// functional-options idiom the teacher's appleapi.Option used.
type Option func(*config)

// WithDevelopmentServer points the client at APNs' sandbox host instead
// of production.
func WithDevelopmentServer() Option {
	return func(c *config) { c.host = DevelopmentHost }
}

// WithServer overrides both host and port, for testing against a local
// APNs-compatible HTTP/2 server.
func WithServer(host string, port int) Option {
	return func(c *config) {
		c.host = host
		c.port = port
	}
}

// WithTLSCertificate configures mutual-TLS authentication using a
// loaded client certificate (see the certificate package for loading a
// .p12 file). Mutually exclusive with WithSigningKey.
func WithTLSCertificate(cert *tls.Certificate) Option {
	return func(c *config) { c.tlsCert = cert }
}

// WithSigningKey configures token-based authentication: an ECDSA P-256
// private key (see internal/auth.ParseSigningKey for loading a .p8
// file), its 10-character key ID, and the 10-character team ID.
// Mutually exclusive with WithTLSCertificate.
func WithSigningKey(key *ecdsa.PrivateKey, keyID, teamID string) Option {
	return func(c *config) {
		c.signKey = key
		c.keyID = keyID
		c.teamID = teamID
	}
}

// WithTokenRefreshInterval overrides how often the provider token is
// re-signed. Defaults to auth.DefaultRefreshInterval.
func WithTokenRefreshInterval(d time.Duration) Option {
	return func(c *config) { c.tokenTTL = d }
}

// WithPoolCapacity overrides the maximum number of concurrently open
// HTTP/2 connections. Defaults to 1.
func WithPoolCapacity(n int) Option {
	return func(c *config) { c.poolCapacity = n }
}

// WithConnectTimeout overrides the dial+TLS+HTTP/2-handshake deadline
// for a single connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) { c.connectTimeout = d }
}

// WithPingInterval overrides how often an idle connection is health
// checked with an HTTP/2 PING frame.
func WithPingInterval(d time.Duration) Option {
	return func(c *config) { c.pingInterval = d }
}

// WithPingTimeout overrides how long a PING may go unanswered before
// the connection is considered dead.
func WithPingTimeout(d time.Duration) Option {
	return func(c *config) { c.pingTimeout = d }
}

// WithDrainTimeout overrides how long Close waits for in-flight
// notifications to complete before forcing connections shut.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *config) { c.drainTimeout = d }
}

// WithDialFunc overrides how the underlying TCP connection is dialed,
// for routing through a proxy.
func WithDialFunc(dial channel.DialFunc) Option {
	return func(c *config) { c.dialer = dial }
}

// WithInsecureSkipVerify disables TLS certificate verification. Tests
// only; never use against the real APNs endpoints.
func WithInsecureSkipVerify() Option {
	return func(c *config) { c.insecureSkipVerify = true }
}

// WithMetricsListener attaches a metrics.Listener that receives engine
// lifecycle events. See the metrics package.
func WithMetricsListener(l metrics.Listener) Option {
	return func(c *config) { c.listener = l }
}

// WithLogger attaches a zap.Logger for structured diagnostic logging.
// Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func (c *config) validate() error {
	if c.tlsCert != nil && c.signKey != nil {
		return fmt.Errorf("%w: both TLS certificate and signing key configured, pick one auth method", ErrConfiguration)
	}
	if c.tlsCert == nil && c.signKey == nil {
		return fmt.Errorf("%w: no authentication configured, call WithTLSCertificate or WithSigningKey", ErrConfiguration)
	}
	if c.host == "" {
		return fmt.Errorf("%w: server host is empty", ErrConfiguration)
	}
	if c.poolCapacity < 1 {
		return fmt.Errorf("%w: pool capacity must be at least 1", ErrConfiguration)
	}
	return nil
}

func (c *config) buildAuthProvider() (*auth.Provider, error) {
	if c.signKey == nil {
		return nil, nil
	}
	return auth.NewProvider(c.keyID, c.teamID, c.signKey, c.tokenTTL)
}

func (c *config) buildTLSConfig() *tls.Config {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: c.insecureSkipVerify,
	}
	if c.tlsCert != nil {
		tlsCfg.Certificates = []tls.Certificate{*c.tlsCert}
	}
	return tlsCfg
}
