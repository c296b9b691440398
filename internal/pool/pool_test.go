package pool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soramame-dev/apns/internal/channel"
)

func newTestFactory(t *testing.T, handler http.HandlerFunc) *channel.Factory {
	t.Helper()

	ts := httptest.NewUnstartedServer(handler)
	ts.EnableHTTP2 = true
	ts.StartTLS()
	t.Cleanup(ts.Close)

	certPool := x509.NewCertPool()
	certPool.AddCert(ts.Certificate())

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return channel.NewFactory(channel.FactoryConfig{
		Host:      host,
		Port:      port,
		TLSConfig: &tls.Config{RootCAs: certPool},
	})
}

func TestConnectionPool_ReusesConnectionBeforeGrowing(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	p := NewConnectionPool(f, 2, nil)
	defer p.Close(time.Second)

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, c1)
	require.Equal(t, 1, p.Size())

	// The same connection is reused until it's out of admission
	// capacity, rather than opening a second one eagerly.
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, p.Size())
}

func TestConnectionPool_AcquireFailsAfterClose(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	p := NewConnectionPool(f, 1, nil)
	p.Close(time.Second)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestConnectionPool_AcquireRespectsContextCancellation(t *testing.T) {
	// A non-routable address blackholes the dial instead of refusing it
	// immediately, so Acquire's wait is bounded only by ctx, not by the
	// OS returning ECONNREFUSED.
	f := channel.NewFactory(channel.FactoryConfig{
		Host:           "10.255.255.1",
		Port:           1,
		ConnectTimeout: time.Minute,
	})
	p := NewConnectionPool(f, 1, nil)
	defer p.Close(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Acquire(ctx)
	require.Error(t, err)
}

func TestConnectionPool_Close_DrainsConnections(t *testing.T) {
	f := newTestFactory(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	p := NewConnectionPool(f, 1, nil)

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close(time.Second)
	require.Equal(t, channel.StateClosed, conn.State())
	require.Equal(t, 0, p.Size())
}
