package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestServer starts a local HTTP/2 TLS server and a Factory already
// configured with a certificate pool trusting it, mirroring the
// teacher's own httptest-based client tests but over HTTP/2.
func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Factory) {
	t.Helper()

	ts := httptest.NewUnstartedServer(handler)
	ts.EnableHTTP2 = true
	ts.StartTLS()
	t.Cleanup(ts.Close)

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	f := NewFactory(FactoryConfig{
		Host:         host,
		Port:         port,
		TLSConfig:    &tls.Config{RootCAs: pool},
		PingInterval: 50 * time.Millisecond,
		PingTimeout:  time.Second,
	})
	return ts, f
}

func TestConnection_DispatchAccepted(t *testing.T) {
	_, f := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/3/device/abc123", r.URL.Path)
		require.Equal(t, "com.example.app", r.Header.Get("apns-topic"))
		w.Header().Set("apns-id", "11111111-2222-3333-4444-555555555555")
		w.WriteHeader(http.StatusOK)
	})

	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	defer conn.forceClose("test cleanup")

	outcome, err := conn.Dispatch(context.Background(), &NotificationRequest{
		DeviceToken: "abc123",
		Topic:       "com.example.app",
		Payload:     []byte(`{"aps":{"alert":"hi"}}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.Equal(t, "11111111-2222-3333-4444-555555555555", outcome.ApnsID)
}

func TestConnection_DispatchRejected(t *testing.T) {
	_, f := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("apns-id", "dead-id")
		w.WriteHeader(http.StatusGone)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"reason":    "Unregistered",
			"timestamp": 1700000000000,
		})
	})

	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	defer conn.forceClose("test cleanup")

	_, err = conn.Dispatch(context.Background(), &NotificationRequest{
		DeviceToken: "abc123",
		Topic:       "com.example.app",
		Payload:     []byte(`{}`),
	})
	require.Error(t, err)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, http.StatusGone, rej.StatusCode)
	require.Equal(t, "Unregistered", rej.Reason)
	require.NotNil(t, rej.TimestampMillis)
	require.EqualValues(t, 1700000000000, *rej.TimestampMillis)
}

func TestConnection_DispatchRespectsAdmissionLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	_, f := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})

	conn, err := f.Create(context.Background())
	require.NoError(t, err)
	defer conn.forceClose("test cleanup")
	conn.admission.setLimit(1)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = conn.Dispatch(context.Background(), &NotificationRequest{
				DeviceToken: "abc123",
				Topic:       "com.example.app",
				Payload:     []byte(`{}`),
			})
			done <- struct{}{}
		}()
	}

	<-started
	select {
	case <-started:
		t.Fatal("second request should not start until the first's stream slot is released")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-done
	<-done
}

func TestConnection_CloseDrainsGracefully(t *testing.T) {
	_, f := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	conn, err := f.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
	require.Equal(t, StateClosed, conn.State())
}
