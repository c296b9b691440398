package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFactory_BackoffGrowsAndClampsAndResets(t *testing.T) {
	f := NewFactory(FactoryConfig{Host: "localhost"})
	require.Equal(t, int64(0), f.delayNanos.Load())

	f.recordFailure()
	require.Equal(t, int64(minBackoff), f.delayNanos.Load())

	f.recordFailure()
	require.Equal(t, int64(2*minBackoff), f.delayNanos.Load())

	for i := 0; i < 10; i++ {
		f.recordFailure()
	}
	require.Equal(t, int64(maxBackoff), f.delayNanos.Load(), "backoff must clamp at maxBackoff")

	f.recordSuccess()
	require.Equal(t, int64(0), f.delayNanos.Load())
}

func TestNewFactory_AppliesDefaults(t *testing.T) {
	f := NewFactory(FactoryConfig{Host: "api.push.apple.com"})
	require.Equal(t, 443, f.cfg.Port)
	require.Equal(t, defaultConnectTimeout, f.cfg.ConnectTimeout)
	require.NotNil(t, f.cfg.DialContext)
	require.NotNil(t, f.cfg.TLSConfig)
	require.NotNil(t, f.cfg.Logger)
}

func TestFactory_CreateHonorsContextCancellationDuringBackoff(t *testing.T) {
	f := NewFactory(FactoryConfig{Host: "127.0.0.1", Port: 1})
	f.delayNanos.Store(int64(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Create(ctx)
	require.Error(t, err)
}
