package oxia

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/oxia-db/oxia/oxiad/dataserver"
	"github.com/stretchr/testify/require"
)

// minSessionTimeout is the smallest session timeout Oxia accepts.
const minSessionTimeout = 5 * time.Second

// startTestServer returns the address of an Oxia server: the one named by
// OXIA_SERVICE_ADDRESS, or an embedded standalone server closed at cleanup.
func startTestServer(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("OXIA_SERVICE_ADDRESS"); addr != "" {
		return addr
	}
	if testing.Short() {
		t.Skip("embedded oxia server skipped in short mode")
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { standalone.Close() })
	return standalone.ServiceAddr()
}

func newTestStore(t *testing.T, addr string) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{
		ServiceAddress: addr,
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: minSessionTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
