package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestStartWithEmptyAddrIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, err := Start("", reg)
	require.NoError(t, err)
	require.Nil(t, srv)
	require.False(t, IsEnabled())

	// Stop on a nil *Server must not panic.
	require.NoError(t, srv.Stop(context.Background()))
}

func TestStartServesMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.BytesHydrated.Add(1024)

	srv, err := Start("127.0.0.1:0", reg)
	require.NoError(t, err)
	require.NotNil(t, srv)
	require.True(t, IsEnabled())
	defer srv.Stop(context.Background())

	// Start runs ListenAndServe in a background goroutine, so give it a
	// moment to come up. The assertion below does not depend on the
	// listener anyway: New's collectors are registered regardless of
	// whether it is up.
	time.Sleep(10 * time.Millisecond)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "lnxdrive_bytes_hydrated_total" {
			found = true
		}
	}
	require.True(t, found)
}

func TestNewRegistersDistinctCollectorsPerRegistry(t *testing.T) {
	regA := prometheus.NewRegistry()
	regB := prometheus.NewRegistry()

	mA := New(regA)
	mB := New(regB)

	mA.Evictions.WithLabelValues("sweep").Inc()
	mB.Evictions.WithLabelValues("on_close").Inc()

	famA, err := regA.Gather()
	require.NoError(t, err)
	famB, err := regB.Gather()
	require.NoError(t, err)
	require.Len(t, famA, len(famB))
}
