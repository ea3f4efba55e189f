package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"voicebox/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.FrameSent(domain.FrameAudio, 100)
	c.FrameSent(domain.FrameAudio, 100)
	c.FrameReceived(domain.FrameText, 10)
	c.FrameDropped(domain.FrameAudio, "queue_full")
	c.ConnectionOpened(domain.DirectionOutbound)
	c.ConnectionOpened(domain.DirectionInbound)
	c.ConnectionClosed(domain.DirectionInbound, 3*time.Second)
	c.DirectoryOperation("lookup", 5*time.Millisecond, errors.New("down"))
	c.PeerLoss("10.0.0.2:9000", 0.25)
	c.MuteChanged(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesSent.WithLabelValues("audio")))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesReceived.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("audio", "queue_full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsActive.WithLabelValues("outbound")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionsActive.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.directoryErrors.WithLabelValues("lookup")))
	assert.Equal(t, 0.25, testutil.ToFloat64(c.peerLossRatio.WithLabelValues("10.0.0.2:9000")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.muted))

	c.ForgetPeer("10.0.0.2:9000")
	assert.Equal(t, 0, testutil.CollectAndCount(c.peerLossRatio))
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddStoreCheck(fakeStore{}, time.Second)

	status := h.CheckAll(context.Background())
	require.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["directory"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)
	h.AddStoreCheck(fakeStore{err: errors.New("redis unreachable")}, time.Second)

	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
	assert.False(t, h.IsReady(context.Background()))
}
