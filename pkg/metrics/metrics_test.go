package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersByAdapter(t *testing.T) {
	m := NewMetrics()

	m.MessageReceived("slack")
	m.MessageReceived("slack")
	m.MessageReceived("telegram")
	m.MessageDropped("slack", "empty_text")
	m.ReplySent("slack")
	m.ReplyFailed("slack")
	m.PrivateIgnored("slack")

	require.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("slack")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("telegram")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDroppedTotal.WithLabelValues("slack", "empty_text")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RepliesSentTotal.WithLabelValues("slack")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RepliesFailedTotal.WithLabelValues("slack")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.PrivateIgnoredTotal.WithLabelValues("slack")))
}

func TestSetRunning(t *testing.T) {
	m := NewMetrics()

	m.SetRunning("slack", UnitSender, true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.UnitsRunning.WithLabelValues("slack", UnitSender)))

	m.SetRunning("slack", UnitSender, false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.UnitsRunning.WithLabelValues("slack", UnitSender)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.MessageReceived("slack")
	m.MessageDropped("slack", "empty_text")
	m.ReplySent("slack")
	m.ReplyFailed("slack")
	m.PrivateIgnored("slack")
	m.SetRunning("slack", UnitReceiver, true)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.MessageReceived("slack")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "chatbridge_messages_received_total"))
}

func TestMetricsIsolation(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.ReplySent("slack")
	m1.ReplySent("slack")
	m2.ReplySent("slack")

	require.Equal(t, 2.0, testutil.ToFloat64(m1.RepliesSentTotal.WithLabelValues("slack")))
	require.Equal(t, 1.0, testutil.ToFloat64(m2.RepliesSentTotal.WithLabelValues("slack")))
}
