package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/config"
)

func TestAlerter_Evaluate(t *testing.T) {
	snap, err := newTestCollector(fleet()).Collect(context.Background())
	require.NoError(t, err)

	alerts := NewAlerter(config.MonitoringConfig{}).Evaluate(snap)
	require.Len(t, alerts, 4)

	byType := make(map[AlertType]Alert)
	for _, a := range alerts {
		byType[a.Type] = a
	}

	offline := byType[AlertSourceOffline]
	assert.Equal(t, "down", offline.SourceID)
	assert.Equal(t, SeverityCritical, offline.Severity)
	assert.Contains(t, offline.Message, "3 consecutive failed runs")
	assert.Equal(t, "s-3", offline.Details["last_sync_id"])

	overdue := byType[AlertSourceOverdue]
	assert.Equal(t, "late", overdue.SourceID)
	assert.Equal(t, SeverityHigh, overdue.Severity)
	assert.Contains(t, overdue.Message, "2h0m0s ago")

	assert.Equal(t, SeverityMedium, byType[AlertSourceDegraded].Severity)

	never := byType[AlertSourceNeverSynced]
	assert.True(t, never.Informational())
	assert.Equal(t, checkTime, never.Timestamp)
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	st := fleet()
	st.states = st.states[:1]
	snap, err := newTestCollector(st).Collect(context.Background())
	require.NoError(t, err)

	assert.Empty(t, NewAlerter(config.MonitoringConfig{}).Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		assert.NotEmpty(t, alert.SourceID)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertSourceOffline, SourceID: "down", Severity: SeverityCritical, Message: "test alert 1"},
		{Type: AlertSourceOverdue, SourceID: "late", Severity: SeverityHigh, Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSourceOffline, SourceID: "down", Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSourceOffline, SourceID: "down", Message: "test"},
	})
	assert.Equal(t, 0, sent)
}
