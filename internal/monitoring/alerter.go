package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/config"
	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/syncstate"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceOverdue     AlertType = "source_overdue"
	AlertSourceDegraded    AlertType = "source_degraded"
	AlertSourceOffline     AlertType = "source_offline"
	AlertSourceNeverSynced AlertType = "source_never_synced"
)

// Severities, lowest first.
const (
	SeverityInfo     = "info"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	SourceID  string         `json:"source_id"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Informational reports whether the alert needs no operator action.
func (a Alert) Informational() bool {
	return a.Severity == SeverityInfo
}

// Alerter turns a HealthSnapshot into alerts and sends them via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns one alert per source whose alert status is not OK.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	for _, s := range snap.Sources {
		alert, ok := alertFor(s, snap.CollectedAt)
		if ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func alertFor(s SourceHealth, now time.Time) (Alert, bool) {
	alert := Alert{
		SourceID: s.SourceID,
		Details: map[string]any{
			"health_status":        s.Health,
			"consecutive_failures": s.ConsecutiveFailures,
		},
		Timestamp: now,
	}
	if s.LastRun != nil {
		alert.Details["last_sync_id"] = s.LastRun.SyncID
		alert.Details["last_sync_status"] = s.LastRun.Status
	}

	switch s.Alert {
	case model.AlertNeverSynced:
		alert.Type = AlertSourceNeverSynced
		alert.Severity = SeverityInfo
		alert.Message = fmt.Sprintf("Source %s has never completed a sync", s.SourceID)
	case model.AlertOverdue:
		alert.Type = AlertSourceOverdue
		alert.Severity = SeverityHigh
		since := now.Sub(*s.LastSyncTimestamp).Round(time.Minute)
		alert.Message = fmt.Sprintf("Source %s last synced %s ago (limit %.1fx its frequency)",
			s.SourceID, since, syncstate.OverdueFactor)
		alert.Details["last_sync_timestamp"] = s.LastSyncTimestamp
	case model.AlertOffline:
		alert.Type = AlertSourceOffline
		alert.Severity = SeverityCritical
		alert.Message = fmt.Sprintf("Source %s is offline after %d consecutive failed runs",
			s.SourceID, s.ConsecutiveFailures)
	case model.AlertDegraded:
		alert.Type = AlertSourceDegraded
		alert.Severity = SeverityMedium
		alert.Message = fmt.Sprintf("Source %s is degraded (%d consecutive failed runs)",
			s.SourceID, s.ConsecutiveFailures)
	default:
		return Alert{}, false
	}
	return alert, true
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("source_id", alert.SourceID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("source_id", alert.SourceID),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
