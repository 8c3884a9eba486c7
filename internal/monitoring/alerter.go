// Package monitoring checks finished resolution runs against alert
// thresholds and posts breaches to a webhook.
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

	"github.com/sells-group/entity-resolver/internal/config"
	"github.com/sells-group/entity-resolver/internal/resolver"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "resolution_failure_rate"
	AlertReviewRate  AlertType = "review_rate"
	AlertRequeued    AlertType = "provider_requeue"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Snapshot is the part of a run report the thresholds look at.
type Snapshot struct {
	RunID    string
	TenantID string
	Total    int
	Failed   int
	Flagged  int
	Requeued int
}

// SnapshotOf summarizes rep. Malformed observations count as failures.
func SnapshotOf(rep *resolver.Report) Snapshot {
	return Snapshot{
		RunID:    rep.RunID,
		TenantID: rep.TenantID,
		Total:    rep.Total(),
		Failed:   len(rep.Failures),
		Flagged:  len(rep.Review),
		Requeued: rep.Requeued,
	}
}

func (s Snapshot) rate(n int) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(n) / float64(s.Total)
}

// Alerter evaluates run snapshots against configured thresholds
// and sends alerts via webhook when thresholds are breached.
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

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	alert := func(t AlertType, severity, msg string, details map[string]any) {
		alerts = append(alerts, Alert{
			Type:      t,
			Severity:  severity,
			Message:   msg,
			RunID:     snap.RunID,
			TenantID:  snap.TenantID,
			Details:   details,
			Timestamp: now,
		})
	}

	// Rates on tiny runs are noise.
	if snap.Total >= a.cfg.MinObservations {
		if rate := snap.rate(snap.Failed); a.cfg.FailureRateThreshold > 0 && rate > a.cfg.FailureRateThreshold {
			alert(AlertFailureRate, "high", fmt.Sprintf(
				"Resolution failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d observations)",
				rate*100, a.cfg.FailureRateThreshold*100, snap.Failed, snap.Total,
			), map[string]any{
				"failure_rate": rate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"total":        snap.Total,
			})
		}
		if rate := snap.rate(snap.Flagged); a.cfg.ReviewRateThreshold > 0 && rate > a.cfg.ReviewRateThreshold {
			alert(AlertReviewRate, "medium", fmt.Sprintf(
				"%.1f%% of observations flagged for review, threshold %.1f%% (%d / %d)",
				rate*100, a.cfg.ReviewRateThreshold*100, snap.Flagged, snap.Total,
			), map[string]any{
				"review_rate": rate,
				"threshold":   a.cfg.ReviewRateThreshold,
				"flagged":     snap.Flagged,
				"total":       snap.Total,
			})
		}
	}

	if snap.Requeued > 0 {
		alert(AlertRequeued, "medium", fmt.Sprintf(
			"%d provider lookup(s) failed transiently and were requeued",
			snap.Requeued,
		), map[string]any{"requeued": snap.Requeued})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		zap.L().Warn("monitoring: alert triggered",
			zap.String("type", string(alert.Type)),
			zap.String("run_id", alert.RunID),
			zap.String("message", alert.Message),
		)
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// Check evaluates rep and sends whatever it triggers.
func (a *Alerter) Check(ctx context.Context, rep *resolver.Report) int {
	return a.SendAlerts(ctx, a.Evaluate(SnapshotOf(rep)))
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
