package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/config"
	"github.com/platevision/monitor-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStreamDown  AlertType = "stream_disconnected"
	AlertSystemAlert AlertType = "system_alert"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter raises webhook alerts when the stream settles disconnected and
// forwards system_alert events from the backend. With no webhook URL
// configured every delivery is a noop.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu           sync.Mutex
	downObserved int
	downAlerted  bool
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// The disconnect alert fires once after the configured number of
// consecutive down observations and re-arms when the stream recovers.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	after := a.cfg.AlertAfterFailures
	if after <= 0 {
		after = 3
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.SessionRunning && snap.ConnState == model.ConnDisconnected {
		a.downObserved++
		if a.downObserved >= after && !a.downAlerted {
			a.downAlerted = true
			alerts = append(alerts, Alert{
				Type:     AlertStreamDown,
				Severity: "high",
				Message: fmt.Sprintf(
					"Stream disconnected with reconnect budget exhausted (%d attempts, down for %d consecutive checks)",
					snap.ReconnectAttempts, a.downObserved,
				),
				Details: map[string]any{
					"conn_state":         snap.ConnState,
					"reconnect_attempts": snap.ReconnectAttempts,
					"checks_down":        a.downObserved,
					"events_received":    snap.EventsReceived,
				},
				Timestamp: now,
			})
		}
	} else {
		a.downObserved = 0
		a.downAlerted = false
	}

	return alerts
}

// OnSystemAlert forwards one system_alert event to the webhook. It is
// shaped as a bus handler for the system_alert topic; it runs on the event
// timeline, so delivery is handed off and never blocks the stream.
func (a *Alerter) OnSystemAlert(payload any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return
	}
	var sa model.SystemAlert
	if err := json.Unmarshal(raw, &sa); err != nil {
		zap.L().Debug("monitoring: malformed system alert", zap.Error(err))
		return
	}

	severity := sa.Level
	if severity == "" {
		severity = "info"
	}
	alert := Alert{
		Type:     AlertSystemAlert,
		Severity: severity,
		Message:  sa.Message,
		Details: map[string]any{
			"source": sa.Source,
		},
		Timestamp: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.SendAlerts(ctx, []Alert{alert})
	}()
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
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
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
