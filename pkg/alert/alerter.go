// Package alert sends operator alerts to a chat webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-escrow/pkg/logger"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert message
type Alert struct {
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Environment string            `json:"environment"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Alerter is the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert *Alert) error
	SendAsync(ctx context.Context, alert *Alert)
	Close()
}

// Config holds alerter configuration
type Config struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	Environment        string `yaml:"environment" json:"environment"`
	ServiceName        string `yaml:"service_name" json:"service_name"`
	WebhookURL         string `yaml:"webhook_url" json:"webhook_url"`
	WebhookType        string `yaml:"webhook_type" json:"webhook_type"` // slack, generic
	WebhookTimeout     int    `yaml:"webhook_timeout" json:"webhook_timeout"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

type webhookAlerter struct {
	cfg    *Config
	client *http.Client

	mu          sync.Mutex
	alertCount  int
	windowStart time.Time

	asyncCh chan *Alert
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAlerter returns a webhook alerter, or a no-op one when disabled.
func NewAlerter(cfg *Config) Alerter {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return &noopAlerter{}
	}

	timeout := 10 * time.Second
	if cfg.WebhookTimeout > 0 {
		timeout = time.Duration(cfg.WebhookTimeout) * time.Second
	}

	a := &webhookAlerter{
		cfg:         cfg,
		client:      &http.Client{Timeout: timeout},
		windowStart: time.Now(),
		asyncCh:     make(chan *Alert, 100),
		stopCh:      make(chan struct{}),
	}

	a.wg.Add(1)
	go a.asyncWorker()

	return a
}

func (a *webhookAlerter) stamp(alert *Alert) {
	alert.Source = a.cfg.ServiceName
	alert.Environment = a.cfg.Environment
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
}

func (a *webhookAlerter) Send(ctx context.Context, alert *Alert) error {
	if !a.checkRateLimit() {
		logger.Warn("alert rate limited",
			zap.String("title", alert.Title),
			zap.String("severity", string(alert.Severity)))
		return nil
	}
	a.stamp(alert)
	return a.sendWebhook(ctx, alert)
}

func (a *webhookAlerter) SendAsync(ctx context.Context, alert *Alert) {
	a.stamp(alert)
	select {
	case a.asyncCh <- alert:
	default:
		logger.Warn("alert channel full, dropping alert", zap.String("title", alert.Title))
	}
}

func (a *webhookAlerter) asyncWorker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopCh:
			return
		case alert := <-a.asyncCh:
			if !a.checkRateLimit() {
				continue
			}
			if err := a.sendWebhook(context.Background(), alert); err != nil {
				logger.Error("async alert send failed",
					zap.String("title", alert.Title),
					zap.Error(err))
			}
		}
	}
}

func (a *webhookAlerter) checkRateLimit() bool {
	if a.cfg.RateLimitPerMinute <= 0 {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if now.Sub(a.windowStart) > time.Minute {
		a.windowStart = now
		a.alertCount = 0
	}
	if a.alertCount >= a.cfg.RateLimitPerMinute {
		return false
	}
	a.alertCount++
	return true
}

func (a *webhookAlerter) sendWebhook(ctx context.Context, alert *Alert) error {
	var (
		payload []byte
		err     error
	)
	if a.cfg.WebhookType == "slack" {
		payload, err = formatSlack(alert)
	} else {
		payload, err = json.Marshal(alert)
	}
	if err != nil {
		return fmt.Errorf("format alert failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func formatSlack(alert *Alert) ([]byte, error) {
	color := "#36a64f"
	switch alert.Severity {
	case SeverityWarning:
		color = "#ffc107"
	case SeverityCritical:
		color = "#dc3545"
	}

	fields := []map[string]interface{}{
		{"title": "Environment", "value": alert.Environment, "short": true},
		{"title": "Service", "value": alert.Source, "short": true},
	}
	keys := make([]string, 0, len(alert.Tags))
	for k := range alert.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{"title": k, "value": alert.Tags[k], "short": true})
	}

	return json.Marshal(map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  alert.Title,
				"text":   alert.Message,
				"fields": fields,
				"ts":     alert.Timestamp.Unix(),
			},
		},
	})
}

func (a *webhookAlerter) Close() {
	close(a.stopCh)
	a.wg.Wait()
}

type noopAlerter struct{}

func (n *noopAlerter) Send(ctx context.Context, alert *Alert) error { return nil }
func (n *noopAlerter) SendAsync(ctx context.Context, alert *Alert) {}
func (n *noopAlerter) Close()                                      {}
