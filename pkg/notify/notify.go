package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
	"github.com/cuemby/shepherd/pkg/metrics"
)

// Target delivers one kind of notification. Implementations are best-effort:
// errors are reported but never retried.
type Target interface {
	// Notify posts a deploy message.
	Notify(ctx context.Context, message string) error
	// NotifyState posts a controller state transition.
	NotifyState(ctx context.Context, state, message string) error
}

// Notifier fans a message out to every configured target. Targets are
// independent: one failure does not cancel the others and never fails the
// cycle.
type Notifier struct {
	targets []Target
	logger  zerolog.Logger
}

// New builds a Notifier from configuration. Disabled entries are dropped and
// unknown service kinds are skipped with a warning.
func New(cfgs []config.NotificationConfig, timeout time.Duration) *Notifier {
	logger := log.WithComponent("notify")
	n := &Notifier{logger: logger}

	client := &http.Client{Timeout: timeout}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		service, ok := config.ParseNotificationService(cfg.Service)
		if !ok {
			logger.Warn().Str("service", cfg.Service).Msg("unknown notification service, skipping")
			continue
		}
		switch service {
		case config.ServiceMattermost:
			n.targets = append(n.targets, &Mattermost{cfg: cfg, client: client})
		}
	}
	return n
}

// Targets returns the number of active targets.
func (n *Notifier) Targets() int { return len(n.targets) }

// Notify posts message to every target. Failures are logged and counted, not
// returned; notifications never affect the cycle outcome.
func (n *Notifier) Notify(ctx context.Context, message string) {
	for _, target := range n.targets {
		if err := target.Notify(ctx, message); err != nil {
			n.logger.Warn().Err(err).Msg("notification failed")
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	}
}

// NotifyState posts a controller state transition to every target.
func (n *Notifier) NotifyState(ctx context.Context, state, message string) {
	for _, target := range n.targets {
		if err := target.NotifyState(ctx, state, message); err != nil {
			n.logger.Warn().Err(err).Msg("state notification failed")
		}
	}
}

// Mattermost posts to a Mattermost webhook using a personal access token.
type Mattermost struct {
	cfg    config.NotificationConfig
	client *http.Client
}

// Notify posts the configured base message, with the cycle message appended
// on its own line when present.
func (m *Mattermost) Notify(ctx context.Context, message string) error {
	text := m.cfg.Message
	if message != "" {
		text = fmt.Sprintf("%s\n%s", m.cfg.Message, message)
	}
	return m.post(ctx, map[string]string{
		"channel_id": m.cfg.ChannelID,
		"message":    text,
	})
}

// NotifyState posts a state transition. The configured header_unique_name
// identifies this controller instance in shared channels.
func (m *Mattermost) NotifyState(ctx context.Context, state, message string) error {
	text := fmt.Sprintf("[%s] state: %s", m.cfg.HeaderUniqueName, state)
	if message != "" {
		text = fmt.Sprintf("%s\n%s", text, message)
	}
	return m.post(ctx, map[string]string{
		"channel_id": m.cfg.ChannelID,
		"message":    text,
	})
}

func (m *Mattermost) post(ctx context.Context, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errkind.Wrap(errkind.NotificationFailed, "mattermost post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.PersonalToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.NotificationFailed, "mattermost post", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errkind.Errorf(errkind.NotificationFailed, "mattermost post", "webhook returned %d", resp.StatusCode)
	}
	return nil
}
