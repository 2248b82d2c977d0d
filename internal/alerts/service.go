/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/events"
)

// AlertType classifies operational alerts.
type AlertType string

const (
	AlertEncoderFailed   AlertType = "encoder_failed"
	AlertIngestFailed    AlertType = "ingest_failed"
	AlertRecordingFailed AlertType = "recording_failed"
	AlertMixFailover     AlertType = "mix_failover"
)

// Alert describes an operational condition that needs attention.
type Alert struct {
	Type       AlertType
	RoomID     string
	ResourceID string
	Message    string
	Details    map[string]any
}

// Alerter is implemented by components that can raise operational alerts.
// Media supervisors call it when a resource exhausts its retries.
type Alerter interface {
	RaiseAlert(ctx context.Context, alert Alert)
}

// Config holds alert delivery configuration.
type Config struct {
	// SMTP settings; email delivery is disabled when SMTPHost is empty.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// Recipient is the operations address alerts are mailed to.
	Recipient string

	// Cooldown suppresses repeat emails for the same alert key.
	Cooldown time.Duration
}

// ConfigFromEnv loads configuration from environment variables.
func ConfigFromEnv() Config {
	port, _ := strconv.Atoi(getEnv("HERMOD_SMTP_PORT", "587"))
	cooldown, err := time.ParseDuration(getEnv("HERMOD_ALERT_COOLDOWN", "5m"))
	if err != nil {
		cooldown = 5 * time.Minute
	}

	return Config{
		SMTPHost:     getEnv("HERMOD_SMTP_HOST", ""),
		SMTPPort:     port,
		SMTPUsername: getEnv("HERMOD_SMTP_USERNAME", ""),
		SMTPPassword: getEnv("HERMOD_SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("HERMOD_SMTP_FROM", "noreply@example.com"),
		SMTPFromName: getEnv("HERMOD_SMTP_FROM_NAME", "Hermod Studio"),
		Recipient:    getEnv("HERMOD_ALERT_EMAIL", ""),
		Cooldown:     cooldown,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Service is the default Alerter. Every alert is logged at error level and
// published on the bus as alert.raised; when SMTP and a recipient are
// configured, alerts are also mailed, throttled per alert key.
type Service struct {
	bus    *events.Bus
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewService creates the default alert service.
func NewService(bus *events.Bus, config Config, logger zerolog.Logger) *Service {
	return &Service{
		bus:      bus,
		config:   config,
		logger:   logger.With().Str("component", "alerts").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// RaiseAlert logs, publishes, and optionally mails the alert.
func (s *Service) RaiseAlert(ctx context.Context, alert Alert) {
	s.logger.Error().
		Str("type", string(alert.Type)).
		Str("room_id", alert.RoomID).
		Str("resource_id", alert.ResourceID).
		Str("message", alert.Message).
		Msg("alert raised")

	payload := events.Payload{
		"type":        string(alert.Type),
		"room_id":     alert.RoomID,
		"resource_id": alert.ResourceID,
		"message":     alert.Message,
	}
	for k, v := range alert.Details {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	s.bus.Publish(events.EventAlertRaised, payload)

	if s.config.SMTPHost == "" || s.config.Recipient == "" {
		return
	}

	key := string(alert.Type) + "/" + alert.ResourceID
	if !s.shouldDeliver(key, time.Now()) {
		return
	}

	// Mail delivery must not block the caller's supervision loop.
	go func() {
		if err := s.sendEmail(alert); err != nil {
			s.logger.Warn().Err(err).
				Str("type", string(alert.Type)).
				Msg("failed to send alert email")
		}
	}()
}

// shouldDeliver reports whether the cooldown for the given key has elapsed,
// and records the delivery time when it has.
func (s *Service) shouldDeliver(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.config.Cooldown {
		return false
	}
	s.lastSent[key] = now
	return true
}

func (s *Service) sendEmail(alert Alert) error {
	from := s.config.SMTPFrom
	if s.config.SMTPFromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.SMTPFromName, s.config.SMTPFrom)
	}

	subject := fmt.Sprintf("[hermod] %s: %s", alert.Type, alert.Message)

	body := strings.Builder{}
	body.WriteString(fmt.Sprintf("Alert type: %s\r\n", alert.Type))
	if alert.RoomID != "" {
		body.WriteString(fmt.Sprintf("Room: %s\r\n", alert.RoomID))
	}
	if alert.ResourceID != "" {
		body.WriteString(fmt.Sprintf("Resource: %s\r\n", alert.ResourceID))
	}
	body.WriteString(fmt.Sprintf("Message: %s\r\n", alert.Message))
	for k, v := range alert.Details {
		body.WriteString(fmt.Sprintf("%s: %v\r\n", k, v))
	}

	msg := strings.Builder{}
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", s.config.Recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body.String())

	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	var auth smtp.Auth
	if s.config.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)
	}

	if err := smtp.SendMail(addr, auth, s.config.SMTPFrom, []string{s.config.Recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}

	s.logger.Info().
		Str("type", string(alert.Type)).
		Str("to", s.config.Recipient).
		Msg("alert email sent")

	return nil
}
