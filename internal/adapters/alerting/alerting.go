// Package alerting delivers operator notifications.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketOpenBot/internal/ports"
)

// HomeAssistant posts notifications to a Home Assistant notify service.
type HomeAssistant struct {
	url    string
	token  string
	Http   *http.Client
	logger ports.Logger
}

// NewHomeAssistant builds a notifier for entity (e.g. "notify.mobile_app_pixel_8" or "mobile_app_pixel_8").
func NewHomeAssistant(apiURL, token, entity string, logger ports.Logger) (*HomeAssistant, error) {
	if apiURL == "" || token == "" || entity == "" {
		return nil, fmt.Errorf("%w: Home Assistant URL, token and notify entity are required", ports.ErrConfigurationError)
	}
	service := strings.TrimPrefix(entity, "notify.")
	return &HomeAssistant{
		url:    strings.TrimRight(apiURL, "/") + "/api/services/notify/" + service,
		token:  token,
		Http:   &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}, nil
}

type pushSound struct {
	Name     string  `json:"name"`
	Critical int     `json:"critical"`
	Volume   float64 `json:"volume"`
}

type pushData struct {
	TTL      int    `json:"ttl"`
	Priority string `json:"priority"`
	Channel  string `json:"channel"`
	Push     struct {
		Sound pushSound `json:"sound"`
	} `json:"push"`
}

type notification struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Data    *pushData `json:"data,omitempty"`
}

// Alert implements ports.Alerter. Critical alerts bypass silent mode on the phone.
func (h *HomeAssistant) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	op := "Alert"
	n := notification{Title: title, Message: message}
	if priority == ports.AlertCritical {
		n.Data = &pushData{TTL: 0, Priority: "high", Channel: "alarm"}
		n.Data.Push.Sound = pushSound{Name: "default", Critical: 1, Volume: 1.0}
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Http.Do(req)
	if err != nil {
		return fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectivity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s failed: %w: Home Assistant status %d", op, ports.ErrBrokerUnavailable, resp.StatusCode)
	}
	if h.logger != nil {
		h.logger.Debug(ctx, "Notification sent", map[string]interface{}{"title": title, "priority": priority})
	}
	return nil
}

// LogAlerter writes alerts to the log. It is the fallback when no notifier is configured.
type LogAlerter struct {
	logger ports.Logger
}

// NewLogAlerter creates a log-only alerter.
func NewLogAlerter(logger ports.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert implements ports.Alerter.
func (l *LogAlerter) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	fields := map[string]interface{}{"title": title, "priority": priority}
	switch priority {
	case ports.AlertCritical:
		l.logger.Error(ctx, errors.New(message), "ALERT", fields)
	case ports.AlertWarning:
		l.logger.Warn(ctx, "ALERT: "+message, fields)
	default:
		l.logger.Info(ctx, "ALERT: "+message, fields)
	}
	return nil
}

// Multi fans an alert out to every alerter and joins their errors.
type Multi []ports.Alerter

// Alert implements ports.Alerter.
func (m Multi) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, title, message, priority); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
