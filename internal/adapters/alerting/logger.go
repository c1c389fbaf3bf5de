package alerting

import (
	"context"
	"fmt"
	"time"

	"marketOpenBot/internal/ports"
)

const maxAlertMessage = 200

// ErrorForwarder is a ports.Logger that also pushes every Error line to an alerter.
// Delivery is asynchronous; a failed delivery is written to the wrapped logger at Warn.
type ErrorForwarder struct {
	ports.Logger
	alerter ports.Alerter
	timeout time.Duration
}

// ForwardErrors wraps next so its Error calls raise high priority alerts.
func ForwardErrors(next ports.Logger, alerter ports.Alerter) *ErrorForwarder {
	return &ErrorForwarder{Logger: next, alerter: alerter, timeout: 10 * time.Second}
}

// Error logs then alerts.
func (f *ErrorForwarder) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	f.Logger.Error(ctx, err, msg, fields...)

	text := msg
	if err != nil {
		text = fmt.Sprintf("%s: %v", msg, err)
	}
	if len(text) > maxAlertMessage {
		text = text[:maxAlertMessage] + "..."
	}
	go func() {
		actx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if aerr := f.alerter.Alert(actx, "TRADER ALERT: ERROR", text, ports.AlertCritical); aerr != nil {
			f.Logger.Warn(actx, "Failed to deliver error alert", map[string]interface{}{"error": aerr.Error()})
		}
	}()
}
