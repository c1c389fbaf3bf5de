package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"marketOpenBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logLine struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (r *recordingLogger) add(level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, logLine{level, msg})
}

func (r *recordingLogger) snapshot() []logLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logLine(nil), r.lines...)
}

func (r *recordingLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	r.add("debug", msg)
}
func (r *recordingLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	r.add("info", msg)
}
func (r *recordingLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	r.add("warn", msg)
}
func (r *recordingLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	r.add("error", msg)
}

type sentAlert struct {
	title, message string
	priority       ports.AlertPriority
}

type mockAlerter struct {
	mu     sync.Mutex
	alerts []sentAlert
	err    error
}

func (m *mockAlerter) Alert(ctx context.Context, title, message string, priority ports.AlertPriority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, sentAlert{title, message, priority})
	return m.err
}

func (m *mockAlerter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

var (
	_ ports.Alerter = (*HomeAssistant)(nil)
	_ ports.Alerter = (*LogAlerter)(nil)
	_ ports.Alerter = Multi(nil)
	_ ports.Logger  = (*ErrorForwarder)(nil)
)

func TestHomeAssistant(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody = nil
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ha, err := NewHomeAssistant(srv.URL+"/", "token-1", "notify.mobile_app_pixel_8", &recordingLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, ha.Alert(ctx, "Session started", "london", ports.AlertInfo))
	assert.Equal(t, "/api/services/notify/mobile_app_pixel_8", gotPath)
	assert.Equal(t, "Bearer token-1", gotAuth)
	assert.Equal(t, "Session started", gotBody["title"])
	assert.NotContains(t, gotBody, "data")

	require.NoError(t, ha.Alert(ctx, "Stop failed", "D1 unprotected", ports.AlertCritical))
	data, ok := gotBody["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "high", data["priority"])
	assert.Equal(t, "alarm", data["channel"])
}

func TestHomeAssistant_Errors(t *testing.T) {
	_, err := NewHomeAssistant("", "t", "e", nil)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	ha, err := NewHomeAssistant(srv.URL, "bad", "phone", nil)
	require.NoError(t, err)
	assert.Error(t, ha.Alert(context.Background(), "t", "m", ports.AlertInfo))

	srv.Close()
	assert.ErrorIs(t, ha.Alert(context.Background(), "t", "m", ports.AlertInfo), ports.ErrConnectivity)
}

func TestLogAlerterAndMulti(t *testing.T) {
	logs := &recordingLogger{}
	failing := &mockAlerter{err: errors.New("offline")}
	ok := &mockAlerter{}
	multi := Multi{NewLogAlerter(logs), failing, ok}

	err := multi.Alert(context.Background(), "t", "unmonitored position", ports.AlertCritical)
	assert.ErrorContains(t, err, "offline")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, []logLine{{"error", "ALERT"}}, logs.snapshot())

	require.NoError(t, NewLogAlerter(logs).Alert(context.Background(), "t", "m", ports.AlertWarning))
	assert.Equal(t, "warn", logs.snapshot()[1].level)
}

func TestErrorForwarder(t *testing.T) {
	logs := &recordingLogger{}
	alerts := &mockAlerter{}
	l := ForwardErrors(logs, alerts)
	ctx := context.Background()

	l.Info(ctx, "quiet")
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	l.Error(ctx, errors.New(string(long)), "stream failed")

	require.Eventually(t, func() bool { return alerts.count() == 1 }, time.Second, 5*time.Millisecond)
	alerts.mu.Lock()
	got := alerts.alerts[0]
	alerts.mu.Unlock()
	assert.Equal(t, ports.AlertCritical, got.priority)
	assert.Len(t, got.message, maxAlertMessage+3)
	assert.Equal(t, []logLine{{"info", "quiet"}, {"error", "stream failed"}}, logs.snapshot())
}
