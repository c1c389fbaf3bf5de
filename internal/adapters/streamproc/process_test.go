package streamproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"marketOpenBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var testSub = ports.StreamSubscription{
	CST: "cst-token", XST: "xst-token", AccountID: "ACC1", Epic: "IX.D.FTSE.DAILY.IP", Endpoint: "https://demo.example",
}

// TestHelperProcess is not a real test; it is the child process spawned by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) != 5 {
		fmt.Fprintf(os.Stderr, "[NODE_STREAM_ERROR] expected 5 args, got %d\n", len(args))
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, "[NODE_STREAM_INFO] [LS Status]: CONNECTED")
	fmt.Printf("{\"type\":\"price_update\",\"epic\":%q,\"bid\":7500,\"offer\":7501,\"market_state\":\"TRADEABLE\"}\n", args[3])

	if os.Getenv("HELPER_MODE") == "exit" {
		os.Exit(0)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	select {
	case <-sigs:
		os.Exit(0)
	case <-time.After(30 * time.Second):
		os.Exit(3)
	}
}

func helperFactory(t *testing.T, mode string) *Factory {
	t.Helper()
	f, err := NewFactory(Config{
		Command:   os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess", "--"},
		Env:       []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		StopGrace: 2 * time.Second,
		Logger:    &mockLogger{},
	})
	require.NoError(t, err)
	return f
}

func TestArguments(t *testing.T) {
	args, err := Arguments(testSub)
	require.NoError(t, err)
	assert.Equal(t, []string{"cst-token", "xst-token", "ACC1", "IX.D.FTSE.DAILY.IP", "https://demo.example"}, args)

	missing := testSub
	missing.XST = ""
	missing.Endpoint = ""
	_, err = Arguments(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	assert.Contains(t, err.Error(), "xst")
	assert.Contains(t, err.Error(), "endpoint")
}

func TestNewFactory_RequiresCommand(t *testing.T) {
	_, err := NewFactory(Config{Logger: &mockLogger{}})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestSpawn_MissingArgumentIsFatal(t *testing.T) {
	f := helperFactory(t, "block")
	sub := testSub
	sub.CST = ""
	_, err := f.Spawn(context.Background(), sub)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestSpawn_StreamsAndStops(t *testing.T) {
	f := helperFactory(t, "block")
	w, err := f.Spawn(context.Background(), testSub)
	require.NoError(t, err)
	assert.Greater(t, w.Pid(), 0)

	sc := bufio.NewScanner(w.Output())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"epic":"IX.D.FTSE.DAILY.IP"`)

	diag := bufio.NewScanner(w.Diagnostics())
	require.True(t, diag.Scan())
	assert.Contains(t, diag.Text(), "CONNECTED")

	require.NoError(t, w.Stop())
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after Stop")
	}
	assert.NoError(t, w.Stop(), "second Stop is a no-op")
}

func TestSpawn_ExitClosesOutput(t *testing.T) {
	f := helperFactory(t, "exit")
	w, err := f.Spawn(context.Background(), testSub)
	require.NoError(t, err)

	go io.Copy(io.Discard, w.Diagnostics())
	data, err := io.ReadAll(w.Output())
	require.NoError(t, err)
	assert.Contains(t, string(data), "price_update")

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not report exit")
	}
	require.NoError(t, w.Stop())
}
