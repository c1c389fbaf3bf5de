package streamproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"marketOpenBot/internal/ports"
)

const defaultStopGrace = 5 * time.Second

// Config describes how to launch the stream worker.
// The worker is invoked as: Command [Args...] CST XST ACCOUNT_ID EPIC ENDPOINT
type Config struct {
	Command   string
	Args      []string // Leading arguments, e.g. the script path
	Env       []string // Extra environment, appended to the parent's
	StopGrace time.Duration
	Logger    ports.Logger
}

// Factory spawns stream workers as child processes.
type Factory struct {
	cfg Config
}

// NewFactory validates cfg and returns a factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stream command is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for stream factory: %w", ports.ErrConfigurationError)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Factory{cfg: cfg}, nil
}

// Spawn starts one worker subscribed to sub.
func (f *Factory) Spawn(ctx context.Context, sub ports.StreamSubscription) (ports.StreamWorker, error) {
	op := "Spawn"
	args, err := Arguments(sub)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}

	cmd := exec.Command(f.cfg.Command, append(append([]string{}, f.cfg.Args...), args...)...)
	cmd.Env = append(os.Environ(), f.cfg.Env...)
	cmd.WaitDelay = f.cfg.StopGrace

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConnectivity, err)
	}

	p := &Process{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
		grace:  f.cfg.StopGrace,
	}
	go func() {
		p.waitErr = cmd.Wait()
		outW.CloseWithError(io.EOF)
		errW.CloseWithError(io.EOF)
		close(p.done)
	}()

	f.cfg.Logger.Debug(ctx, "Spawned stream worker", map[string]interface{}{"pid": cmd.Process.Pid, "epic": sub.Epic, "command": f.cfg.Command})
	return p, nil
}

// Arguments returns the positional arguments for sub, failing if any is missing.
func Arguments(sub ports.StreamSubscription) ([]string, error) {
	named := []struct{ name, value string }{
		{"cst", sub.CST}, {"xst", sub.XST}, {"accountId", sub.AccountID}, {"epic", sub.Epic}, {"endpoint", sub.Endpoint},
	}
	var missing []string
	for _, arg := range named {
		if arg.value == "" {
			missing = append(missing, arg.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing stream arguments %v: %w", missing, ports.ErrConfigurationError)
	}
	return []string{sub.CST, sub.XST, sub.AccountID, sub.Epic, sub.Endpoint}, nil
}

// Process is a running stream worker.
type Process struct {
	cmd     *exec.Cmd
	stdout  *io.PipeReader
	stderr  *io.PipeReader
	done    chan struct{}
	waitErr error
	grace   time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (p *Process) Output() io.Reader      { return p.stdout }
func (p *Process) Diagnostics() io.Reader { return p.stderr }
func (p *Process) Done() <-chan struct{}  { return p.done }
func (p *Process) Pid() int               { return p.cmd.Process.Pid }

// Stop sends SIGTERM, kills after the grace period, and waits for exit.
// Both readers are closed first so a blocked output copy cannot hold up Wait.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.stopErr = err
			}
		}
		p.stdout.Close()
		p.stderr.Close()

		select {
		case <-p.done:
		case <-time.After(p.grace):
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.stopErr = err
			}
			<-p.done
		}
	})
	return p.stopErr
}

// ExitErr returns the worker's exit error once Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}
