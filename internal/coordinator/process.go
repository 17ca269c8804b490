package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// DefaultStopTimeout is how long a worker process may take to finish its
// in-flight submissions and flush its records after being asked to stop.
const DefaultStopTimeout = 60 * time.Second

// ProcessSpec describes one worker process of a run.
type ProcessSpec struct {
	RunID      string
	Index      int
	Mode       types.CompletionMode
	Threads    int
	PubKeyPath string // Empty selects plaintext payloads
	KeyBits    int

	SignKeyPath string // ECDSA key for signed payloads
}

// Args returns the worker subcommand flags describing s.
func (s ProcessSpec) Args() []string {
	args := []string{
		"--run-id", s.RunID,
		"--process", strconv.Itoa(s.Index),
		"--mode", strconv.Itoa(int(s.Mode)),
		"--threads", strconv.Itoa(s.Threads),
	}
	if s.PubKeyPath != "" {
		args = append(args, "--pubkey", s.PubKeyPath, "--kbits", strconv.Itoa(s.KeyBits))
	}
	if s.SignKeyPath != "" {
		args = append(args, "--sign-key", s.SignKeyPath)
	}
	return args
}

// Process is a launched worker process.
type Process interface {
	// PID returns the OS process id, or 0 when the process is not an OS process.
	PID() int
	// Stop asks the process to finish its current iterations and exit.
	Stop()
	// Wait blocks until the process has exited.
	Wait() error
}

// Launcher starts worker processes. Cancelling ctx has the same effect as
// calling Stop on the returned process.
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher runs each worker process as a child re-executing a binary
// with its worker subcommand.
type ExecLauncher struct {
	BinaryPath string
	// Command is the subcommand that hosts a worker pool.
	Command string
	// ExtraArgs are passed before the process flags (shared configuration).
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env []string

	// StopTimeout bounds the wait after SIGTERM before the child is killed.
	StopTimeout time.Duration

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

var _ Launcher = (*ExecLauncher)(nil)

// NewExecLauncher re-executes the running binary with command.
func NewExecLauncher(command string, extraArgs []string, logger *slog.Logger) (*ExecLauncher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{
		BinaryPath:  self,
		Command:     command,
		ExtraArgs:   extraArgs,
		StopTimeout: DefaultStopTimeout,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Logger:      logger,
	}, nil
}

// Launch starts the child. Stop sends SIGTERM; a child still running
// StopTimeout later is killed.
func (l *ExecLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := make([]string, 0, len(l.ExtraArgs)+12)
	if l.Command != "" {
		args = append(args, l.Command)
	}
	args = append(args, l.ExtraArgs...)
	args = append(args, spec.Args()...)

	cmd := exec.CommandContext(ctx, l.BinaryPath, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.StopTimeout
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultStopTimeout
	}
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker process %d: %w", spec.Index, err)
	}

	l.logger().Debug("worker process started",
		slog.Int("process", spec.Index),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("binary", l.BinaryPath),
	)
	return &execProcess{cmd: cmd, cancel: cancel}, nil
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

type execProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Stop() { p.cancel() }

func (p *execProcess) Wait() error {
	defer p.cancel()
	err := p.cmd.Wait()
	// The stop request surfaces as ctx.Err() when the child exited cleanly.
	if err != nil && p.cmd.ProcessState != nil && p.cmd.ProcessState.Success() {
		return nil
	}
	return err
}

// RunFunc hosts a worker pool in the calling process until ctx ends.
// Cancellation of ctx is the stop request, not an abort.
type RunFunc func(ctx context.Context, spec ProcessSpec) error

// InProcessLauncher runs worker "processes" as goroutines. It serves
// single-binary deployments and tests.
type InProcessLauncher struct {
	Run RunFunc
}

var _ Launcher = (*InProcessLauncher)(nil)

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(ctx context.Context, spec ProcessSpec) (Process, error) {
	if l.Run == nil {
		return nil, errors.New("in-process launcher has no run function")
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("worker process %d panicked: %v", spec.Index, r)
			}
		}()
		p.err = l.Run(ctx, spec)
	}()
	return p, nil
}

type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *goroutineProcess) PID() int { return 0 }

func (p *goroutineProcess) Stop() { p.cancel() }

func (p *goroutineProcess) Wait() error {
	<-p.done
	p.cancel()
	return p.err
}

// exitCode maps a Wait error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
