package coordinator

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// collectorWaitDelay bounds the wait for the collector's output pipes after
// it was killed, in case it left children holding them.
const collectorWaitDelay = 5 * time.Second

// Collector is an external metrics-collection command that brackets a run.
// It is started before the first worker process and killed after the last
// one exited; its exit status is not interpreted.
type Collector struct {
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger
}

// StartCollector starts args[0] with the remaining arguments, writing its
// output to out (discarded when nil).
func StartCollector(args []string, out io.Writer, logger *slog.Logger) (*Collector, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("collector command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = collectorWaitDelay
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start collector %s: %w", args[0], err)
	}

	c := &Collector{cmd: cmd, done: make(chan struct{}), logger: logger}
	go func() {
		defer close(c.done)
		_ = cmd.Wait()
	}()

	logger.Info("metrics collector started",
		slog.String("command", strings.Join(args, " ")),
		slog.Int("pid", cmd.Process.Pid),
	)
	return c, nil
}

// PID returns the collector's process id.
func (c *Collector) PID() int {
	return c.cmd.Process.Pid
}

// Exited reports whether the collector has already exited on its own.
func (c *Collector) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop kills the collector and reaps it.
func (c *Collector) Stop() {
	if c.Exited() {
		c.logger.Warn("metrics collector exited before the run ended",
			slog.String("state", c.cmd.ProcessState.String()),
		)
		return
	}
	if err := c.cmd.Process.Kill(); err != nil {
		c.logger.Debug("kill collector", slog.String("error", err.Error()))
	}
	<-c.done
	c.logger.Info("metrics collector stopped", slog.Int("pid", c.PID()))
}
