// Package agentproc launches the agent CLI as a subprocess and pumps its
// newline-delimited JSON stdout through the line-protocol translator.
package agentproc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const stopGrace = 5 * time.Second

// Proc is a running agent subprocess with its stdio pipes attached.
type Proc struct {
	log zerolog.Logger
	cmd *exec.Cmd

	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

// Start launches the agent command with the given arguments. The process
// inherits ctx: cancelling it kills the process.
func Start(ctx context.Context, command string, args []string, dir string, logger zerolog.Logger) (*Proc, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	logger.Info().Str("command", command).Int("pid", cmd.Process.Pid).Msg("agent process started")

	return &Proc{
		log:    logger,
		cmd:    cmd,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}, nil
}

// Wait blocks until the process exits. Safe to call more than once.
func (p *Proc) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Stop asks the process to exit with SIGTERM, escalating to SIGKILL after
// a grace period.
func (p *Proc) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.Stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(stopGrace):
		p.log.Warn().Int("pid", p.cmd.Process.Pid).Msg("agent process did not exit, killing")
		return p.Kill()
	}
}

// Kill terminates the process immediately.
func (p *Proc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	return p.Wait()
}
