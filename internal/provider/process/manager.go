// Package process runs agent CLIs as child processes with piped stdio.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var ErrEmptyCommand = errors.New("command cannot be empty")

type Config struct {
	Command     string
	Args        []string
	WorkingDir  string
	Environment map[string]string

	// Logger receives the child's stderr line by line. Nil discards it.
	Logger *slog.Logger
}

// Manager owns one child process. The process is killed when the context
// passed to Start ends.
type Manager struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func Start(ctx context.Context, config Config) (*Manager, error) {
	if config.Command == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	cmd.Dir = config.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range config.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", config.Command, err)
	}

	m := &Manager{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go m.logStderr(stderr, config.Logger, config.Command)
	return m, nil
}

func (m *Manager) logStderr(r io.Reader, logger *slog.Logger, command string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		if logger != nil {
			logger.Debug("child stderr", "command", command, "line", scanner.Text())
		}
	}
}

func (m *Manager) Stdin() io.WriteCloser {
	return m.stdin
}

func (m *Manager) Stdout() io.ReadCloser {
	return m.stdout
}

func (m *Manager) Pid() int {
	if m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// Wait blocks until the process exits. It is safe to call repeatedly and
// from several goroutines.
func (m *Manager) Wait() error {
	m.waitOnce.Do(func() {
		m.waitErr = m.cmd.Wait()
		close(m.done)
	})
	<-m.done
	return m.waitErr
}

// Stop closes stdin, asks the process to exit with SIGTERM and kills it if it
// has not exited after timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.cmd.Process == nil {
		return nil
	}
	_ = m.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- m.Wait() }()

	if err := m.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		<-exited
		return nil
	}

	select {
	case <-exited:
	case <-time.After(timeout):
		_ = m.cmd.Process.Kill()
		<-exited
	}
	return nil
}

// Kill terminates the process immediately.
func (m *Manager) Kill() error {
	if m.cmd.Process == nil {
		return nil
	}
	err := m.cmd.Process.Kill()
	_ = m.stdin.Close()
	return err
}
