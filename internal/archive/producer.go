// Package archive produces zip streams of directory trees and pumps them,
// chunk by chunk, into HTTP responses.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Producer is a source of archive bytes with an explicit lifecycle:
// Start spawns it, Output yields the archive stream, Terminate stops it and
// Wait reaps it. One Producer serves exactly one download.
type Producer interface {
	// Start begins producing. No Output bytes exist before Start returns.
	Start(ctx context.Context) error

	// Output returns the archive byte stream. Reads return io.EOF once the
	// producer has finished or has been terminated.
	Output() io.Reader

	// Terminate stops the producer. It is idempotent and safe to call at
	// any point after Start, including when the producer already exited.
	Terminate()

	// Wait blocks until the producer has fully stopped and releases its
	// resources. It must be called exactly once after a successful Start,
	// after all Output reads are done.
	Wait() error
}

// CommandProducer runs an external archiving command (by default
// `zip -r - .`) with a target directory as its working directory and exposes
// the command's stdout as the archive stream.
//
// The command runs in its own process group so Terminate also covers any
// children it forks. Stderr is drained into a capped tail buffer so the
// command can never block writing diagnostics.
type CommandProducer struct {
	logger *zap.Logger
	dir    string
	argv   []string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer

	mu     sync.Mutex
	reaped bool

	waitOnce sync.Once
	waitErr  error
}

// NewCommandProducer prepares a producer that will run argv inside dir.
// The argv must be non-empty; Start fails otherwise.
func NewCommandProducer(logger *zap.Logger, dir string, argv []string) *CommandProducer {
	return &CommandProducer{
		logger: logger,
		dir:    dir,
		argv:   argv,
		stderr: newTailBuffer(4096),
	}
}

// Start spawns the archiver. A failure here means no process exists and no
// cleanup is owed by the caller.
func (p *CommandProducer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.argv) == 0 {
		return errors.New("archiver command is empty")
	}

	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	cmd.Stderr = p.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe archiver stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start archiver %q: %w", p.argv[0], err)
	}

	p.cmd = cmd
	p.stdout = stdout
	p.logger.Debug("archiver started",
		zap.Strings("argv", p.argv),
		zap.String("dir", p.dir),
		zap.Int("pid", cmd.Process.Pid),
	)
	return nil
}

// Output returns the archiver's stdout. Valid after a successful Start.
func (p *CommandProducer) Output() io.Reader {
	return p.stdout
}

// Pid returns the archiver's process id. Valid after a successful Start.
func (p *CommandProducer) Pid() int {
	return p.cmd.Process.Pid
}

// Stderr returns the tail of whatever the archiver wrote to stderr so far.
func (p *CommandProducer) Stderr() string {
	return p.stderr.String()
}

// Terminate kills the archiver's process group. Signaling a process that has
// already exited is a no-op, so Terminate may be called any number of times,
// concurrently with Wait.
func (p *CommandProducer) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.reaped {
		return
	}

	pid := p.cmd.Process.Pid
	p.logger.Debug("killing archiver", zap.Int("pid", pid))
	err := unix.Kill(-pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn("kill archiver", zap.Int("pid", pid), zap.Error(err))
	}
}

// Wait reaps the archiver and returns its exit state. Subsequent calls
// return the same result.
func (p *CommandProducer) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		p.reaped = true
		p.mu.Unlock()

		if err != nil {
			p.logger.Debug("archiver exited",
				zap.Int("pid", p.cmd.Process.Pid),
				zap.Error(err),
				zap.String("stderr", p.stderr.String()),
			)
		} else {
			p.logger.Debug("archiver exited", zap.Int("pid", p.cmd.Process.Pid))
		}
		p.waitErr = err
	})
	return p.waitErr
}

// tailBuffer is an io.Writer keeping only the last max bytes written. It
// never blocks and never fails, which is what a subprocess stderr sink needs.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		trimmed := make([]byte, b.max)
		copy(trimmed, b.buf[len(b.buf)-b.max:])
		b.buf = trimmed
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
