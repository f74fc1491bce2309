package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Process is a running forwarding process
type Process interface {
	Pid() int
	// Alive reports whether the process has not exited yet
	Alive() bool
	// Terminate asks the process to exit (SIGTERM)
	Terminate() error
	// Kill forces the process to exit (SIGKILL)
	Kill() error
	// Wait blocks until the process exits. Safe to call more than once.
	Wait() error
	// Stderr returns whatever the process wrote to stderr so far
	Stderr() string
}

// Launcher starts forwarding processes
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher launches real processes with os/exec
type ExecLauncher struct{}

// Launch starts the command. The process is not tied to ctx; it lives until
// it is terminated or exits on its own.
func (ExecLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr lockedBuffer
	done   chan struct{}
	err    error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Terminate() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Stderr() string {
	return strings.TrimSpace(p.stderr.String())
}

// lockedBuffer is written by the exec copier goroutine and read by callers
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
