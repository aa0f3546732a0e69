package process

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
)

// Status represents the current state of a process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusKilled   Status = "killed"
)

// outputBufferSize is the buffer size for capturing subprocess stdout/stderr.
const outputBufferSize = 4096

// defaultGracefulTimeout bounds Terminate when the config leaves it unset.
const defaultGracefulTimeout = 5 * time.Second

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("process: already started")

// Config holds configuration for a subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	WorkDir string

	// GracefulTimeout is how long Terminate waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// Logger defines the logging interface for subprocesses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Process runs one subprocess in its own process group so that it and
// every child it spawns can be signalled together.
//
// Unlike goroutine tasks, a Process can always be stopped: Kill does not
// depend on the child cooperating.
type Process struct {
	config Config
	logger Logger

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	exitErr   error
	startTime time.Time
	killed    bool

	done chan struct{}
}

// New creates a process with the given configuration. It is not started.
func New(cfg Config) *Process {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	return &Process{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger for the process.
func (p *Process) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the subprocess. The process is not tied to ctx beyond
// startup; use Terminate or Kill to stop it.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.status != StatusStopped {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, p.config.Name)
	}
	p.status = StatusStarting
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		p.finish(err)
		return err
	}

	p.logger.Info("starting process",
		"name", p.config.Name,
		"binary", p.config.Binary,
		"args", p.config.Args,
	)

	cmd := exec.Command(p.config.Binary, p.config.Args...) //nolint:gosec // Binary comes from the apparatus definition

	// New process group so Kill reaches every descendant.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if p.config.Env != nil {
		cmd.Env = append(os.Environ(), p.config.Env...)
	}
	if p.config.WorkDir != "" {
		cmd.Dir = p.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.finish(err)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.finish(err)
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.finish(err)
		return fmt.Errorf("starting %s: %w", p.config.Name, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.status = StatusRunning
	p.startTime = time.Now()
	p.mu.Unlock()

	var pipes sync.WaitGroup
	pipes.Add(2)
	go p.captureOutput("stdout", stdout, &pipes)
	go p.captureOutput("stderr", stderr, &pipes)

	go func() {
		// Wait must not run until the pipes are drained.
		pipes.Wait()
		p.finish(cmd.Wait())
	}()

	p.logger.Info("process started", "name", p.config.Name, "pid", cmd.Process.Pid)
	return nil
}

func (p *Process) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitErr = err
	if p.killed {
		p.status = StatusKilled
	} else {
		p.status = StatusExited
	}
	close(p.done)
}

// captureOutput reads from the given reader and logs each chunk.
func (p *Process) captureOutput(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, outputBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.logger.Debug("process output",
				"name", p.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			return
		}
	}
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.ExitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate sends SIGTERM to the process group and escalates to SIGKILL
// after the graceful timeout.
func (p *Process) Terminate() error {
	pid := p.PID()
	if pid == 0 {
		return nil
	}

	p.logger.Info("stopping process", "name", p.config.Name, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to send SIGTERM to process group", "name", p.config.Name, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.config.GracefulTimeout):
		p.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", p.config.Name,
			"timeout", p.config.GracefulTimeout,
		)
	}
	return p.Kill()
}

// Kill hard-terminates the process group and waits for the exit.
func (p *Process) Kill() error {
	pid := p.PID()
	if pid == 0 {
		return nil
	}

	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", p.config.Name, err)
	}
	<-p.done
	p.logger.Info("process killed", "name", p.config.Name)
	return nil
}

// Status returns the current status of the process.
func (p *Process) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.Status() == StatusRunning
}

// ExitErr returns the error the process exited with, if any.
func (p *Process) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// PID returns the process ID while running, or 0.
func (p *Process) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status == StatusRunning && p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Uptime returns how long the process has been running.
func (p *Process) Uptime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status != StatusRunning {
		return 0
	}
	return time.Since(p.startTime)
}
