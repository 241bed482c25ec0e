package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartOptions contains options for starting a detached server
type StartOptions struct {
	// Executable is the deflat binary; empty means the running one.
	Executable string
	// ConfigPath is passed as --config when set.
	ConfigPath string
	// Listen is the address the server will listen on.
	Listen string
	// Verbose enables verbose logging
	Verbose bool
	// LogFile receives the server's output; empty discards it.
	LogFile string
	// WaitForReady waits until /health answers.
	WaitForReady bool
	// ReadyTimeout is the timeout for waiting for the server to answer
	ReadyTimeout time.Duration
}

// StartResult contains the result of a start operation
type StartResult struct {
	Success   bool      `json:"success"`
	PID       int       `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Ready     bool      `json:"ready"`
}

// Args returns the command line of the detached server.
func (o *StartOptions) Args() []string {
	args := []string{"serve", "--listen", o.Listen}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	if o.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// Start launches `deflat serve` in its own session and records it.
func Start(ctx context.Context, opts *StartOptions) (*StartResult, error) {
	if status := CheckStatus(ctx); status.Running {
		return &StartResult{PID: status.PID, Error: "server already running"}, nil
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locating deflat binary: %w", err)
		}
	}

	cmd := exec.Command(exe, opts.Args()...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = detachAttr()
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		cmd.Stdout, cmd.Stderr = f, f
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting server: %w", err)
	}

	pid := cmd.Process.Pid
	startedAt := time.Now()
	if err := WritePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	status := &Status{Running: true, PID: pid, Listen: opts.Listen, StartedAt: startedAt}
	if err := WriteStatus(status); err != nil {
		_ = cmd.Process.Kill()
		_ = RemovePID()
		return nil, err
	}
	_ = cmd.Process.Release()

	res := &StartResult{Success: true, PID: pid, StartedAt: startedAt}
	if !opts.WaitForReady {
		return res, nil
	}

	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = ReadyTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := waitForReady(waitCtx, opts.Listen); err != nil {
		killPID(pid)
		cleanup()
		return &StartResult{PID: pid, StartedAt: startedAt, Error: fmt.Sprintf("server not ready: %v", err)}, nil
	}
	status.Ready = true
	_ = WriteStatus(status)
	res.Ready = true
	return res, nil
}

func waitForReady(ctx context.Context, listen string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := Ping(ctx, listen); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for server: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// StopResult contains the result of a stop operation
type StopResult struct {
	Success   bool      `json:"success"`
	PID       int       `json:"pid,omitempty"`
	StoppedAt time.Time `json:"stopped_at"`
	Error     string    `json:"error,omitempty"`
}

// Stop asks the detached server to shut down and kills it if it does not
// exit in time.
func Stop() (*StopResult, error) {
	pid, err := ReadPID()
	if err != nil {
		return &StopResult{Error: "server not running (no PID file)"}, nil
	}
	if !IsProcessRunning(pid) {
		cleanup()
		return &StopResult{Error: "server not running (process not found)"}, nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		cleanup()
		return &StopResult{Success: true, PID: pid, StoppedAt: time.Now(), Error: "process already terminated"}, nil
	}
	if err := process.Signal(syscall.SIGTERM); err == nil && waitForShutdown(pid, ShutdownTimeout) {
		cleanup()
		return &StopResult{Success: true, PID: pid, StoppedAt: time.Now()}, nil
	}

	if err := process.Kill(); err != nil {
		return &StopResult{PID: pid, Error: fmt.Sprintf("failed to kill process: %v", err)}, nil
	}
	waitForShutdown(pid, 2*time.Second)
	cleanup()
	return &StopResult{Success: true, PID: pid, StoppedAt: time.Now()}, nil
}

func killPID(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func waitForShutdown(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// StatusResult is the printable form of Status.
type StatusResult struct {
	Status    string    `json:"status"`
	Running   bool      `json:"running"`
	Ready     bool      `json:"ready"`
	PID       int       `json:"pid,omitempty"`
	Listen    string    `json:"listen,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// GetStatus returns a formatted status result
func GetStatus(ctx context.Context) *StatusResult {
	status := CheckStatus(ctx)
	result := &StatusResult{
		Running:   status.Running,
		Ready:     status.Ready,
		PID:       status.PID,
		Listen:    status.Listen,
		StartedAt: status.StartedAt,
		Error:     status.Error,
	}
	switch {
	case !status.Running:
		result.Status = "stopped"
	case !status.Ready:
		result.Status = "starting"
	default:
		result.Status = "running"
	}
	return result
}
