// Package daemon manages a detached `deflat serve` process: its PID and
// status files, readiness probing over /health, and start/stop/status.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultDir is the default directory for daemon files
	DefaultDir = ".deflat"
	// PIDFileName is the name of the PID file
	PIDFileName = "serve.pid"
	// StatusFileName is the name of the status file
	StatusFileName = "serve.status"
	// ReadyTimeout is the timeout for waiting for the server to answer
	ReadyTimeout = 10 * time.Second
	// ShutdownTimeout is the timeout for waiting for the server to exit
	ShutdownTimeout = 5 * time.Second
)

// Dir returns the directory holding the daemon files. DEFLAT_DAEMON_DIR
// overrides the default ./.deflat.
func Dir() string {
	if dir := os.Getenv("DEFLAT_DAEMON_DIR"); dir != "" {
		return dir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return DefaultDir
	}
	return filepath.Join(cwd, DefaultDir)
}

// PIDFile returns the path to the PID file
func PIDFile() string {
	return filepath.Join(Dir(), PIDFileName)
}

// StatusFile returns the path to the status file
func StatusFile() string {
	return filepath.Join(Dir(), StatusFileName)
}

func ensureDir() error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return fmt.Errorf("creating daemon directory: %w", err)
	}
	return nil
}

// WritePID writes the PID to the PID file
func WritePID(pid int) error {
	if err := ensureDir(); err != nil {
		return err
	}
	if err := os.WriteFile(PIDFile(), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	return nil
}

// ReadPID reads the PID from the PID file
func ReadPID() (int, error) {
	data, err := os.ReadFile(PIDFile())
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID: %w", err)
	}
	return pid, nil
}

// RemovePID removes the PID file
func RemovePID() error {
	if err := os.Remove(PIDFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

// Status is what the status file records about the detached server.
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	Ready     bool      `json:"ready"`
	Listen    string    `json:"listen,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// WriteStatus writes the status to the status file
func WriteStatus(status *Status) error {
	if err := ensureDir(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	if err := os.WriteFile(StatusFile(), data, 0644); err != nil {
		return fmt.Errorf("writing status file: %w", err)
	}
	return nil
}

// ReadStatus reads the status from the status file
func ReadStatus() (*Status, error) {
	data, err := os.ReadFile(StatusFile())
	if err != nil {
		return nil, fmt.Errorf("reading status file: %w", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}
	return &status, nil
}

// RemoveStatus removes the status file
func RemoveStatus() error {
	if err := os.Remove(StatusFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing status file: %w", err)
	}
	return nil
}

func cleanup() {
	_ = RemovePID()
	_ = RemoveStatus()
}

// IsProcessRunning checks if a process with the given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// BaseURL returns the URL of a server listening on listen. Wildcard hosts
// are reached through the loopback address.
func BaseURL(listen string) string {
	if strings.Contains(listen, "://") {
		return strings.TrimSuffix(listen, "/")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// HealthURL returns the /health URL of a server listening on listen.
func HealthURL(listen string) string {
	return BaseURL(listen) + "/health"
}

// Ping asks the server on listen whether it is up.
func Ping(ctx context.Context, listen string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, HealthURL(listen), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("reading health: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "running" {
		return fmt.Errorf("server reports %q (HTTP %d)", body.Status, resp.StatusCode)
	}
	return nil
}

// CheckStatus combines the status file, the process table and a health
// request. Stale files left by a dead process are removed.
func CheckStatus(ctx context.Context) *Status {
	pid, err := ReadPID()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Status{}
		}
		return &Status{Error: fmt.Sprintf("failed to read PID: %v", err)}
	}
	if !IsProcessRunning(pid) {
		cleanup()
		return &Status{}
	}

	status, err := ReadStatus()
	if err != nil {
		status = &Status{}
	}
	status.Running = true
	status.PID = pid
	status.Ready = false
	if status.Listen == "" {
		status.Error = "listen address unknown"
		return status
	}
	if err := Ping(ctx, status.Listen); err != nil {
		status.Error = fmt.Sprintf("server not responding: %v", err)
		return status
	}
	status.Ready = true
	status.Error = ""
	return status
}
