package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a pid above any kernel's pid_max
const deadPID = 99999999

func useTempDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "daemon")
	t.Setenv("DEFLAT_DAEMON_DIR", dir)
	return dir
}

func healthServer(t *testing.T, status string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPIDFile(t *testing.T) {
	dir := useTempDir(t)
	assert.Equal(t, filepath.Join(dir, PIDFileName), PIDFile())

	require.NoError(t, WritePID(4242))
	pid, err := ReadPID()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, RemovePID())
	_, err = ReadPID()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, RemovePID())
}

func TestReadPID_Garbage(t *testing.T) {
	dir := useTempDir(t)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(PIDFile(), []byte("not a pid"), 0644))

	_, err := ReadPID()
	assert.ErrorContains(t, err, "parsing PID")
}

func TestStatusFile(t *testing.T) {
	useTempDir(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := &Status{Running: true, PID: 7, Listen: ":10000", StartedAt: started}
	require.NoError(t, WriteStatus(want))

	got, err := ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, RemoveStatus())
	_, err = ReadStatus()
	assert.Error(t, err)
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		listen string
		want   string
	}{
		{":10000", "http://127.0.0.1:10000/health"},
		{"0.0.0.0:8080", "http://127.0.0.1:8080/health"},
		{"localhost:9000", "http://localhost:9000/health"},
		{"[::]:9000", "http://127.0.0.1:9000/health"},
		{"10.0.0.1:1", "http://10.0.0.1:1/health"},
	}
	for _, tt := range tests {
		if got := HealthURL(tt.listen); got != tt.want {
			t.Errorf("HealthURL(%q) = %q, want %q", tt.listen, got, tt.want)
		}
	}
}

func TestPing(t *testing.T) {
	assert.NoError(t, Ping(context.Background(), healthServer(t, "running")))
	assert.ErrorContains(t, Ping(context.Background(), healthServer(t, "draining")), `"draining"`)
}

func TestCheckStatus(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		useTempDir(t)
		st := CheckStatus(context.Background())
		assert.False(t, st.Running)
		assert.Empty(t, st.Error)
	})

	t.Run("stale pid", func(t *testing.T) {
		useTempDir(t)
		require.NoError(t, WritePID(deadPID))
		require.NoError(t, WriteStatus(&Status{Running: true, PID: deadPID, Listen: ":1"}))

		st := CheckStatus(context.Background())
		assert.False(t, st.Running)
		assert.NoFileExists(t, PIDFile())
		assert.NoFileExists(t, StatusFile())
	})

	t.Run("ready", func(t *testing.T) {
		useTempDir(t)
		listen := healthServer(t, "running")
		require.NoError(t, WritePID(os.Getpid()))
		require.NoError(t, WriteStatus(&Status{Running: true, PID: os.Getpid(), Listen: listen}))

		st := CheckStatus(context.Background())
		assert.True(t, st.Running)
		assert.True(t, st.Ready)
		assert.Equal(t, os.Getpid(), st.PID)
		assert.Empty(t, st.Error)

		res := GetStatus(context.Background())
		assert.Equal(t, "running", res.Status)
		assert.Equal(t, listen, res.Listen)
	})

	t.Run("no listen address", func(t *testing.T) {
		useTempDir(t)
		require.NoError(t, WritePID(os.Getpid()))

		st := CheckStatus(context.Background())
		assert.True(t, st.Running)
		assert.False(t, st.Ready)
		assert.Equal(t, "listen address unknown", st.Error)
		assert.Equal(t, "starting", GetStatus(context.Background()).Status)
	})
}

func TestStop_NotRunning(t *testing.T) {
	useTempDir(t)
	res, err := Stop()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no PID file")

	require.NoError(t, WritePID(deadPID))
	res, err = Stop()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "process not found")
	assert.NoFileExists(t, PIDFile())
}

func TestStartOptions_Args(t *testing.T) {
	opts := &StartOptions{Listen: ":10001", ConfigPath: "/tmp/c.yaml", Verbose: true}
	assert.Equal(t, []string{"serve", "--listen", ":10001", "--config", "/tmp/c.yaml", "--verbose"}, opts.Args())
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:10000", BaseURL(":10000"))
	assert.Equal(t, "http://example.com:80", BaseURL("http://example.com:80/"))
}
