package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(cfg LoggerConfig) (*DefaultLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	cfg.Output = &buf
	l := New(cfg)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return l, &buf
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		args []interface{}
		want string
	}{
		{"plain", nil, "patched"},
		{"pairs", []interface{}{"blk", 3, "dest", 5}, "patched blk=3 dest=5"},
		{"bare first", []interface{}{"extra", "blk", 3}, "patched extra blk=3"},
		{"non-string key", []interface{}{1, 2}, "patched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage("patched", tt.args...))
		})
	}
}

func TestLogger_TextAndLevel(t *testing.T) {
	l, buf := fixed(LoggerConfig{Level: WarnLevel})

	l.Info("hidden")
	l.Warn("unresolved", "blk", 2)
	assert.Equal(t, "[2024-05-01 12:00:00] WARN: unresolved blk=2\n", buf.String())

	buf.Reset()
	l.SetLevel(DebugLevel)
	l.Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG: shown")
}

func TestLogger_JSON(t *testing.T) {
	l, buf := fixed(LoggerConfig{Level: InfoLevel, JSONOutput: true})

	l.Error("request failed", "code", -1, "err", errors.New("bad body"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "request failed", entry["message"])
	assert.Equal(t, float64(-1), entry["code"])
	assert.Equal(t, "bad body", entry["err"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"", InfoLevel, false},
		{"Warning", WarnLevel, false},
		{"ERROR", ErrorLevel, false},
		{"loud", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("dropped")
	assert.False(t, l.colors)
}
