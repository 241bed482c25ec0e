// Package log is the leveled key=value logger shared by the CLI and the
// HTTP driver.
package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity levels
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel accepts the level names in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO", "":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Logger interface defines structured logging methods
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	SetLevel(level Level)
	SetJSONOutput(enabled bool)
}

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// DefaultLogger writes one line per record to its output.
type DefaultLogger struct {
	mu         sync.Mutex
	level      Level
	jsonOutput bool
	out        io.Writer
	colors     bool
	now        func() time.Time
}

var (
	defaultLogger *DefaultLogger
	once          sync.Once
)

// New creates a new logger with the given configuration. Output defaults to
// stderr.
func New(cfg LoggerConfig) *DefaultLogger {
	l := &DefaultLogger{
		level:      cfg.Level,
		jsonOutput: cfg.JSONOutput,
		out:        cfg.Output,
		now:        time.Now,
	}
	if l.out == nil {
		l.out = os.Stderr
	}
	l.colors = isTerminal(l.out)
	return l
}

// Default returns the process-wide logger.
func Default() *DefaultLogger {
	once.Do(func() {
		defaultLogger = New(LoggerConfig{Level: InfoLevel})
	})
	return defaultLogger
}

// IsTTY reports whether stderr is a terminal.
func IsTTY() bool {
	return isTerminal(os.Stderr)
}

func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// pairs splits args into key/value pairs. A leading odd argument is kept
// as a bare value.
func pairs(args []interface{}) (bare interface{}, kv [][2]interface{}) {
	if len(args)%2 != 0 {
		bare, args = args[0], args[1:]
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); ok {
			kv = append(kv, [2]interface{}{args[i], args[i+1]})
		}
	}
	return bare, kv
}

// formatMessage formats the message with key-value args
func formatMessage(msg string, args ...interface{}) string {
	if len(args) == 0 {
		return msg
	}
	bare, kv := pairs(args)

	var sb strings.Builder
	sb.WriteString(msg)
	if bare != nil {
		fmt.Fprintf(&sb, " %v", bare)
	}
	for _, p := range kv {
		fmt.Fprintf(&sb, " %s=%v", p[0], p[1])
	}
	return sb.String()
}

func getColor(level Level) string {
	switch level {
	case DebugLevel:
		return "\033[36m"
	case InfoLevel:
		return "\033[32m"
	case WarnLevel:
		return "\033[33m"
	case ErrorLevel:
		return "\033[31m"
	default:
		return ""
	}
}

func (l *DefaultLogger) log(level Level, msg string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	timestamp := l.now().Format("2006-01-02 15:04:05")
	if l.jsonOutput {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level.String(),
			"message":   msg,
		}
		bare, kv := pairs(args)
		if bare != nil {
			entry["detail"] = fmt.Sprint(bare)
		}
		for _, p := range kv {
			entry[p[0].(string)] = jsonValue(p[1])
		}
		data, _ := json.Marshal(entry)
		fmt.Fprintln(l.out, string(data))
		return
	}

	line := formatMessage(msg, args...)
	if l.colors {
		line = getColor(level) + line + "\033[0m"
	}
	fmt.Fprintf(l.out, "[%s] %s: %s\n", timestamp, level, line)
}

// jsonValue keeps numbers, bools and strings as they are and renders
// everything else with %v.
func jsonValue(v interface{}) interface{} {
	switch v.(type) {
	case string, bool, int, int64, uint64, float64, nil:
		return v
	case error, fmt.Stringer:
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%v", v)
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(msg string, args ...interface{}) { l.log(DebugLevel, msg, args) }

// Info logs an info message
func (l *DefaultLogger) Info(msg string, args ...interface{}) { l.log(InfoLevel, msg, args) }

// Warn logs a warning message
func (l *DefaultLogger) Warn(msg string, args ...interface{}) { l.log(WarnLevel, msg, args) }

// Error logs an error message
func (l *DefaultLogger) Error(msg string, args ...interface{}) { l.log(ErrorLevel, msg, args) }

// SetLevel sets the minimum log level
func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetJSONOutput enables or disables JSON output
func (l *DefaultLogger) SetJSONOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jsonOutput = enabled
}

// Discard returns a logger that drops every record.
func Discard() *DefaultLogger {
	return New(LoggerConfig{Level: ErrorLevel + 1, Output: io.Discard})
}

// ProgressSpinner animates a message on stderr while a long operation runs.
type ProgressSpinner struct {
	mu      sync.Mutex
	message string
	frames  []string
	current int
	writer  io.Writer
	colors  bool
	stop    chan struct{}
	done    chan struct{}
}

// NewProgressSpinner creates a new progress spinner
func NewProgressSpinner(message string) *ProgressSpinner {
	return &ProgressSpinner{
		message: message,
		frames:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		writer:  os.Stderr,
		colors:  IsTTY(),
	}
}

// Start begins the animation. It does nothing when stderr is not a
// terminal.
func (p *ProgressSpinner) Start() {
	if !p.colors {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.animate()
}

// Stop ends the animation and clears the line.
func (p *ProgressSpinner) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
	fmt.Fprint(p.writer, "\r\033[K")
}

// Message updates the spinner message
func (p *ProgressSpinner) Message(msg string) {
	p.mu.Lock()
	p.message = msg
	p.mu.Unlock()
}

func (p *ProgressSpinner) animate() {
	defer close(p.done)
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			frame := p.frames[p.current%len(p.frames)]
			p.current++
			fmt.Fprintf(p.writer, "\r\033[36m%s\033[0m %s", frame, p.message)
			p.mu.Unlock()
		case <-p.stop:
			return
		}
	}
}
