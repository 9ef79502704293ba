package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger  = zap.NewNop()
	mu      sync.Mutex
	enabled bool
)

// DefaultPath returns ~/.config/go-songvm/debug.log
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "go-songvm", "debug.log")
}

// Enable starts debug logging to path, or to DefaultPath when path is empty
func Enable(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if enabled {
		return nil
	}
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// zap appends; start each session with a fresh file
	if err := os.WriteFile(path, nil, 0644); err != nil {
		return err
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapcore.DebugLevel),
		Encoding:         "console",
		EncoderConfig:    enc,
		OutputPaths:      []string{path},
		ErrorOutputPaths: []string{"stderr"},
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}

	logger = l
	enabled = true
	logger.Debug("=== Debug logging started ===", zap.String("cat", "debug"))
	return nil
}

// SetLogger routes debug output to l. Passing nil disables logging.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
	enabled = true
}

// Disable stops debug logging
func Disable() {
	mu.Lock()
	defer mu.Unlock()

	_ = logger.Sync()
	logger = zap.NewNop()
	enabled = false
	counters = make(map[string]int)
}

// Logger returns the current logger for structured logging
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Log writes a message to the debug log
func Log(category, format string, args ...any) {
	mu.Lock()
	l, on := logger, enabled
	mu.Unlock()

	if !on {
		return
	}
	l.Debug(fmt.Sprintf(format, args...), zap.String("cat", category))
}

// LogEvery logs only every N calls (use for high-frequency events)
var counters = make(map[string]int)

func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if n > 0 && count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}
