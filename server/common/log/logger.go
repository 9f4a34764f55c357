package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const (
	envLogLevel     = "LOG_LEVEL"
	envLogFormat    = "LOG_FORMAT"
	envLogFilePath  = "LOG_FILE_PATH"
	envLogMaxSizeMB = "LOG_MAX_SIZE_MB"

	FormatText = "text"
	FormatJSON = "json"

	defaultMaxSizeMB = 20

	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

func (lv Level) String() string {
	switch lv {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options controls the process-wide logger. An empty FilePath disables file output.
type Options struct {
	Level     Level
	Format    string
	FilePath  string
	MaxSizeMB int
	Output    io.Writer
}

type logger struct {
	mu           sync.Mutex
	level        Level
	format       string
	out          io.Writer
	color        bool
	filePath     string
	maxSizeBytes int64
	file         *os.File
}

var (
	globalMu sync.RWMutex
	global   = newLogger(optionsFromEnv())
)

func optionsFromEnv() Options {
	maxSize := defaultMaxSizeMB
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		var parsed int
		if _, err := fmt.Sscanf(raw, "%d", &parsed); err == nil && parsed > 0 {
			maxSize = parsed
		}
	}
	return Options{
		Level:     ParseLevel(os.Getenv(envLogLevel)),
		Format:    os.Getenv(envLogFormat),
		FilePath:  strings.TrimSpace(os.Getenv(envLogFilePath)),
		MaxSizeMB: maxSize,
	}
}

func newLogger(opts Options) *logger {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != FormatJSON {
		format = FormatText
	}
	out := opts.Output
	color := false
	if out == nil {
		out = os.Stdout
		color = format == FormatText
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = defaultMaxSizeMB
	}
	return &logger{
		level:        opts.Level,
		format:       format,
		out:          out,
		color:        color,
		filePath:     opts.FilePath,
		maxSizeBytes: int64(opts.MaxSizeMB) * 1024 * 1024,
	}
}

// Configure replaces the process-wide logger, closing the previous log file if any.
func Configure(opts Options) {
	next := newLogger(opts)
	globalMu.Lock()
	prev := global
	global = next
	globalMu.Unlock()
	prev.close()
}

func current() *logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

func Debugf(format string, args ...any) {
	current().logf(LevelDebug, format, args...)
}

func Infof(format string, args ...any) {
	current().logf(LevelInfo, format, args...)
}

func Warnf(format string, args ...any) {
	current().logf(LevelWarn, format, args...)
}

func Errorf(format string, args ...any) {
	current().logf(LevelError, format, args...)
}

func (l *logger) logf(lv Level, format string, args ...any) {
	if lv < l.level {
		return
	}
	ts := time.Now().Format(time.RFC3339Nano)
	caller := callerFuncName(3)
	line := l.formatLine(ts, lv, caller, fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintln(l.out, colorFor(lv)+line+colorReset)
	} else {
		fmt.Fprintln(l.out, line)
	}
	if l.filePath != "" {
		l.writeToFile(line + "\n")
	}
}

func (l *logger) formatLine(ts string, lv Level, caller, message string) string {
	if l.format == FormatJSON {
		payload := map[string]string{
			"timestamp": ts,
			"level":     lv.String(),
			"caller":    caller,
			"message":   message,
		}
		if b, err := json.Marshal(payload); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%s %-5s %s: %s", ts, lv, caller, message)
}

// writeToFile expects l.mu to be held.
func (l *logger) writeToFile(line string) {
	if err := l.ensureOpen(); err != nil {
		fmt.Fprintf(os.Stderr, "logger open file error: %v\n", err)
		return
	}
	if err := l.rotateIfNeeded(int64(len(line))); err != nil {
		fmt.Fprintf(os.Stderr, "logger rotate error: %v\n", err)
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "logger write error: %v\n", err)
	}
}

func (l *logger) ensureOpen() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func (l *logger) rotateIfNeeded(incoming int64) error {
	stat, err := l.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size()+incoming <= l.maxSizeBytes {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	rotated, err := nextRotatedPath(l.filePath, time.Now())
	if err != nil {
		return err
	}
	if err := os.Rename(l.filePath, rotated); err != nil {
		return err
	}
	return l.ensureOpen()
}

func (l *logger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

func nextRotatedPath(currentPath string, now time.Time) (string, error) {
	dir := filepath.Dir(currentPath)
	ext := filepath.Ext(currentPath)
	base := strings.TrimSuffix(filepath.Base(currentPath), ext)
	stamp := now.Format("20060102_150405")

	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", base, stamp, index, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func colorFor(lv Level) string {
	switch lv {
	case LevelDebug:
		return colorGray
	case LevelInfo:
		return colorGreen
	case LevelWarn:
		return colorYellow
	default:
		return colorRed
	}
}
