package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12

	retention = 30 * 24 * time.Hour
)

// sink is shared by a handler and every handler derived from it through
// WithAttrs or WithGroup, so they all feed the same worker.
type sink struct {
	ch          chan []byte
	mu          sync.RWMutex
	closed      bool
	writer      io.Writer
	stdout      io.Writer
	currentDay  int      // day of year of the open file
	currentFile *os.File // open log file
	basePath    string   // directory holding the daily files
	wg          sync.WaitGroup
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	return newAsyncHandler(basePath, logLevel, os.Stdout)
}

func newAsyncHandler(basePath string, logLevel slog.Level, stdout io.Writer) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		basePath: basePath,
		stdout:   stdout,
		writer:   stdout,
	}
	if err := s.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "logger: %v\n", err)
	}
	s.cleanOldLogs()
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > retention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded opens a new file when the day changed. Only the worker calls
// it after construction.
func (s *sink) rotateIfNeeded() error {
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("closing log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.stdout
	}

	logPath := s.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.stdout, s.currentFile)
	return nil
}

func (s *sink) getLogPath(now time.Time) string {
	return filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		if err := s.rotateIfNeeded(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		}
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) write(p []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- p
}

func (s *sink) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		return s.currentFile.Close()
	}
	return nil
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	// time | level | message
	var line strings.Builder
	line.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	))

	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(" %s=%v", attr.Key, attr.Value))
	}

	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(" %s=%v", h.key(attr.Key), attr.Value))
		return true
	})

	line.WriteString("\n")

	h.sink.write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: h.key(attr.Key), Value: attr.Value})
	}

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    group,
		logLevel: h.logLevel,
	}
}

// Close flushes pending lines and closes the current file.
func (h *AsyncHandler) Close() error {
	return h.sink.close()
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

// Init installs an AsyncHandler writing to directory as the default slog logger.
func Init(directory string, debug bool) *ShutdownCallback {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if directory == "" {
		directory = "logs"
	}
	handler := NewAsyncHandler(directory, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
