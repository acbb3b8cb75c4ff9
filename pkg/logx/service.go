package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	timeFormat       = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath   = "./logs/deadman.log"
	defaultMaxSizeMB = 10
)

// Config selects the level and sinks. With no sink enabled the console
// is used.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig is a rotating JSON file. Zero limits keep lumberjack's
// defaults, except MaxSizeMB which defaults to 10.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Service owns the sinks and can swap them while Loggers are in use.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	cur  atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) load() *zerolog.Logger { return s.cur.Load() }

// Apply rebuilds the sinks from cfg. The previous log file is closed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeFile()

	var outs []io.Writer
	if cfg.File.Enabled {
		if f, err := openRotating(cfg.File); err != nil {
			fmt.Fprintf(os.Stderr, "logx: file sink disabled: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if cfg.Console || len(outs) == 0 {
		outs = append(outs, console(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(levelOr(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)
}

// Close flushes and closes the log file, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFile()
}

func (s *Service) closeFile() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func openRotating(fc FileConfig) (*lumberjack.Logger, error) {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	size := fc.MaxSizeMB
	if size <= 0 {
		size = defaultMaxSizeMB
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    size,
		MaxBackups: max(0, fc.MaxBackups),
		MaxAge:     max(0, fc.MaxAgeDays),
		Compress:   fc.Compress,
		LocalTime:  true,
	}, nil
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
