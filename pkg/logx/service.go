package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const DefaultFilePath = "./telly.log"

// Service owns the sinks. Loggers it hands out write through whatever sinks
// the latest Apply installed.
type Service struct {
	zl atomic.Pointer[zerolog.Logger]

	mu    sync.Mutex
	file  *os.File
	alert *alertSink
}

// New builds the service with cfg applied and returns it with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// Apply rebuilds the sink set for cfg. Console logging goes to stderr and is
// the fallback when no other sink is enabled.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}

	prevFile := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	switch wantAlert := cfg.Alert.Enabled && strings.TrimSpace(cfg.Alert.URL) != ""; {
	case wantAlert && s.alert == nil:
		s.alert = newAlertSink(cfg.Alert)
	case wantAlert:
		s.alert.apply(cfg.Alert)
	case s.alert != nil:
		go s.alert.close()
		s.alert = nil
	}
	if s.alert != nil {
		sinks = append(sinks, s.alert)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stderr))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)

	// Swap first so no logger writes to a closed file.
	if prevFile != nil {
		_ = prevFile.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f, a := s.file, s.alert
	s.file, s.alert = nil, nil
	s.mu.Unlock()

	if a != nil {
		a.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = DefaultFilePath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open log file %q", path), err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}
