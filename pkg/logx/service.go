package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Service owns the log sinks and rebuilds them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File
	chat *chatSink

	active atomic.Pointer[zerolog.Logger]
}

// New builds the sinks for cfg and returns the Service with a root Logger
// bound to it. sender may be nil, in which case chat mirroring stays off.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.chat = newChatSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply replaces the sinks and level. Loggers handed out earlier follow.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if s.chat != nil {
		s.chat.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			if cfg.Telegram.ChatID == 0 {
				fmt.Fprintln(os.Stderr, "logx: chat logging enabled without a chat id")
			}
			sinks = append(sinks, s.chat)
		}
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(levelOf(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.active.Store(&zl)
}

// Close stops chat delivery and closes the log file.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if s.chat != nil {
		s.chat.close()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
