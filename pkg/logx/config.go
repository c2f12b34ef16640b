package logx

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig mirrors records at or above MinLevel into a chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender is implemented by the chat transport.
type Sender interface {
	SendLog(ctx context.Context, chatID int64, threadID int, text string) error
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const defaultLogFile = "./accountpilot.log"

// levelOf maps a level name to a zerolog level. Unknown or empty names
// yield def. "warning" is accepted because task logs use it.
func levelOf(name string, def zerolog.Level) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		return zerolog.WarnLevel
	}
	if name == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel || lvl > zerolog.ErrorLevel {
		return def
	}
	return lvl
}
