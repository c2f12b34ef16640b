package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing")
	assert.False(t, l.With(String("k", "v")).IsZero())
	assert.False(t, Nop().IsZero())
}

func TestWriterRecordsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("op", "refresh"))
	log.Warn("account failed", Int("n", 2), Err(errors.New("boom")), Err(nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "account failed", rec["message"])
	assert.Equal(t, "refresh", rec["op"])
	assert.Equal(t, float64(2), rec["n"])
	assert.Equal(t, "boom", rec["err"])
	assert.Contains(t, rec["caller"], "logx_test.go:")
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "info").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")
	assert.NotContains(t, buf.String(), `"b"`)
}

func TestNamedLevels(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, levelOf("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.DebugLevel, levelOf(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, levelOf("", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, levelOf("loud", zerolog.InfoLevel))

	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Log("info", "dropped")
	assert.Empty(t, buf.String())
	log.Log("error", "kept")
	assert.Contains(t, buf.String(), "kept")
	assert.True(t, log.Enabled(LevelError))
	assert.False(t, log.Enabled(LevelDebug))
}

func TestRenderChatLine(t *testing.T) {
	line := renderChatLine([]byte(`{"level":"error","time":"t","message":"refresh failed","task":"ab12","email":"a@x.io"}`))
	assert.Equal(t, "[ERROR] refresh failed\n- email=a@x.io\n- task=ab12", line)

	assert.Equal(t, "not json", renderChatLine([]byte("not json\n")))
	assert.Empty(t, renderChatLine([]byte("  ")))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", clip("abcdef", 3))
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	chats []int64
}

func (r *recordingSender) SendLog(_ context.Context, chatID int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.chats = append(r.chats, chatID)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestServiceMirrorsToChat(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:    "info",
		Telegram: TelegramConfig{Enabled: true, ChatID: -100, MinLevel: "warn", RatePerSec: 50},
	}, sender)
	defer svc.Close()

	log.Info("below threshold")
	log.Error("expiry scan failed", String("task", "t1"))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, sender.sent()[0], "[ERROR] expiry scan failed")
	assert.Equal(t, []int64{-100}, sender.chats)
}

func TestServiceApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "error"}, nil)
	defer svc.Close()
	child := log.With(String("k", "v"))
	assert.False(t, child.Enabled(LevelInfo))

	svc.Apply(Config{Level: "debug"})
	assert.True(t, child.Enabled(LevelDebug))
}
