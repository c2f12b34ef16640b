package adapter

import (
	"context"
	"slices"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "accountpilot/internal/transport"
)

// Telegram rejects texts over 4096 characters; keep headroom.
const maxMessageRunes = 4000

// SendText sends text, split into several messages when needed. The
// returned ref points at the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	html := strings.EqualFold(opt.ParseMode, string(tele.ModeHTML))
	sendOpt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}

	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range chunkText(text, maxMessageRunes, html) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, part, sendOpt)
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// SendLog implements logx.Sender.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, kit.Plain())
	return err
}

// chunkText cuts s into pieces of at most limit runes. A cut prefers the
// last newline past the first third of the window; in HTML mode it never
// lands inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	rest := []rune(s)
	var out []string
	for len(rest) > limit {
		cut := limit
		if nl := lastIndex(rest[:limit], '\n'); nl >= limit/3 && nl > 0 {
			cut = nl + 1
		}
		if html {
			if open := lastIndex(rest[:cut], '<'); open > 1 && open > lastIndex(rest[:cut], '>') {
				cut = open
			}
		}
		out = append(out, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 || len(out) == 0 {
		out = append(out, string(rest))
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i, v := range slices.Backward(rs) {
		if v == r {
			return i
		}
	}
	return -1
}
