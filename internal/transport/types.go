// Package transport holds the chat types shared by the Telegram adapter,
// the command router, the notifier and the chat log sink.
package transport

import "context"

// Message is an inbound chat message. ThreadID is the forum topic, 0 outside
// forum groups.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

// Target is where a reply to m goes.
func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef points at the first message of a sent text. Long texts are
// split into several messages.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Plain is the options used for task summaries and command replies.
func Plain() *SendOptions { return &SendOptions{DisablePreview: true} }

type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the bot command menu.
type BotCommand struct {
	Command     string
	Description string
}
