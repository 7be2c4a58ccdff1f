package domain

import "time"

type InboundMessage struct {
	Channel  string
	ChatID   string // platform channel / chat / web session
	ThreadID string // empty when the message is not part of a thread
	SenderID string
	Content  string
	// Mention is set when the bot was addressed directly (Slack app_mention,
	// Discord @mention, Telegram reply). Mentions mark the thread active.
	Mention   bool
	Direct    bool // DM or private chat: always answered
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	ThreadID string
	Content  string
	Format   string // text | markdown
	IsError  bool
}
