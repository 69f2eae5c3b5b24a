package transport

import "context"

// Message is one inbound chat message (private or group).
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Update is one inbound event from the messaging platform.
type Update struct {
	Message *Message
}

// ChatTarget addresses an outbound send.
type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string // "HTML" for formatted filing notifications
	DisablePreview bool
}

// Adapter abstracts the messaging platform. The rest of the app only ever
// sees Updates in and SendText out.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
