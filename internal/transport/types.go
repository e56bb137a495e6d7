// Package transport defines the chat-platform neutral types shared by the
// Telegram adapter, the command router and the reminder notifier.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable wraps send errors that retrying cannot fix (blocked bot,
// deleted chat).
var ErrUnreachable = errors.New("recipient unreachable")

// RateLimitedError is returned when the platform asks the sender to back
// off before the next request.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter is the wait the platform asked for.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event. Exactly one of Message and Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID       int
	ChatID   int64
	FromID   int64
	FromName string
	Text     string
	// Private is true for one-to-one chats with the bot. Reminders are
	// always delivered to the owner's private chat.
	Private bool
}

// Callback is an inline button press on a message the bot sent.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is an inline button; Data comes back as Callback.Data when pressed.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Buttons are rendered as rows of inline buttons under the first chunk.
	Buttons [][]Button
}

// Adapter is a chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters whose platform shows a
// command menu next to the input box.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
