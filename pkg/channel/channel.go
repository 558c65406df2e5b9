// Package channel defines the contract between the relay and a messaging
// gateway: inbound messages and button callbacks, outbound text with
// optional choice buttons.
package channel

import "context"

// Message represents an incoming message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "matrix")
	Source string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// ChatID is the channel-specific room/conversation identifier
	ChatID string

	// ThreadID is the thread within the chat, if any
	ThreadID string

	// EventID is the channel's id for this message
	EventID string

	// Content is the message text
	Content string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Button is one selectable choice. Token is returned verbatim in the
// Callback when the user picks it.
type Button struct {
	Label string
	Token string
}

// Response represents an outgoing message to a channel.
type Response struct {
	ChatID   string
	ThreadID string
	Content  string

	// Buttons are rendered as rows of choices when the channel supports it.
	Buttons [][]Button
}

// Callback is a user's selection of a Button.
type Callback struct {
	Source   string
	SenderID string
	ChatID   string
	ThreadID string
	EventID  string
	Token    string
}

// Handler receives inbound traffic from a channel.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
	HandleCallback(ctx context.Context, cb Callback) error
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening. Blocks until ctx is cancelled.
	Start(ctx context.Context, h Handler) error

	// Send delivers a response to a chat.
	Send(ctx context.Context, resp Response) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// Sender is the outbound half of a Channel.
type Sender interface {
	Send(ctx context.Context, resp Response) error
}
