// Package matrix implements the relay's Matrix channel on mautrix-go.
//
// Choice buttons are rendered as a numbered list and, for up to nine
// options, keycap reactions on the prompt. A numeric reply, a label reply or
// a keycap reaction is delivered to the handler as a Callback.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/relay/pkg/channel"
)

const (
	sourceName = "matrix"
	maxLen     = 4000
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "relay"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
	// Reactions adds keycap reactions to choice prompts.
	Reactions bool
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.Handler
	choices   *choiceTracker
	prompts   Prompts
	startTime int64
	logger    *slog.Logger

	credFile string
}

var _ channel.Channel = (*Channel)(nil)

// Prompts looks up choice prompts this process did not send, such as those
// still open from before a restart.
type Prompts interface {
	// OpenPrompt returns the button rows of the newest prompt awaiting an
	// answer in chatID. Only threadID is searched unless anyThread is set.
	OpenPrompt(ctx context.Context, chatID, threadID string, anyThread bool) ([][]channel.Button, bool)
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel.
func New(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		config:   cfg,
		choices:  newChoiceTracker(),
		logger:   logger.With("channel", sourceName),
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

func (c *Channel) Name() string { return sourceName }

// Start logs in and runs the sync loop until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, h channel.Handler) error {
	c.handler = h
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.EventReaction, c.onReaction)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	c.logger.Info("matrix channel ready, starting sync")

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials, then password login with
// exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		c.logger.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.logger.Info("logging into matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			c.logger.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		c.logger.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Send posts resp to its room, in its thread when set. Long content is split;
// choices go on the last chunk.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.client == nil {
		return fmt.Errorf("matrix channel not started")
	}
	roomID := id.RoomID(resp.ChatID)
	text, buttons := renderButtons(resp.Content, resp.Buttons)

	chunks := splitMessage(text, maxLen)
	var lastEvent id.EventID
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		sent, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, textContent(chunk, resp.ThreadID))
		if err != nil {
			c.logger.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		lastEvent = sent.EventID
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	c.logger.Info("matrix message sent", "room", roomID, "thread", resp.ThreadID, "chunks", len(chunks), "choices", len(buttons))

	if len(buttons) == 0 {
		return nil
	}
	c.choices.remember(resp.ChatID, resp.ThreadID, string(lastEvent), buttons)
	if c.config.Reactions {
		for i := range min(len(buttons), len(keycaps)) {
			if _, err := c.client.SendReaction(ctx, roomID, lastEvent, keycaps[i]); err != nil {
				c.logger.Warn("matrix reaction failed", "room", roomID, "error", err)
				break
			}
		}
	}
	return nil
}

func textContent(body, threadID string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
	if threadID != "" {
		root := id.EventID(threadID)
		content.RelatesTo = (&event.RelatesTo{}).SetThread(root, root)
	}
	return content
}

// Stop ends the sync loop.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) accept(evt *event.Event) bool {
	return evt.Sender != c.client.UserID && evt.Timestamp >= c.startTime && c.isAllowed(evt.Sender)
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if !c.accept(evt) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.Body == "" {
		return
	}
	room := string(evt.RoomID)
	thread := ""
	if msg.RelatesTo != nil {
		thread = string(msg.RelatesTo.GetThreadParent())
	}

	if token, ok := c.choices.matchReply(room, thread, msg.Body); ok {
		c.dispatchCallback(ctx, evt, thread, token)
		return
	}
	if !c.choices.tracksChat(room, thread) {
		if token, ok := c.recoverChoice(ctx, room, thread, false, func(b []channel.Button) int { return pickReply(b, msg.Body) }); ok {
			c.dispatchCallback(ctx, evt, thread, token)
			return
		}
	}

	c.logger.Info("matrix message received", "sender", evt.Sender, "room", room, "thread", thread, "content", truncate(msg.Body, 100))
	err := c.handler.HandleMessage(ctx, channel.Message{
		Source:    sourceName,
		SenderID:  string(evt.Sender),
		ChatID:    room,
		ThreadID:  thread,
		EventID:   string(evt.ID),
		Content:   msg.Body,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		c.reportError(ctx, room, thread, err)
	}
}

func (c *Channel) onReaction(ctx context.Context, evt *event.Event) {
	if !c.accept(evt) {
		return
	}
	reaction := evt.Content.AsReaction()
	if reaction == nil {
		return
	}
	target, key := string(reaction.RelatesTo.EventID), reaction.RelatesTo.Key
	token, ok := c.choices.matchReaction(target, key)
	if !ok && !c.choices.tracksEvent(target) {
		// A reaction names no thread, so any open prompt in the room counts.
		token, ok = c.recoverChoice(ctx, string(evt.RoomID), "", true, func(b []channel.Button) int { return pickReaction(b, key) })
	}
	if !ok {
		return
	}
	c.dispatchCallback(ctx, evt, "", token)
}

// recoverChoice resolves an answer against a prompt from Prompts.
func (c *Channel) recoverChoice(ctx context.Context, room, thread string, anyThread bool, pick func([]channel.Button) int) (string, bool) {
	if c.prompts == nil {
		return "", false
	}
	rows, ok := c.prompts.OpenPrompt(ctx, room, thread, anyThread)
	if !ok {
		return "", false
	}
	_, flat := renderButtons("", rows)
	idx := pick(flat)
	if idx < 0 {
		return "", false
	}
	c.logger.Info("matched answer to stored prompt", "room", room, "thread", thread)
	return flat[idx].Token, true
}

func (c *Channel) dispatchCallback(ctx context.Context, evt *event.Event, thread, token string) {
	c.logger.Info("matrix choice received", "sender", evt.Sender, "room", evt.RoomID, "token", token)
	err := c.handler.HandleCallback(ctx, channel.Callback{
		Source:   sourceName,
		SenderID: string(evt.Sender),
		ChatID:   string(evt.RoomID),
		ThreadID: thread,
		EventID:  string(evt.ID),
		Token:    token,
	})
	if err != nil {
		c.reportError(ctx, string(evt.RoomID), thread, err)
	}
}

func (c *Channel) reportError(ctx context.Context, room, thread string, err error) {
	c.logger.Error("handler error", "room", room, "error", err)
	_ = c.Send(ctx, channel.Response{
		ChatID:   room,
		ThreadID: thread,
		Content:  fmt.Sprintf("*(Error: %s)*", err),
	})
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		c.logger.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}
	c.logger.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.logger.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		c.logger.Warn("save matrix credentials", "error", err)
	}
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen bytes without breaking
// a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
