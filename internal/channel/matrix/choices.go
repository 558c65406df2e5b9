package matrix

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nous-labs/relay/pkg/channel"
)

// keycaps are the reaction keys offered for the first nine choices.
var keycaps = []string{
	"1\ufe0f\u20e3",
	"2\ufe0f\u20e3",
	"3\ufe0f\u20e3",
	"4\ufe0f\u20e3",
	"5\ufe0f\u20e3",
	"6\ufe0f\u20e3",
	"7\ufe0f\u20e3",
	"8\ufe0f\u20e3",
	"9\ufe0f\u20e3",
}

// renderButtons flattens button rows into a numbered list appended to text.
// Matrix has no inline keyboards; users answer by number, label or reaction.
func renderButtons(text string, rows [][]channel.Button) (string, []channel.Button) {
	var flat []channel.Button
	for _, row := range rows {
		flat = append(flat, row...)
	}
	if len(flat) == 0 {
		return text, nil
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(text, "\n"))
	b.WriteString("\n\n")
	for i, btn := range flat {
		fmt.Fprintf(&b, "%d. %s\n", i+1, btn.Label)
	}
	b.WriteString("\nReply with a number or react to choose.")
	return b.String(), flat
}

type chatKey struct {
	room   string
	thread string
}

type prompt struct {
	key     chatKey
	eventID string
	buttons []channel.Button
}

// choiceTracker remembers the newest choice prompt per room and thread.
type choiceTracker struct {
	mu      sync.Mutex
	byChat  map[chatKey]*prompt
	byEvent map[string]*prompt
}

func newChoiceTracker() *choiceTracker {
	return &choiceTracker{
		byChat:  make(map[chatKey]*prompt),
		byEvent: make(map[string]*prompt),
	}
}

func (t *choiceTracker) remember(room, thread, eventID string, buttons []channel.Button) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := chatKey{room, thread}
	if old, ok := t.byChat[key]; ok {
		delete(t.byEvent, old.eventID)
	}
	p := &prompt{key: key, eventID: eventID, buttons: buttons}
	t.byChat[key] = p
	if eventID != "" {
		t.byEvent[eventID] = p
	}
}

// matchReply maps a text reply to a button token. A match consumes the prompt.
func (t *choiceTracker) matchReply(room, thread, body string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byChat[chatKey{room, thread}]
	if !ok {
		return "", false
	}
	idx := pickReply(p.buttons, body)
	if idx < 0 {
		return "", false
	}
	t.consume(p)
	return p.buttons[idx].Token, true
}

// matchReaction maps a keycap reaction on a prompt message to a button token.
func (t *choiceTracker) matchReaction(eventID, key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byEvent[eventID]
	if !ok {
		return "", false
	}
	idx := pickReaction(p.buttons, key)
	if idx < 0 {
		return "", false
	}
	t.consume(p)
	return p.buttons[idx].Token, true
}

// tracksChat reports whether a prompt is open in room and thread.
func (t *choiceTracker) tracksChat(room, thread string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byChat[chatKey{room, thread}]
	return ok
}

// tracksEvent reports whether eventID is an open prompt.
func (t *choiceTracker) tracksEvent(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byEvent[eventID]
	return ok
}

// pickReply returns the index of the button a reply names, by 1-based number
// or case-insensitive label, or -1.
func pickReply(buttons []channel.Button, body string) int {
	body = strings.TrimSpace(body)
	if n, err := strconv.Atoi(strings.TrimSuffix(body, ".")); err == nil {
		if n < 1 || n > len(buttons) {
			return -1
		}
		return n - 1
	}
	for i, btn := range buttons {
		if strings.EqualFold(btn.Label, body) {
			return i
		}
	}
	return -1
}

// pickReaction returns the index of the button a keycap reaction names, or -1.
func pickReaction(buttons []channel.Button, key string) int {
	key = strings.ReplaceAll(key, "\ufe0f", "")
	for i, k := range keycaps {
		if strings.ReplaceAll(k, "\ufe0f", "") == key && i < len(buttons) {
			return i
		}
	}
	return -1
}

func (t *choiceTracker) consume(p *prompt) {
	delete(t.byChat, p.key)
	delete(t.byEvent, p.eventID)
}

func (t *choiceTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byChat)
}
