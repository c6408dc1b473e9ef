// Package chat keeps a bounded, persisted message history for a room or for
// the lobby. Like the alarm queue it is owned by a single actor and relies on
// that actor's serialisation instead of its own locking.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/playdicee/dicee-server/internal/v1/store"
)

// MessageType distinguishes free-form text from canned phrases and
// server-generated notices.
type MessageType string

const (
	TypeUser   MessageType = "user"
	TypeQuick  MessageType = "quick"
	TypeSystem MessageType = "system"
)

// Message is one chat entry as both stored and broadcast.
type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	SenderID    string      `json:"senderId,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Content     string      `json:"content"`
	SentAt      time.Time   `json:"sentAt"`
}

// DefaultHistoryLimit is the number of messages retained when no limit is
// configured.
const DefaultHistoryLimit = 100

// Log is a persisted ring of the most recent messages.
type Log struct {
	store *store.Store
	key   string
	limit int
	clock func() time.Time

	messages []Message
	loaded   bool
}

// NewLog builds a log persisting under key, keeping at most limit messages.
func NewLog(st *store.Store, key string, limit int, clock func() time.Time) *Log {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if clock == nil {
		clock = time.Now
	}
	return &Log{store: st, key: key, limit: limit, clock: clock}
}

func (l *Log) load(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	var messages []Message
	if _, err := l.store.Get(ctx, l.key, &messages); err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}
	l.messages = messages
	l.loaded = true
	return nil
}

func (l *Log) append(ctx context.Context, msg Message) (Message, error) {
	if err := l.load(ctx); err != nil {
		return Message{}, err
	}

	msg.ID = uuid.NewString()
	msg.SentAt = l.clock()
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - l.limit; over > 0 {
		l.messages = l.messages[over:]
	}

	if err := l.store.Put(ctx, l.key, l.messages); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// AppendUser records a free-form message from a player or spectator.
func (l *Log) AppendUser(ctx context.Context, senderID, displayName, content string) (Message, error) {
	return l.append(ctx, Message{
		Type:        TypeUser,
		SenderID:    senderID,
		DisplayName: displayName,
		Content:     content,
	})
}

// AppendQuick records a canned phrase selected by its identifier.
func (l *Log) AppendQuick(ctx context.Context, senderID, displayName, phraseID string) (Message, error) {
	return l.append(ctx, Message{
		Type:        TypeQuick,
		SenderID:    senderID,
		DisplayName: displayName,
		Content:     phraseID,
	})
}

// AppendSystem records a server-generated notice such as a join or a forfeit.
func (l *Log) AppendSystem(ctx context.Context, content string) (Message, error) {
	return l.append(ctx, Message{Type: TypeSystem, Content: content})
}

// Snapshot returns the retained history, oldest first.
func (l *Log) Snapshot(ctx context.Context) ([]Message, error) {
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out, nil
}

// Invalidate drops the in-memory copy; the next call re-reads storage.
func (l *Log) Invalidate() {
	l.messages = nil
	l.loaded = false
}
