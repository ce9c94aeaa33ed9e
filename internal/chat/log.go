// Package chat holds the ordered log of a stream's chat messages and merges
// locally-originated (optimistic) and remotely-originated entries.
//
// The log keeps arrival order, not timestamp order: causal order is
// approximated by the order the transport delivered events. Timestamps are
// informational only.
package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tokenlive/internal/model"
)

// Classifier decides message authorship for one session.
type Classifier struct {
	// AgentName is the configured agent persona name for the active session.
	AgentName string

	// ViewerIdentity is the current viewer's identity string.
	ViewerIdentity string
}

// Classify returns the message with its authorship flags set.
//
// A message is an agent message if and only if its author exactly equals the
// agent persona name; otherwise it is a viewer message, marked local when the
// author matches the viewer identity. The system sentinel is neither.
func (c Classifier) Classify(msg model.ChatMessage) model.ChatMessage {
	if msg.Author == model.SystemAuthor {
		msg.IsAgent = false
		msg.IsLocalUser = false
		return msg
	}
	msg.IsAgent = c.AgentName != "" && msg.Author == c.AgentName
	msg.IsLocalUser = !msg.IsAgent && msg.Author == c.ViewerIdentity
	return msg
}

// Log is the append-only, id-deduplicated message store for one session.
//
// Append is idempotent by message id: an optimistic local entry and its
// remote echo referencing the same id produce exactly one entry.
type Log struct {
	mu         sync.RWMutex
	classifier Classifier
	entries    []model.ChatMessage
	seen       map[string]struct{}
}

// NewLog creates an empty message log with the given classifier.
func NewLog(classifier Classifier) *Log {
	return &Log{
		classifier: classifier,
		seen:       make(map[string]struct{}),
	}
}

// Append adds a message to the log unless its id is already present.
// It reports whether the message was actually appended.
func (l *Log) Append(msg model.ChatMessage) bool {
	if msg.ID == "" {
		log.Warn().Str("author", msg.Author).Msg("dropping message without id")
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[msg.ID]; dup {
		log.Debug().Str("id", msg.ID).Msg("duplicate message id, ignoring")
		return false
	}

	l.seen[msg.ID] = struct{}{}
	l.entries = append(l.entries, l.classifier.Classify(msg))
	return true
}

// Messages returns the log entries in arrival order.
func (l *Log) Messages() []model.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.ChatMessage, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// NewLocalMessage builds an optimistic message authored by the viewer,
// stamped with a fresh unique id.
func NewLocalMessage(author, text string) model.ChatMessage {
	return model.ChatMessage{
		ID:        fmt.Sprintf("user-%s", uuid.NewString()),
		Author:    author,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage builds an administrative message carrying the reserved
// system author sentinel.
func NewSystemMessage(id, text string) model.ChatMessage {
	return model.ChatMessage{
		ID:        id,
		Author:    model.SystemAuthor,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// WelcomeBanner is the system message shown when a session opens.
func WelcomeBanner(tokenName, agentName string) model.ChatMessage {
	if agentName == "" {
		agentName = "the AI agent"
	}
	return NewSystemMessage(
		"system-welcome",
		fmt.Sprintf("Welcome to the %s live stream! Chat with other viewers and interact with %s.", tokenName, agentName),
	)
}

// ConnectivityNotice is the system message reporting chat-server reachability.
func ConnectivityNotice(connected bool) model.ChatMessage {
	text := "Unable to connect to chat server. Using offline mode."
	if connected {
		text = "Connected to chat server successfully."
	}
	return NewSystemMessage("connection-status", text)
}

// AgentGreeting is the agent persona's opening message for a session.
func AgentGreeting(tokenName, agentName string) model.ChatMessage {
	return model.ChatMessage{
		ID:        "initial",
		Author:    agentName,
		Text:      fmt.Sprintf("Hey everyone! It's %s here, the face of %s! Ask me anything about the token or just chat with me.", agentName, tokenName),
		Timestamp: time.Now(),
	}
}
