// Package trigger implements the daemon's event-ingress layer: the
// event type shared by all sources, the drivers that produce events
// from external stimuli, and the dispatcher that owns driver lifecycle.
package trigger

import (
	"time"
)

// Type identifies the source kind of an event.
type Type string

// Known trigger types. TypeScheduled is produced by the schedule queue
// rather than a driver.
const (
	TypeCron      Type = "cron"
	TypeFileWatch Type = "file_watch"
	TypeWebhook   Type = "webhook"
	TypeTelegram  Type = "telegram"
	TypeDiscord   Type = "discord"
	TypeMQTT      Type = "mqtt"
	TypeScheduled Type = "scheduled"
)

// Conversational reports whether the type is a chat surface where one
// user turn expects exactly one reply.
func (t Type) Conversational() bool {
	return t == TypeTelegram || t == TypeDiscord
}

// ReplyFunc delivers text back to the originating channel, out of band
// of the dispatch pipeline. Implementations chunk to their transport's
// message limit.
type ReplyFunc func(text string) error

// Event is one external stimulus. Immutable after dispatch; only Reply
// is consumed.
type Event struct {
	Type      Type
	Prompt    string
	Timestamp time.Time
	Metadata  map[string]string
	// Reply is nil for sources with no return channel (cron, webhook,
	// file_watch, mqtt, scheduled).
	Reply ReplyFunc
}

// Handler is the shared callback every driver invokes, synchronously
// from its own goroutine. The handler owns its own concurrency.
type Handler func(ev *Event)

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(t Type, prompt string, metadata map[string]string) *Event {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Event{
		Type:      t,
		Prompt:    prompt,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// ConversationKey returns the stable chat-stream identifier for
// conversational events ("telegram:<chat_id>" or
// "discord:<channel_id>"), or "" when the event is stateless.
func (e *Event) ConversationKey() string {
	switch e.Type {
	case TypeTelegram:
		if id := e.Metadata["chat_id"]; id != "" {
			return "telegram:" + id
		}
	case TypeDiscord:
		if id := e.Metadata["channel_id"]; id != "" {
			return "discord:" + id
		}
	}
	return ""
}
