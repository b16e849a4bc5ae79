package engine

import (
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
)

// EventType names a change the presentation layer may want to react to.
type EventType string

const (
	EventMessagesAdded     EventType = "messages-added"
	EventMessagesReplaced  EventType = "messages-replaced"
	EventStreamAdded       EventType = "stream-added"
	EventStreamUpdated     EventType = "stream-updated"
	EventStreamRemoved     EventType = "stream-removed"
	EventBackfillFailed    EventType = "backfill-failed"
	EventAnnotated         EventType = "annotation-changed"
	EventReadStateChanged  EventType = "read-state-changed"
	EventConnectionOnline  EventType = "connection-online"
	EventConnectionOffline EventType = "connection-offline"
	EventConnectionLost    EventType = "connection-lost"
)

// Event is published after the store changed. Connection events carry no stream id.
type Event struct {
	Type       EventType             `json:"type"`
	StreamID   messages.StreamID     `json:"streamId,omitempty"`
	MessageIDs []messages.MessageID  `json:"messageIds,omitempty"`
	Status     messages.StreamStatus `json:"status,omitempty"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}
