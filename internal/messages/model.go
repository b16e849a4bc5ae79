// Package messages holds the chat data model and the bounded per-stream message aggregate.
package messages

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidStreamID indicates that a stream identifier is empty or exceeds storage bounds.
	ErrInvalidStreamID = errors.New("messages: invalid stream id")
	// ErrInvalidMessageID indicates that a message identifier is empty or exceeds storage bounds.
	ErrInvalidMessageID = errors.New("messages: invalid message id")
	// ErrInvalidPlatform indicates that a platform name is not one of youtube, twitch or kick.
	ErrInvalidPlatform = errors.New("messages: invalid platform")
	// ErrInvalidFilter indicates that a filter name is not recognised.
	ErrInvalidFilter = errors.New("messages: invalid filter")
	// ErrUnknownStream indicates that the stream is not held by the store.
	ErrUnknownStream = errors.New("messages: unknown stream")
	// ErrUnknownMessage indicates that the message is not held for the stream.
	ErrUnknownMessage = errors.New("messages: unknown message")
)

// StreamID is the stable, client-assigned identifier of a watched stream.
type StreamID string

// NewStreamID validates raw input and returns a StreamID.
func NewStreamID(rawInput string) (StreamID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidStreamID, err)
	}
	return StreamID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StreamID) String() string {
	return string(id)
}

// MessageID is the globally unique, server-assigned identifier of a chat message.
type MessageID string

// NewMessageID validates raw input and returns a MessageID.
func NewMessageID(rawInput string) (MessageID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessageID, err)
	}
	return MessageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MessageID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	return trimmed, nil
}

// Platform names the external streaming platform a chat originates from.
type Platform string

const (
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
	PlatformKick    Platform = "kick"
)

// ParsePlatform accepts a platform name case-insensitively.
func ParsePlatform(value string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(value))) {
	case PlatformYouTube:
		return PlatformYouTube, nil
	case PlatformTwitch:
		return PlatformTwitch, nil
	case PlatformKick:
		return PlatformKick, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, value)
	}
}

// StreamStatus is the live-delivery state of a watched stream.
type StreamStatus string

const (
	StatusConnecting StreamStatus = "connecting"
	StatusConnected  StreamStatus = "connected"
	StatusError      StreamStatus = "error"
)

// Stream identifies one watched channel. ID survives reconnects; ConnectionID is the wire key
// and may change when the server session is recreated.
type Stream struct {
	ID           StreamID     `json:"id"`
	Platform     Platform     `json:"platform"`
	Channel      string       `json:"channel"`
	ConnectionID string       `json:"connectionId"`
	Title        string       `json:"title,omitempty"`
	Status       StreamStatus `json:"status"`
}

// Annotations are UI-applied marks. They never take part in identity or dedup.
type Annotations struct {
	Bookmarked bool           `json:"bookmarked,omitempty"`
	Reactions  map[string]int `json:"reactions,omitempty"`
}

// Message is a single chat line held for a stream.
type Message struct {
	ID          MessageID   `json:"id"`
	StreamID    StreamID    `json:"streamId"`
	Username    string      `json:"username"`
	Text        string      `json:"text"`
	Platform    Platform    `json:"platform"`
	Timestamp   int64       `json:"timestamp"`
	IsQuestion  bool        `json:"isQuestion"`
	Annotations Annotations `json:"annotations"`
}

// DetectQuestion reports whether chat text reads as a question.
func DetectQuestion(text string) bool {
	return strings.Contains(text, "?")
}

func (message Message) clone() Message {
	copied := message
	if len(message.Annotations.Reactions) > 0 {
		copied.Annotations.Reactions = make(map[string]int, len(message.Annotations.Reactions))
		for emoji, count := range message.Annotations.Reactions {
			copied.Annotations.Reactions[emoji] = count
		}
	}
	return copied
}

// Filter selects a derived subset of a stream's messages.
type Filter string

const (
	FilterAll        Filter = "all"
	FilterQuestions  Filter = "questions"
	FilterBookmarked Filter = "bookmarked"
)

// ParseFilter accepts a filter name; empty means FilterAll.
func ParseFilter(value string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(value))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterQuestions:
		return FilterQuestions, nil
	case FilterBookmarked:
		return FilterBookmarked, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFilter, value)
	}
}

// Query narrows a read of a stream's messages.
type Query struct {
	Filter Filter
	Search string
}

func (query Query) matches(message *Message) bool {
	switch query.Filter {
	case FilterQuestions:
		if !message.IsQuestion {
			return false
		}
	case FilterBookmarked:
		if !message.Annotations.Bookmarked {
			return false
		}
	}
	needle := strings.ToLower(strings.TrimSpace(query.Search))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(message.Username), needle) ||
		strings.Contains(strings.ToLower(message.Text), needle)
}

// StreamStats are derived counts relative to the stream's read watermark.
type StreamStats struct {
	StreamID        StreamID  `json:"streamId"`
	Total           int       `json:"total"`
	Questions       int       `json:"questions"`
	Bookmarked      int       `json:"bookmarked"`
	Unread          int       `json:"unreadCount"`
	UnreadQuestions int       `json:"unreadQuestions"`
	Watermark       MessageID `json:"lastReadMessageId,omitempty"`
	WatermarkHeld   bool      `json:"watermarkHeld"`
	LastMessageAt   int64     `json:"lastMessageAt,omitempty"`
	Searching       bool      `json:"searching"`
}
