// Package protocol encodes and decodes the JSON frames exchanged with the chat relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeMessage     = "message"
	TypePong        = "pong"
	TypeError       = "error"
	// Acknowledgements some relays send for subscribe and unsubscribe. They carry no state.
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
)

var (
	// ErrMalformedFrame indicates that a frame is not a JSON object with a type.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownFrameType indicates a frame type this client does not understand.
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
	// ErrMissingConnectionID indicates a message frame without a connection id.
	ErrMissingConnectionID = errors.New("protocol: missing connection id")
)

// ProtocolError describes a frame that was dropped without tearing down the connection.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClientFrame is sent from the client to the relay.
type ClientFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId,omitempty"`
	TS           int64  `json:"ts,omitempty"`
}

// Subscribe asks the relay to push messages for connectionID.
func Subscribe(connectionID string) ClientFrame {
	return ClientFrame{Type: TypeSubscribe, ConnectionID: connectionID}
}

// Unsubscribe asks the relay to stop pushing messages for connectionID.
func Unsubscribe(connectionID string) ClientFrame {
	return ClientFrame{Type: TypeUnsubscribe, ConnectionID: connectionID}
}

// Ping is the keepalive frame, stamped in unix milliseconds.
func Ping(now time.Time) ClientFrame {
	return ClientFrame{Type: TypePing, TS: now.UnixMilli()}
}

// Encode marshals the frame for a text websocket message.
func (frame ClientFrame) Encode() ([]byte, error) {
	return json.Marshal(frame)
}

// WireMessage is a chat message as the relay and REST endpoints serialize it.
type WireMessage struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"streamId,omitempty"`
	Username   string    `json:"username"`
	Text       string    `json:"text"`
	Platform   string    `json:"platform,omitempty"`
	Timestamp  Timestamp `json:"timestamp"`
	IsQuestion bool      `json:"isQuestion,omitempty"`
}

// Timestamp is unix milliseconds. It decodes from a JSON number, a numeric string
// or an RFC 3339 string.
type Timestamp int64

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] != '"' {
		value, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		*ts = Timestamp(int64(value))
		return nil
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		*ts = 0
		return nil
	}
	if value, err := strconv.ParseInt(text, 10, 64); err == nil {
		*ts = Timestamp(value)
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*ts = Timestamp(parsed.UnixMilli())
	return nil
}

// ServerFrame is received from the relay.
type ServerFrame struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// DecodeServerFrame parses one text frame. Failures are returned as *ProtocolError.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ServerFrame{}, &ProtocolError{Reason: "decode frame", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
	}
	frame.Type = strings.TrimSpace(frame.Type)
	switch frame.Type {
	case "":
		return ServerFrame{}, &ProtocolError{Reason: "decode frame", Err: fmt.Errorf("%w: missing type", ErrMalformedFrame)}
	case TypeMessage:
		if strings.TrimSpace(frame.ConnectionID) == "" {
			return ServerFrame{}, &ProtocolError{Reason: "decode message frame", Err: ErrMissingConnectionID}
		}
	case TypePong, TypeError, TypeSubscribed, TypeUnsubscribed:
	default:
		return ServerFrame{}, &ProtocolError{Reason: "decode frame", Err: fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type)}
	}
	return frame, nil
}

// Messages decodes the payload of a message frame, which carries either one message or an array.
// Entries without an id are skipped.
func (frame ServerFrame) Messages() ([]WireMessage, error) {
	payload := bytes.TrimSpace(frame.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, &ProtocolError{Reason: "decode payload", Err: fmt.Errorf("%w: empty payload", ErrMalformedFrame)}
	}
	var decoded []WireMessage
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, &ProtocolError{Reason: "decode payload", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
		}
	} else {
		var single WireMessage
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, &ProtocolError{Reason: "decode payload", Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)}
		}
		decoded = []WireMessage{single}
	}
	out := decoded[:0]
	for _, message := range decoded {
		if strings.TrimSpace(message.ID) == "" {
			continue
		}
		out = append(out, message)
	}
	return out, nil
}
