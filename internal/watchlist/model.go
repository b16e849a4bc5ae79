package watchlist

import (
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
)

// WatchedStream persists one entry of the watch list so subscriptions survive a restart.
type WatchedStream struct {
	StreamID     string    `gorm:"column:stream_id;primaryKey;size:190;not null"`
	Platform     string    `gorm:"column:platform;size:32;not null"`
	Channel      string    `gorm:"column:channel;size:190;not null"`
	ConnectionID string    `gorm:"column:connection_id;size:190;index"`
	Title        string    `gorm:"column:title;size:512"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the watch list.
func (WatchedStream) TableName() string {
	return "watched_streams"
}

// ReadWatermark persists the last read message id per stream.
type ReadWatermark struct {
	StreamID  string    `gorm:"column:stream_id;primaryKey;size:190;not null"`
	MessageID string    `gorm:"column:message_id;size:190;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing read watermarks.
func (ReadWatermark) TableName() string {
	return "read_watermarks"
}

func fromStream(stream messages.Stream) WatchedStream {
	return WatchedStream{
		StreamID:     stream.ID.String(),
		Platform:     string(stream.Platform),
		Channel:      stream.Channel,
		ConnectionID: stream.ConnectionID,
		Title:        stream.Title,
	}
}

func (row WatchedStream) toStream() messages.Stream {
	return messages.Stream{
		ID:           messages.StreamID(row.StreamID),
		Platform:     messages.Platform(row.Platform),
		Channel:      row.Channel,
		ConnectionID: row.ConnectionID,
		Title:        row.Title,
		Status:       messages.StatusConnecting,
	}
}
