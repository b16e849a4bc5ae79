// Package watchlist persists the watched streams and read watermarks of the local client.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
)

var errMissingDatabase = errors.New("watchlist: database connection required")

// RepositoryConfig describes the dependencies of the repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Repository stores the watch list in SQLite.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository constructs the repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: cfg.Database, now: clock}, nil
}

// SaveStream inserts or updates a watched stream.
func (r *Repository) SaveStream(ctx context.Context, stream messages.Stream) error {
	if stream.ID == "" {
		return messages.ErrInvalidStreamID
	}
	row := fromStream(stream)
	row.UpdatedAt = r.now().UTC()
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"platform", "channel", "connection_id", "title", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("watchlist: save stream %s: %w", stream.ID, err)
	}
	return nil
}

// DeleteStream removes a stream and its watermark.
func (r *Repository) DeleteStream(ctx context.Context, streamID messages.StreamID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("stream_id = ?", streamID.String()).Delete(&ReadWatermark{}).Error; err != nil {
			return fmt.Errorf("watchlist: delete watermark %s: %w", streamID, err)
		}
		if err := tx.Where("stream_id = ?", streamID.String()).Delete(&WatchedStream{}).Error; err != nil {
			return fmt.Errorf("watchlist: delete stream %s: %w", streamID, err)
		}
		return nil
	})
}

// ListStreams returns the watch list in the order streams were first added.
func (r *Repository) ListStreams(ctx context.Context) ([]messages.Stream, error) {
	var rows []WatchedStream
	if err := r.db.WithContext(ctx).Order("created_at ASC").Order("stream_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("watchlist: list streams: %w", err)
	}
	streams := make([]messages.Stream, 0, len(rows))
	for _, row := range rows {
		streams = append(streams, row.toStream())
	}
	return streams, nil
}

// SaveWatermark records the last read message id for a stream.
func (r *Repository) SaveWatermark(ctx context.Context, streamID messages.StreamID, messageID messages.MessageID) error {
	row := ReadWatermark{StreamID: streamID.String(), MessageID: messageID.String(), UpdatedAt: r.now().UTC()}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"message_id", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("watchlist: save watermark %s: %w", streamID, err)
	}
	return nil
}

// Watermarks returns every persisted watermark keyed by stream id.
func (r *Repository) Watermarks(ctx context.Context) (map[messages.StreamID]messages.MessageID, error) {
	var rows []ReadWatermark
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("watchlist: list watermarks: %w", err)
	}
	out := make(map[messages.StreamID]messages.MessageID, len(rows))
	for _, row := range rows {
		out[messages.StreamID(row.StreamID)] = messages.MessageID(row.MessageID)
	}
	return out, nil
}
