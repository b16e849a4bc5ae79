// Package history loads historical chat pages with a device and connection aware strategy.
package history

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/backend"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
)

const (
	defaultPageTimeout   = 10 * time.Second
	defaultSearchTimeout = 60 * time.Second
	defaultPageSize      = 50

	opLoad     = "load"
	opLoadMore = "load_more"
	opSearch   = "search"
)

var errMissingFetcher = errors.New("history: fetcher is required")

// FetchError is the explicit failure result of a history request.
type FetchError struct {
	StreamID string
	Op       string
	Err      error
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("history.%s %s: %v", e.Op, e.StreamID, e.Err)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *FetchError) Timeout() bool {
	if e == nil {
		return false
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// Fetcher is the REST surface the loader needs.
type Fetcher interface {
	FetchMessages(ctx context.Context, streamID, cursor string, limit int) (backend.Page, error)
	SearchMessages(ctx context.Context, streamID, query string) ([]protocol.WireMessage, error)
}

// Config wires the Loader.
type Config struct {
	Fetcher       Fetcher
	Cache         *cache.Cache[backend.Page]
	CacheTTL      time.Duration
	PageTimeout   time.Duration
	SearchTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	Clock         func() time.Time
}

// Result is a page plus the strategy it was loaded with.
type Result struct {
	Messages  []protocol.WireMessage `json:"messages"`
	HasMore   bool                   `json:"hasMore"`
	Cursor    string                 `json:"cursor"`
	Strategy  Strategy               `json:"strategy"`
	FromCache bool                   `json:"fromCache"`
}

// Loader fetches history pages. It never retries on its own.
type Loader struct {
	fetcher       Fetcher
	cache         *cache.Cache[backend.Page]
	cacheTTL      time.Duration
	pageTimeout   time.Duration
	searchTimeout time.Duration
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	clock         func() time.Time
}

// NewLoader constructs a Loader. A nil cache disables caching.
func NewLoader(cfg Config) (*Loader, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	pageTimeout := cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = defaultPageTimeout
	}
	searchTimeout := cfg.SearchTimeout
	if searchTimeout <= 0 {
		searchTimeout = defaultSearchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Loader{
		fetcher:       cfg.Fetcher,
		cache:         cfg.Cache,
		cacheTTL:      cfg.CacheTTL,
		pageTimeout:   pageTimeout,
		searchTimeout: searchTimeout,
		logger:        logger,
		metrics:       cfg.Metrics,
		clock:         clock,
	}, nil
}

// Load returns the initial page for streamID sized by the profile's strategy.
func (l *Loader) Load(ctx context.Context, streamID string, profile Profile) (Result, error) {
	strategy := SelectStrategy(profile)
	result, err := l.fetchPage(ctx, opLoad, streamID, "", strategy.InitialPageSize)
	result.Strategy = strategy
	return result, err
}

// LoadMore returns the page strictly older than cursor, newest first.
func (l *Loader) LoadMore(ctx context.Context, streamID, cursor string, limit int) (Result, error) {
	if strings.TrimSpace(cursor) == "" {
		return Result{}, &FetchError{StreamID: streamID, Op: opLoadMore, Err: errors.New("cursor is required")}
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	return l.fetchPage(ctx, opLoadMore, streamID, cursor, limit)
}

// Search queries the backend for matches outside the held window. It uses the search timeout,
// which is longer than the page timeout.
func (l *Loader) Search(ctx context.Context, streamID, query string) ([]protocol.WireMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.searchTimeout)
	defer cancel()

	started := l.clock()
	messages, err := l.fetcher.SearchMessages(ctx, streamID, query)
	l.metrics.ObserveHistory(opSearch, l.clock().Sub(started), err)
	if err != nil {
		fetchErr := &FetchError{StreamID: streamID, Op: opSearch, Err: err}
		l.logger.Warn("history search failed", zap.String("stream_id", streamID), zap.Error(fetchErr))
		return nil, fetchErr
	}
	return messages, nil
}

// Invalidate drops every cached page for streamID.
func (l *Loader) Invalidate(streamID string) int {
	if l.cache == nil {
		return 0
	}
	prefix := cacheKeyPrefix(streamID)
	return l.cache.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (l *Loader) fetchPage(ctx context.Context, op, streamID, cursor string, limit int) (Result, error) {
	key := cacheKey(streamID, cursor, limit)
	if l.cache != nil {
		if page, ok := l.cache.Get(key); ok {
			return Result{Messages: page.Messages, HasMore: page.HasMore, Cursor: page.Cursor, FromCache: true}, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, l.pageTimeout)
	defer cancel()

	started := l.clock()
	page, err := l.fetcher.FetchMessages(fetchCtx, streamID, cursor, limit)
	l.metrics.ObserveHistory(op, l.clock().Sub(started), err)
	if err != nil {
		fetchErr := &FetchError{StreamID: streamID, Op: op, Err: err}
		l.logger.Warn("history fetch failed",
			zap.String("stream_id", streamID),
			zap.String("cursor", cursor),
			zap.Bool("timeout", fetchErr.Timeout()),
			zap.Error(fetchErr))
		return Result{}, fetchErr
	}
	if page.Cursor == "" && len(page.Messages) > 0 {
		page.Cursor = page.Messages[len(page.Messages)-1].ID
	}
	if l.cache != nil {
		l.cache.Set(key, page, l.cacheTTL)
	}
	return Result{Messages: page.Messages, HasMore: page.HasMore, Cursor: page.Cursor}, nil
}

func cacheKeyPrefix(streamID string) string {
	return "messages:" + streamID + ":"
}

func cacheKey(streamID, cursor string, limit int) string {
	return fmt.Sprintf("%s%s:%d", cacheKeyPrefix(streamID), cursor, limit)
}
