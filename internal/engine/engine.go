// Package engine owns the stream lifecycle: it connects platform sessions through the relay,
// keeps subscriptions and held messages in step, and exposes the derived views the local API serves.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/backend"
	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/chatsync/internal/transport"
	"github.com/MarcoPoloResearchLab/chatsync/internal/windowing"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
)

var errEmptyChannel = errors.New("engine: channel is required")

// Connector creates and tears down platform sessions on the relay.
type Connector interface {
	Connect(ctx context.Context, request backend.ConnectRequest) (backend.Connection, error)
	Disconnect(ctx context.Context, connectionID string) error
}

// HistorySource pages and searches stored history. Stream ids passed to it are connection ids.
type HistorySource interface {
	Load(ctx context.Context, streamID string, profile history.Profile) (history.Result, error)
	LoadMore(ctx context.Context, streamID, cursor string, limit int) (history.Result, error)
	Search(ctx context.Context, streamID, query string) ([]protocol.WireMessage, error)
	Invalidate(streamID string) int
}

// Subscriber maintains the desired live subscription set.
type Subscriber interface {
	Subscribe(connectionID string) bool
	Unsubscribe(connectionID string) bool
	Online() bool
}

// Persister stores the watch list and read watermarks across restarts.
type Persister interface {
	SaveStream(ctx context.Context, stream messages.Stream) error
	DeleteStream(ctx context.Context, streamID messages.StreamID) error
	SaveWatermark(ctx context.Context, streamID messages.StreamID, messageID messages.MessageID) error
}

// Notifier is the transport's event registration surface.
type Notifier interface {
	On(eventType transport.EventType, handler transport.Handler) transport.HandlerID
	Off(id transport.HandlerID)
}

// Config wires the Engine. Persister, Events and IDProvider are optional.
type Config struct {
	Store      *messages.Store
	History    HistorySource
	Subscriber Subscriber
	Connector  Connector
	Persister  Persister
	Events     EventSink
	IDProvider IDProvider
	Profile    history.Profile
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
	Clock      func() time.Time
}

// LoadResult summarizes one history merge.
type LoadResult struct {
	StreamID   messages.StreamID `json:"streamId"`
	Added      int               `json:"added"`
	Duplicates int               `json:"duplicates"`
	Evicted    int               `json:"evicted"`
	HasMore    bool              `json:"hasMore"`
	Cursor     string            `json:"cursor,omitempty"`
	FromCache  bool              `json:"fromCache"`
	Strategy   history.Strategy  `json:"strategy"`
}

// Status reports process-wide engine state.
type Status struct {
	Online       bool             `json:"online"`
	Streams      int              `json:"streams"`
	HeldMessages int              `json:"heldMessages"`
	Profile      history.Profile  `json:"profile"`
	Strategy     history.Strategy `json:"strategy"`
}

type streamView struct {
	ctx     context.Context
	cancel  context.CancelFunc
	window  *windowing.Window
	query   messages.Query
	cursor  string
	hasMore bool
	loaded  bool
}

// Engine coordinates the message store with the relay. It is safe for concurrent use.
type Engine struct {
	store      *messages.Store
	history    HistorySource
	subscriber Subscriber
	connector  Connector
	persister  Persister
	events     EventSink
	ids        IDProvider
	profile    history.Profile
	strategy   history.Strategy
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	clock      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	views    map[messages.StreamID]*streamView
	notifier Notifier
	handlers []transport.HandlerID
	closed   bool
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, newServiceError(opNew, reasonInvalid, errMissingStore)
	case cfg.History == nil:
		return nil, newServiceError(opNew, reasonInvalid, errMissingHistory)
	case cfg.Subscriber == nil:
		return nil, newServiceError(opNew, reasonInvalid, errMissingSubscriber)
	case cfg.Connector == nil:
		return nil, newServiceError(opNew, reasonInvalid, errMissingConnector)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	persister := cfg.Persister
	if persister == nil {
		persister = noopPersister{}
	}
	events := cfg.Events
	if events == nil {
		events = discardSink{}
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      cfg.Store,
		history:    cfg.History,
		subscriber: cfg.Subscriber,
		connector:  cfg.Connector,
		persister:  persister,
		events:     events,
		ids:        ids,
		profile:    cfg.Profile,
		strategy:   history.SelectStrategy(cfg.Profile),
		logger:     logger,
		metrics:    cfg.Metrics,
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
		views:      make(map[messages.StreamID]*streamView),
	}, nil
}

// Strategy returns the history strategy selected for the configured profile.
func (e *Engine) Strategy() history.Strategy {
	return e.strategy
}

// WatchStream opens a platform session on the relay, registers it under a new stream id and
// backfills its history. A failed backfill is published as an event and does not fail the watch.
func (e *Engine) WatchStream(ctx context.Context, platform messages.Platform, channel string) (messages.Stream, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return messages.Stream{}, newServiceError(opWatchStream, reasonInvalid, errEmptyChannel)
	}
	if _, err := messages.ParsePlatform(string(platform)); err != nil {
		return messages.Stream{}, newServiceError(opWatchStream, reasonInvalid, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	connection, err := e.connector.Connect(connectCtx, backend.ConnectRequest{Platform: string(platform), Channel: channel})
	cancel()
	if err != nil {
		e.logError(opWatchStream, reasonConnect, err, zap.String("platform", string(platform)), zap.String("channel", channel))
		return messages.Stream{}, newServiceError(opWatchStream, reasonConnect, err)
	}

	rawID, err := e.ids.NewID()
	if err != nil {
		e.logError(opWatchStream, reasonIdentifier, err)
		return messages.Stream{}, newServiceError(opWatchStream, reasonIdentifier, err)
	}
	streamID, err := messages.NewStreamID(rawID)
	if err != nil {
		return messages.Stream{}, newServiceError(opWatchStream, reasonIdentifier, err)
	}

	stream := messages.Stream{
		ID:           streamID,
		Platform:     platform,
		Channel:      channel,
		ConnectionID: connection.ID,
		Title:        connection.Title,
		Status:       messages.StatusConnecting,
	}
	if connection.Channel != "" {
		stream.Channel = connection.Channel
	}
	if err := e.addStream(ctx, opWatchStream, stream, true); err != nil {
		return messages.Stream{}, err
	}
	if _, err := e.Backfill(ctx, streamID, false); err != nil {
		e.logger.Debug("initial backfill failed", zap.String("stream_id", streamID.String()), zap.Error(err))
	}
	registered, _ := e.store.Stream(streamID)
	return registered, nil
}

// AddStream registers an already-connected stream, persists it and subscribes to it.
func (e *Engine) AddStream(ctx context.Context, stream messages.Stream) error {
	return e.addStream(ctx, opAddStream, stream, true)
}

// RestoreSubscriptions re-registers persisted streams and backfills each in the background.
// Streams that fail to register are skipped and reported together.
func (e *Engine) RestoreSubscriptions(ctx context.Context, streams []messages.Stream) error {
	var failures []error
	for _, stream := range streams {
		stream.Status = messages.StatusConnecting
		if err := e.addStream(ctx, opRestore, stream, false); err != nil {
			failures = append(failures, err)
			continue
		}
		e.goBackfill(stream.ID, false)
	}
	e.logger.Info("subscriptions restored", zap.Int("streams", len(streams)-len(failures)), zap.Int("failed", len(failures)))
	return errors.Join(failures...)
}

// RestoreWatermarks applies persisted read watermarks. Unknown streams are ignored.
func (e *Engine) RestoreWatermarks(watermarks map[messages.StreamID]messages.MessageID) {
	for streamID, messageID := range watermarks {
		if err := e.store.MarkRead(streamID, messageID); err != nil {
			e.logger.Debug("watermark for unknown stream ignored", zap.String("stream_id", streamID.String()))
		}
	}
}

func (e *Engine) addStream(ctx context.Context, op string, stream messages.Stream, persist bool) error {
	if _, err := messages.NewStreamID(stream.ID.String()); err != nil {
		return newServiceError(op, reasonInvalid, err)
	}
	if _, err := messages.ParsePlatform(string(stream.Platform)); err != nil {
		return newServiceError(op, reasonInvalid, err)
	}
	if stream.Status == "" {
		stream.Status = messages.StatusConnecting
	}
	if persist {
		if err := e.persister.SaveStream(ctx, stream); err != nil {
			e.logError(op, reasonPersist, err, zap.String("stream_id", stream.ID.String()))
			return newServiceError(op, reasonPersist, err)
		}
	}

	previous, existed := e.store.Stream(stream.ID)
	created, err := e.store.AddStream(stream)
	if err != nil {
		return newServiceError(op, reasonInvalid, err)
	}

	e.mu.Lock()
	if _, ok := e.views[stream.ID]; !ok {
		viewCtx, cancel := context.WithCancel(e.ctx)
		e.views[stream.ID] = &streamView{
			ctx:    viewCtx,
			cancel: cancel,
			window: windowing.New(e.strategy.WindowSize),
		}
	}
	e.mu.Unlock()

	if existed && previous.ConnectionID != stream.ConnectionID {
		e.subscriber.Unsubscribe(previous.ConnectionID)
	}
	if stream.ConnectionID != "" {
		e.subscriber.Subscribe(stream.ConnectionID)
	}

	eventType := EventStreamAdded
	if !created {
		eventType = EventStreamUpdated
	}
	e.publish(Event{Type: eventType, StreamID: stream.ID, Status: stream.Status})
	return nil
}

// RemoveStream stops live routing for the stream, cancels its in-flight fetches, drops its held
// messages and tears down the relay session. Relay teardown failures are logged only.
func (e *Engine) RemoveStream(ctx context.Context, streamID messages.StreamID) error {
	stream, ok := e.store.Stream(streamID)
	if !ok {
		return newServiceError(opRemoveStream, reasonNotFound, messages.ErrUnknownStream)
	}

	e.subscriber.Unsubscribe(stream.ConnectionID)

	e.mu.Lock()
	view := e.views[streamID]
	delete(e.views, streamID)
	e.mu.Unlock()
	if view != nil {
		view.cancel()
	}

	e.store.RemoveStream(streamID)
	e.history.Invalidate(stream.ConnectionID)

	persistErr := e.persister.DeleteStream(ctx, streamID)
	if persistErr != nil {
		e.logError(opRemoveStream, reasonPersist, persistErr, zap.String("stream_id", streamID.String()))
	}
	if stream.ConnectionID != "" {
		if err := e.teardownSession(ctx, stream.ConnectionID); err != nil {
			e.logger.Warn("relay session teardown failed",
				zap.String("stream_id", streamID.String()),
				zap.String("connection_id", stream.ConnectionID),
				zap.Error(err))
		}
	}

	e.publish(Event{Type: EventStreamRemoved, StreamID: streamID})
	if persistErr != nil {
		return newServiceError(opRemoveStream, reasonPersist, persistErr)
	}
	return nil
}

// RebindStream opens a fresh relay session for the stream and moves its subscription to the new
// connection id. Held messages stay keyed by the stream id.
func (e *Engine) RebindStream(ctx context.Context, streamID messages.StreamID) (messages.Stream, error) {
	stream, ok := e.store.Stream(streamID)
	if !ok {
		return messages.Stream{}, newServiceError(opRebindStream, reasonNotFound, messages.ErrUnknownStream)
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	connection, err := e.connector.Connect(connectCtx, backend.ConnectRequest{Platform: string(stream.Platform), Channel: stream.Channel})
	cancel()
	if err != nil {
		e.logError(opRebindStream, reasonConnect, err, zap.String("stream_id", streamID.String()))
		return messages.Stream{}, newServiceError(opRebindStream, reasonConnect, err)
	}

	previous, err := e.store.UpdateConnectionID(streamID, connection.ID)
	if err != nil {
		return messages.Stream{}, newServiceError(opRebindStream, reasonNotFound, err)
	}
	e.store.SetStatus(streamID, messages.StatusConnecting)
	if previous != connection.ID {
		e.subscriber.Unsubscribe(previous)
		e.history.Invalidate(previous)
	}
	e.subscriber.Subscribe(connection.ID)

	updated, ok := e.store.Stream(streamID)
	if !ok {
		return messages.Stream{}, newServiceError(opRebindStream, reasonNotFound, messages.ErrUnknownStream)
	}
	if connection.Title != "" {
		updated.Title = connection.Title
		if _, err := e.store.AddStream(updated); err != nil {
			return messages.Stream{}, newServiceError(opRebindStream, reasonInvalid, err)
		}
	}
	if err := e.persister.SaveStream(ctx, updated); err != nil {
		e.logError(opRebindStream, reasonPersist, err, zap.String("stream_id", streamID.String()))
	}
	if previous != "" && previous != connection.ID {
		if err := e.teardownSession(ctx, previous); err != nil {
			e.logger.Warn("previous relay session teardown failed",
				zap.String("connection_id", previous),
				zap.Error(err))
		}
	}

	e.logger.Info("stream rebound",
		zap.String("stream_id", streamID.String()),
		zap.String("previous_connection_id", previous),
		zap.String("connection_id", connection.ID))
	e.publish(Event{Type: EventStreamUpdated, StreamID: streamID, Status: updated.Status})
	return updated, nil
}

func (e *Engine) teardownSession(ctx context.Context, connectionID string) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, defaultDisconnectTimeout)
	defer cancel()
	return e.connector.Disconnect(disconnectCtx, connectionID)
}

// HandleLive merges messages pushed for connectionID. It is the multiplexer's delivery target.
func (e *Engine) HandleLive(connectionID string, wire []protocol.WireMessage) {
	stream, ok := e.store.StreamByConnection(connectionID)
	if !ok {
		e.metrics.ObserveStaleFrame()
		e.logger.Debug("live messages for unregistered connection dropped",
			zap.String("connection_id", connectionID),
			zap.Int("messages", len(wire)))
		return
	}
	view := e.view(stream.ID)
	if view == nil {
		return
	}
	result := e.merge(stream.ID, view, e.toMessages(stream, wire), false)
	if e.store.SetStatus(stream.ID, messages.StatusConnected) {
		e.publish(Event{Type: EventStreamUpdated, StreamID: stream.ID, Status: messages.StatusConnected})
	}
	if len(result.Added) > 0 {
		e.publish(Event{Type: EventMessagesAdded, StreamID: stream.ID, MessageIDs: result.Added})
	}
}

// Backfill loads the initial history page for the stream and merges it. With refresh the cached
// pages for the stream are dropped first. Failures are returned and published as backfill-failed.
func (e *Engine) Backfill(ctx context.Context, streamID messages.StreamID, refresh bool) (LoadResult, error) {
	stream, view, err := e.lookup(opBackfill, streamID)
	if err != nil {
		return LoadResult{}, err
	}
	if refresh {
		e.history.Invalidate(stream.ConnectionID)
	}

	fetchCtx, release := fetchContext(ctx, view)
	defer release()
	result, err := e.history.Load(fetchCtx, stream.ConnectionID, e.profile)
	if err != nil {
		return LoadResult{}, e.fetchFailed(opBackfill, streamID, view, err, true)
	}

	merged := e.merge(streamID, view, e.toMessages(stream, result.Messages), false)
	e.mu.Lock()
	if e.views[streamID] == view {
		view.cursor = result.Cursor
		view.hasMore = result.HasMore
		view.loaded = true
	}
	e.mu.Unlock()

	if len(merged.Added) > 0 {
		e.publish(Event{Type: EventMessagesAdded, StreamID: streamID, MessageIDs: merged.Added})
	}
	return LoadResult{
		StreamID:   streamID,
		Added:      len(merged.Added),
		Duplicates: merged.Duplicates,
		Evicted:    merged.Evicted,
		HasMore:    result.HasMore,
		Cursor:     result.Cursor,
		FromCache:  result.FromCache,
		Strategy:   e.strategy,
	}, nil
}

// LoadMore fetches the page strictly older than the oldest held message and keeps the
// current window on the same messages. Without held messages it falls back to Backfill.
func (e *Engine) LoadMore(ctx context.Context, streamID messages.StreamID) (LoadResult, error) {
	stream, view, err := e.lookup(opLoadMore, streamID)
	if err != nil {
		return LoadResult{}, err
	}
	cursor, ok := e.store.OldestMessageID(streamID)
	if !ok {
		return e.Backfill(ctx, streamID, false)
	}

	e.mu.Lock()
	exhausted := view.loaded && !view.hasMore && view.cursor == cursor.String()
	e.mu.Unlock()
	if exhausted {
		return LoadResult{StreamID: streamID, Cursor: cursor.String(), Strategy: e.strategy}, nil
	}

	fetchCtx, release := fetchContext(ctx, view)
	defer release()
	result, err := e.history.LoadMore(fetchCtx, stream.ConnectionID, cursor.String(), e.strategy.PageSize)
	if err != nil {
		return LoadResult{}, e.fetchFailed(opLoadMore, streamID, view, err, false)
	}

	merged := e.merge(streamID, view, e.toMessages(stream, result.Messages), true)
	e.mu.Lock()
	if e.views[streamID] == view {
		view.cursor = result.Cursor
		view.hasMore = result.HasMore
		view.loaded = true
	}
	e.mu.Unlock()

	if len(merged.Added) > 0 {
		e.publish(Event{Type: EventMessagesAdded, StreamID: streamID, MessageIDs: merged.Added})
	}
	return LoadResult{
		StreamID:   streamID,
		Added:      len(merged.Added),
		Duplicates: merged.Duplicates,
		Evicted:    merged.Evicted,
		HasMore:    result.HasMore,
		Cursor:     result.Cursor,
		FromCache:  result.FromCache,
		Strategy:   e.strategy,
	}, nil
}

// SearchInHistory queries the relay's history and replaces the stream's held set with the
// results until ClearSearch. Live messages for the stream are not merged meanwhile.
func (e *Engine) SearchInHistory(ctx context.Context, streamID messages.StreamID, query string) (LoadResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return LoadResult{}, newServiceError(opSearchHistory, reasonInvalid, errEmptyQuery)
	}
	stream, view, err := e.lookup(opSearchHistory, streamID)
	if err != nil {
		return LoadResult{}, err
	}

	fetchCtx, release := fetchContext(ctx, view)
	defer release()
	wire, err := e.history.Search(fetchCtx, stream.ConnectionID, query)
	if err != nil {
		return LoadResult{}, e.fetchFailed(opSearchHistory, streamID, view, err, false)
	}

	e.mu.Lock()
	if e.views[streamID] != view {
		e.mu.Unlock()
		return LoadResult{}, newServiceError(opSearchHistory, reasonNotFound, messages.ErrUnknownStream)
	}
	replaced, err := e.store.ReplaceMessages(streamID, query, e.toMessages(stream, wire))
	if err != nil {
		e.mu.Unlock()
		return LoadResult{}, newServiceError(opSearchHistory, reasonNotFound, err)
	}
	view.window.ScrollToBottom(e.totalLocked(streamID, view.query))
	view.cursor = ""
	view.hasMore = false
	view.loaded = false
	e.mu.Unlock()

	e.logger.Info("history search applied",
		zap.String("stream_id", streamID.String()),
		zap.Int("matches", len(replaced.Added)))
	e.publish(Event{Type: EventMessagesReplaced, StreamID: streamID, MessageIDs: replaced.Added})
	return LoadResult{StreamID: streamID, Added: len(replaced.Added), Duplicates: replaced.Duplicates, Evicted: replaced.Evicted, Strategy: e.strategy}, nil
}

// ClearSearch drops history search results and re-runs the normal backfill against a fresh
// page, since live messages dropped by the search are absent from any cached one. It is a
// no-op when no search is active.
func (e *Engine) ClearSearch(ctx context.Context, streamID messages.StreamID) (LoadResult, error) {
	_, view, err := e.lookup(opClearSearch, streamID)
	if err != nil {
		return LoadResult{}, err
	}
	if !e.store.ClearSearch(streamID) {
		return LoadResult{StreamID: streamID, Strategy: e.strategy}, nil
	}
	e.mu.Lock()
	if e.views[streamID] == view {
		view.window.ScrollToBottom(0)
	}
	e.mu.Unlock()
	e.publish(Event{Type: EventMessagesReplaced, StreamID: streamID})
	return e.Backfill(ctx, streamID, true)
}

// Messages returns the stream's held messages matching query, oldest first. Unknown streams
// yield an empty slice.
func (e *Engine) Messages(streamID messages.StreamID, query messages.Query) []messages.Message {
	held := e.store.Messages(streamID, query)
	if held == nil {
		return []messages.Message{}
	}
	return held
}

// Stats returns the stream's counts and unread state.
func (e *Engine) Stats(streamID messages.StreamID) (messages.StreamStats, error) {
	stats, err := e.store.Stats(streamID)
	if err != nil {
		return messages.StreamStats{}, newServiceError(opStats, reasonNotFound, err)
	}
	return stats, nil
}

// MarkRead moves the read watermark to messageID and persists it.
func (e *Engine) MarkRead(ctx context.Context, streamID messages.StreamID, messageID messages.MessageID) error {
	if _, err := messages.NewMessageID(messageID.String()); err != nil {
		return newServiceError(opMarkRead, reasonInvalid, err)
	}
	if err := e.store.MarkRead(streamID, messageID); err != nil {
		return newServiceError(opMarkRead, reasonNotFound, err)
	}
	return e.saveWatermark(ctx, streamID, messageID)
}

// MarkAllRead moves the watermark to the newest held message and returns it.
func (e *Engine) MarkAllRead(ctx context.Context, streamID messages.StreamID) (messages.MessageID, error) {
	messageID, err := e.store.MarkAllRead(streamID)
	if err != nil {
		return "", newServiceError(opMarkRead, reasonNotFound, err)
	}
	if messageID == "" {
		return "", nil
	}
	return messageID, e.saveWatermark(ctx, streamID, messageID)
}

func (e *Engine) saveWatermark(ctx context.Context, streamID messages.StreamID, messageID messages.MessageID) error {
	e.publish(Event{Type: EventReadStateChanged, StreamID: streamID, MessageIDs: []messages.MessageID{messageID}})
	if err := e.persister.SaveWatermark(ctx, streamID, messageID); err != nil {
		e.logError(opMarkRead, reasonPersist, err, zap.String("stream_id", streamID.String()))
		return newServiceError(opMarkRead, reasonPersist, err)
	}
	return nil
}

// SetBookmark marks or unmarks a held message.
func (e *Engine) SetBookmark(streamID messages.StreamID, messageID messages.MessageID, bookmarked bool) error {
	return e.annotated(streamID, messageID, e.store.SetBookmark(streamID, messageID, bookmarked))
}

// AddReaction counts a reaction on a held message.
func (e *Engine) AddReaction(streamID messages.StreamID, messageID messages.MessageID, emoji string) error {
	return e.annotated(streamID, messageID, e.store.AddReaction(streamID, messageID, emoji))
}

func (e *Engine) annotated(streamID messages.StreamID, messageID messages.MessageID, err error) error {
	switch {
	case err == nil:
		e.publish(Event{Type: EventAnnotated, StreamID: streamID, MessageIDs: []messages.MessageID{messageID}})
		return nil
	case errors.Is(err, messages.ErrUnknownStream), errors.Is(err, messages.ErrUnknownMessage):
		return newServiceError(opAnnotate, reasonNotFound, err)
	default:
		return newServiceError(opAnnotate, reasonInvalid, err)
	}
}

// Streams lists registered streams in the order they were added.
func (e *Engine) Streams() []messages.Stream {
	return e.store.Streams()
}

// Stream returns one registered stream.
func (e *Engine) Stream(streamID messages.StreamID) (messages.Stream, bool) {
	return e.store.Stream(streamID)
}

// Status reports connectivity and held totals.
func (e *Engine) Status() Status {
	e.mu.Lock()
	streams := len(e.views)
	e.mu.Unlock()
	return Status{
		Online:       e.subscriber.Online(),
		Streams:      streams,
		HeldMessages: e.store.Len(),
		Profile:      e.profile,
		Strategy:     e.strategy,
	}
}

// AttachTransport follows the transport's lifecycle: stream statuses track connectivity and
// every reconnect triggers a refresh backfill to reconcile the outage gap.
func (e *Engine) AttachTransport(notifier Notifier) {
	handlers := []transport.HandlerID{
		notifier.On(transport.EventConnected, e.handleConnected),
		notifier.On(transport.EventDisconnected, e.handleDisconnected),
		notifier.On(transport.EventError, e.handleTransportError),
	}
	e.mu.Lock()
	e.notifier = notifier
	e.handlers = append(e.handlers, handlers...)
	e.mu.Unlock()
}

func (e *Engine) handleConnected(event transport.Event) {
	for _, streamID := range e.store.SetAllStatuses(messages.StatusConnected) {
		e.publish(Event{Type: EventStreamUpdated, StreamID: streamID, Status: messages.StatusConnected})
	}
	e.publish(Event{Type: EventConnectionOnline})
	if event.Epoch <= 1 {
		return
	}
	for _, stream := range e.store.Streams() {
		e.goBackfill(stream.ID, true)
	}
}

func (e *Engine) handleDisconnected(event transport.Event) {
	for _, streamID := range e.store.SetAllStatuses(messages.StatusConnecting) {
		e.publish(Event{Type: EventStreamUpdated, StreamID: streamID, Status: messages.StatusConnecting})
	}
	e.publish(Event{Type: EventConnectionOffline})
}

func (e *Engine) handleTransportError(event transport.Event) {
	if !event.Terminal {
		e.logger.Warn("relay reported an error", zap.Error(event.Err))
		return
	}
	for _, streamID := range e.store.SetAllStatuses(messages.StatusError) {
		e.publish(Event{Type: EventStreamUpdated, StreamID: streamID, Status: messages.StatusError})
	}
	message := ""
	if event.Err != nil {
		message = event.Err.Error()
	}
	e.publish(Event{Type: EventConnectionLost, Error: message})
}

// Close detaches from the transport, cancels in-flight fetches and waits for background backfills.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	notifier := e.notifier
	handlers := e.handlers
	e.handlers = nil
	e.mu.Unlock()

	if notifier != nil {
		for _, id := range handlers {
			notifier.Off(id)
		}
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) goBackfill(streamID messages.StreamID, refresh bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.Backfill(e.ctx, streamID, refresh); err != nil {
			e.logger.Debug("background backfill failed", zap.String("stream_id", streamID.String()), zap.Error(err))
		}
	}()
}

func (e *Engine) lookup(op string, streamID messages.StreamID) (messages.Stream, *streamView, error) {
	stream, ok := e.store.Stream(streamID)
	if !ok {
		return messages.Stream{}, nil, newServiceError(op, reasonNotFound, messages.ErrUnknownStream)
	}
	view := e.view(streamID)
	if view == nil {
		return messages.Stream{}, nil, newServiceError(op, reasonNotFound, messages.ErrUnknownStream)
	}
	return stream, view, nil
}

func (e *Engine) view(streamID messages.StreamID) *streamView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.views[streamID]
}

// merge adds batch under the engine lock so the window adjusts against a consistent total.
// Older pages shift the window to keep the same messages in view; otherwise a window parked at
// the bottom follows the tail.
func (e *Engine) merge(streamID messages.StreamID, view *streamView, batch []messages.Message, older bool) messages.AddResult {
	e.mu.Lock()
	if e.views[streamID] != view {
		e.mu.Unlock()
		e.logger.Debug("merge for removed stream discarded", zap.String("stream_id", streamID.String()))
		return messages.AddResult{Rejected: len(batch)}
	}
	before := e.totalLocked(streamID, view.query)
	result := e.store.AddMessages(batch)
	after := e.totalLocked(streamID, view.query)
	if older {
		view.window.Shift(after-before, after)
	} else if view.window.AtBottom() {
		view.window.ScrollToBottom(after)
	}
	e.mu.Unlock()

	e.metrics.ObserveMerge(len(result.Added), result.Duplicates, result.Evicted, e.store.Len())
	return result
}

func (e *Engine) totalLocked(streamID messages.StreamID, query messages.Query) int {
	if query == (messages.Query{}) {
		return e.store.Count(streamID)
	}
	return len(e.store.Messages(streamID, query))
}

func (e *Engine) fetchFailed(op string, streamID messages.StreamID, view *streamView, err error, publish bool) error {
	if view.ctx.Err() != nil {
		return newServiceError(op, reasonNotFound, messages.ErrUnknownStream)
	}
	e.logger.Warn("history fetch failed",
		zap.String("operation", op),
		zap.String("stream_id", streamID.String()),
		zap.Error(err))
	if publish {
		e.publish(Event{Type: EventBackfillFailed, StreamID: streamID, Error: err.Error()})
	}
	return newServiceError(op, reasonFetch, err)
}

func (e *Engine) toMessages(stream messages.Stream, wire []protocol.WireMessage) []messages.Message {
	batch := make([]messages.Message, 0, len(wire))
	for _, item := range wire {
		messageID, err := messages.NewMessageID(item.ID)
		if err != nil {
			e.logger.Debug("message without a valid id skipped", zap.String("stream_id", stream.ID.String()))
			continue
		}
		platform := stream.Platform
		if parsed, err := messages.ParsePlatform(item.Platform); err == nil {
			platform = parsed
		}
		timestamp := int64(item.Timestamp)
		if timestamp == 0 {
			timestamp = e.clock().UnixMilli()
		}
		batch = append(batch, messages.Message{
			ID:         messageID,
			StreamID:   stream.ID,
			Username:   item.Username,
			Text:       item.Text,
			Platform:   platform,
			Timestamp:  timestamp,
			IsQuestion: item.IsQuestion,
		})
	}
	return batch
}

func (e *Engine) publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock().UTC()
	}
	e.events.Publish(event)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("engine operation failed", allFields...)
}

// fetchContext derives a fetch context from ctx that is also cancelled when the stream is removed.
func fetchContext(ctx context.Context, view *streamView) (context.Context, context.CancelFunc) {
	fetchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(view.ctx, cancel)
	return fetchCtx, func() {
		stop()
		cancel()
	}
}

type noopPersister struct{}

func (noopPersister) SaveStream(context.Context, messages.Stream) error { return nil }

func (noopPersister) DeleteStream(context.Context, messages.StreamID) error { return nil }

func (noopPersister) SaveWatermark(context.Context, messages.StreamID, messages.MessageID) error {
	return nil
}
