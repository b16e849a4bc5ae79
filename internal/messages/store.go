package messages

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultMaxMessages = 1000

// StoreConfig bounds the aggregate.
type StoreConfig struct {
	MaxMessages int
	Logger      *zap.Logger
}

// AddResult summarises a batch merge.
type AddResult struct {
	Added      []MessageID
	Duplicates int
	Rejected   int
	Evicted    int
}

// messageRef points at the stored entry it was created for. A ref whose entry is no longer the
// one indexed under its id (dropped, or dropped and inserted again) is stale.
type messageRef struct {
	streamID StreamID
	message  *Message
}

type streamState struct {
	stream      Stream
	messages    []*Message
	index       map[MessageID]*Message
	watermark   MessageID
	searchQuery string
	searching   bool
}

// Store is the per-stream ordered, deduplicated and globally bounded message aggregate.
// Messages are ordered by timestamp within a stream; ties keep arrival order.
// The global cap evicts the oldest messages by insertion order across all streams.
type Store struct {
	mu           sync.RWMutex
	streams      map[StreamID]*streamState
	streamOrder  []StreamID
	byConnection map[string]StreamID
	insertion    []messageRef
	held         int
	maxMessages  int
	logger       *zap.Logger
}

// NewStore constructs an empty aggregate.
func NewStore(cfg StoreConfig) *Store {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		streams:      make(map[StreamID]*streamState),
		byConnection: make(map[string]StreamID),
		maxMessages:  maxMessages,
		logger:       logger,
	}
}

// AddStream registers a stream. Re-adding an existing id refreshes its descriptive fields
// and keeps held messages. It reports whether the stream was new.
func (s *Store) AddStream(stream Stream) (bool, error) {
	if stream.ID == "" {
		return false, ErrInvalidStreamID
	}
	if stream.Status == "" {
		stream.Status = StatusConnecting
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.streams[stream.ID]; ok {
		delete(s.byConnection, state.stream.ConnectionID)
		state.stream = stream
		if stream.ConnectionID != "" {
			s.byConnection[stream.ConnectionID] = stream.ID
		}
		return false, nil
	}
	s.streams[stream.ID] = &streamState{
		stream: stream,
		index:  make(map[MessageID]*Message),
	}
	s.streamOrder = append(s.streamOrder, stream.ID)
	if stream.ConnectionID != "" {
		s.byConnection[stream.ConnectionID] = stream.ID
	}
	return true, nil
}

// RemoveStream drops a stream and all of its held messages.
func (s *Store) RemoveStream(streamID StreamID) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	s.held -= len(state.messages)
	delete(s.streams, streamID)
	if s.byConnection[state.stream.ConnectionID] == streamID {
		delete(s.byConnection, state.stream.ConnectionID)
	}
	for index, id := range s.streamOrder {
		if id == streamID {
			s.streamOrder = append(s.streamOrder[:index], s.streamOrder[index+1:]...)
			break
		}
	}
	s.compactInsertionLocked()
	return state.stream, true
}

// Stream returns the stream registered under streamID.
func (s *Store) Stream(streamID StreamID) (Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok {
		return Stream{}, false
	}
	return state.stream, true
}

// StreamByConnection resolves a wire-level connection id to its stream.
func (s *Store) StreamByConnection(connectionID string) (Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	streamID, ok := s.byConnection[connectionID]
	if !ok {
		return Stream{}, false
	}
	return s.streams[streamID].stream, true
}

// Streams lists registered streams in the order they were added.
func (s *Store) Streams() []Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stream, 0, len(s.streamOrder))
	for _, id := range s.streamOrder {
		out = append(out, s.streams[id].stream)
	}
	return out
}

// UpdateConnectionID rebinds a stream to a new wire-level connection id.
func (s *Store) UpdateConnectionID(streamID StreamID, connectionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	previous := state.stream.ConnectionID
	if s.byConnection[previous] == streamID {
		delete(s.byConnection, previous)
	}
	state.stream.ConnectionID = connectionID
	if connectionID != "" {
		s.byConnection[connectionID] = streamID
	}
	return previous, nil
}

// SetStatus updates one stream's status and reports whether it changed.
func (s *Store) SetStatus(streamID StreamID, status StreamStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok || state.stream.Status == status {
		return false
	}
	state.stream.Status = status
	return true
}

// SetAllStatuses updates every stream and returns the ids whose status changed.
func (s *Store) SetAllStatuses(status StreamStatus) []StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []StreamID
	for _, id := range s.streamOrder {
		state := s.streams[id]
		if state.stream.Status != status {
			state.stream.Status = status
			changed = append(changed, id)
		}
	}
	return changed
}

// AddMessage merges one message by id. It is a no-op when the id is already held for the
// stream, when the stream is unknown, or while a history search replaces the stream's set.
func (s *Store) AddMessage(message Message) bool {
	result := s.AddMessages([]Message{message})
	return len(result.Added) == 1
}

// AddMessages merges a batch, then enforces the global cap.
func (s *Store) AddMessages(batch []Message) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result AddResult
	for _, message := range batch {
		state, ok := s.streams[message.StreamID]
		if !ok || state.searching {
			result.Rejected++
			continue
		}
		if !s.insertLocked(state, message) {
			result.Duplicates++
			continue
		}
		result.Added = append(result.Added, message.ID)
	}
	result.Evicted = s.enforceCapLocked()
	if result.Evicted > 0 {
		s.logger.Debug("evicted messages over global cap",
			zap.Int("evicted", result.Evicted),
			zap.Int("max_messages", s.maxMessages))
	}
	return result
}

func (s *Store) insertLocked(state *streamState, message Message) bool {
	if message.ID == "" {
		return false
	}
	if _, exists := state.index[message.ID]; exists {
		return false
	}
	stored := message.clone()
	if stored.Platform == "" {
		stored.Platform = state.stream.Platform
	}
	if !stored.IsQuestion {
		stored.IsQuestion = DetectQuestion(stored.Text)
	}

	position := sort.Search(len(state.messages), func(i int) bool {
		return state.messages[i].Timestamp > stored.Timestamp
	})
	state.messages = append(state.messages, nil)
	copy(state.messages[position+1:], state.messages[position:])
	state.messages[position] = &stored
	state.index[stored.ID] = &stored

	s.insertion = append(s.insertion, messageRef{streamID: state.stream.ID, message: &stored})
	s.held++
	return true
}

func (s *Store) enforceCapLocked() int {
	evicted := 0
	for s.held > s.maxMessages && len(s.insertion) > 0 {
		ref := s.insertion[0]
		s.insertion = s.insertion[1:]
		if !s.liveLocked(ref) {
			continue
		}
		if s.removeLocked(s.streams[ref.streamID], ref.message.ID) {
			evicted++
		}
	}
	return evicted
}

func (s *Store) removeLocked(state *streamState, messageID MessageID) bool {
	if _, ok := state.index[messageID]; !ok {
		return false
	}
	delete(state.index, messageID)
	for position, held := range state.messages {
		if held.ID == messageID {
			state.messages = append(state.messages[:position], state.messages[position+1:]...)
			break
		}
	}
	s.held--
	return true
}

// compactInsertionLocked drops references to messages that are no longer held once stale
// references outnumber live ones.
func (s *Store) compactInsertionLocked() {
	if len(s.insertion) <= 2*s.held+s.maxMessages {
		return
	}
	live := s.insertion[:0]
	for _, ref := range s.insertion {
		if s.liveLocked(ref) {
			live = append(live, ref)
		}
	}
	clear(s.insertion[len(live):])
	s.insertion = live
}

func (s *Store) liveLocked(ref messageRef) bool {
	state, ok := s.streams[ref.streamID]
	if !ok {
		return false
	}
	return state.index[ref.message.ID] == ref.message
}

// Messages returns a read-only ordered view (oldest first) of a stream's held messages.
func (s *Store) Messages(streamID StreamID, query Query) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, 0, len(state.messages))
	for _, message := range state.messages {
		if query.matches(message) {
			out = append(out, message.clone())
		}
	}
	return out
}

// Count returns how many messages are held for the stream.
func (s *Store) Count(streamID StreamID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.streams[streamID]; ok {
		return len(state.messages)
	}
	return 0
}

// Len returns how many messages are held across all streams.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.held
}

// OldestMessageID returns the pagination cursor for the next older page.
func (s *Store) OldestMessageID(streamID StreamID) (MessageID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok || len(state.messages) == 0 {
		return "", false
	}
	return state.messages[0].ID, true
}

// NewestMessageID returns the id of the latest held message.
func (s *Store) NewestMessageID(streamID StreamID) (MessageID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok || len(state.messages) == 0 {
		return "", false
	}
	return state.messages[len(state.messages)-1].ID, true
}

// MarkRead moves the stream's read watermark. The id does not have to be held.
func (s *Store) MarkRead(streamID StreamID, messageID MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	state.watermark = messageID
	return nil
}

// MarkAllRead moves the watermark to the newest held message.
func (s *Store) MarkAllRead(streamID StreamID) (MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if len(state.messages) == 0 {
		return state.watermark, nil
	}
	state.watermark = state.messages[len(state.messages)-1].ID
	return state.watermark, nil
}

// Stats computes counts for the stream. Unread messages are those newer than the watermark;
// when the watermark is unset or no longer held, every held message counts as unread.
func (s *Store) Stats(streamID StreamID) (StreamStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok {
		return StreamStats{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}

	stats := StreamStats{
		StreamID:  streamID,
		Total:     len(state.messages),
		Watermark: state.watermark,
		Searching: state.searching,
	}
	if stats.Total > 0 {
		stats.LastMessageAt = state.messages[stats.Total-1].Timestamp
	}
	for _, message := range state.messages {
		if message.IsQuestion {
			stats.Questions++
		}
		if message.Annotations.Bookmarked {
			stats.Bookmarked++
		}
	}

	unread, unreadQuestions := 0, 0
	for position := len(state.messages) - 1; position >= 0; position-- {
		message := state.messages[position]
		if state.watermark != "" && message.ID == state.watermark {
			stats.WatermarkHeld = true
			break
		}
		unread++
		if message.IsQuestion {
			unreadQuestions++
		}
	}
	stats.Unread = unread
	stats.UnreadQuestions = unreadQuestions
	return stats, nil
}

// ReplaceMessages swaps the stream's held set for history search results until ClearSearch.
// Live messages for the stream are rejected while the replacement is active.
func (s *Store) ReplaceMessages(streamID StreamID, query string, results []Message) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok {
		return AddResult{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	s.dropAllLocked(state)
	state.searching = true
	state.searchQuery = strings.TrimSpace(query)

	var result AddResult
	for _, message := range results {
		message.StreamID = streamID
		if !s.insertLocked(state, message) {
			result.Duplicates++
			continue
		}
		result.Added = append(result.Added, message.ID)
	}
	result.Evicted = s.enforceCapLocked()
	return result, nil
}

// ClearSearch ends a history search, dropping its results. It reports whether a search was active.
func (s *Store) ClearSearch(streamID StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok || !state.searching {
		return false
	}
	s.dropAllLocked(state)
	state.searching = false
	state.searchQuery = ""
	return true
}

// SearchQuery returns the active history search query for the stream.
func (s *Store) SearchQuery(streamID StreamID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.streams[streamID]
	if !ok || !state.searching {
		return "", false
	}
	return state.searchQuery, true
}

func (s *Store) dropAllLocked(state *streamState) {
	s.held -= len(state.messages)
	state.messages = nil
	state.index = make(map[MessageID]*Message)
	s.compactInsertionLocked()
}

// SetBookmark marks or unmarks a held message.
func (s *Store) SetBookmark(streamID StreamID, messageID MessageID, bookmarked bool) error {
	return s.annotate(streamID, messageID, func(annotations *Annotations) {
		annotations.Bookmarked = bookmarked
	})
}

// AddReaction increments the count for emoji on a held message.
func (s *Store) AddReaction(streamID StreamID, messageID MessageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("messages: reaction is required")
	}
	return s.annotate(streamID, messageID, func(annotations *Annotations) {
		if annotations.Reactions == nil {
			annotations.Reactions = make(map[string]int)
		}
		annotations.Reactions[emoji]++
	})
}

func (s *Store) annotate(streamID StreamID, messageID MessageID, apply func(*Annotations)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	message, ok := state.index[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	apply(&message.Annotations)
	return nil
}
