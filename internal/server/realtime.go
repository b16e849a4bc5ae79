package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/chatsync/internal/engine"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeAllStreams     = "*"
)

// RealtimeDispatcher fans engine events out to SSE subscribers. It implements engine.EventSink.
// Slow subscribers miss events rather than stall the engine.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan engine.Event
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  64,
	}
}

// Subscribe registers for events of one stream, or of all streams when streamID is empty.
// Connection events carry no stream id and reach every subscriber.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, streamID string) (<-chan engine.Event, func()) {
	key := streamID
	if key == "" {
		key = realtimeAllStreams
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan engine.Event, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(key, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(event engine.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	var targets []*realtimeSubscriber
	if event.StreamID == "" {
		for _, subscribers := range d.subscribers {
			for _, subscriber := range subscribers {
				targets = append(targets, subscriber)
			}
		}
	} else {
		for _, key := range []string{event.StreamID.String(), realtimeAllStreams} {
			for _, subscriber := range d.subscribers[key] {
				targets = append(targets, subscriber)
			}
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range targets {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports active subscriptions across all keys.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
