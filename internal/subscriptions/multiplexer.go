// Package subscriptions maintains the desired set of relay subscriptions and replays it after
// every reconnect.
package subscriptions

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/chatsync/internal/transport"
)

var (
	// ErrStaleSubscription marks a message frame for a connection id that is no longer desired.
	// Such frames are dropped and never surfaced to callers.
	ErrStaleSubscription = errors.New("subscriptions: stale subscription")
	errMissingTransport  = errors.New("subscriptions: transport is required")
	errMissingDelivery   = errors.New("subscriptions: delivery callback is required")
)

// Transport is the part of the connection manager the multiplexer drives.
type Transport interface {
	Deliver(frame protocol.ClientFrame) (uint64, bool)
	On(eventType transport.EventType, handler transport.Handler) transport.HandlerID
	Off(id transport.HandlerID)
}

// Delivery receives the messages of a frame whose connection id is desired.
type Delivery func(connectionID string, messages []protocol.WireMessage)

// Config wires the multiplexer.
type Config struct {
	Transport Transport
	Deliver   Delivery
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

// Multiplexer owns the authoritative desired subscription set. Each desired id remembers the
// connection epoch its subscribe frame was last written on, so a replay sends exactly one frame
// per id per epoch.
type Multiplexer struct {
	transport Transport
	deliver   Delivery
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	// sendMu serialises frame-issuing operations; mu guards state and is never held across I/O.
	sendMu   sync.Mutex
	mu       sync.Mutex
	desired  map[string]uint64
	epoch    uint64
	handlers []transport.HandlerID
}

// NewMultiplexer registers on the transport's connected, disconnected and message events.
func NewMultiplexer(cfg Config) (*Multiplexer, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Deliver == nil {
		return nil, errMissingDelivery
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	multiplexer := &Multiplexer{
		transport: cfg.Transport,
		deliver:   cfg.Deliver,
		logger:    logger,
		metrics:   cfg.Metrics,
		desired:   make(map[string]uint64),
	}
	multiplexer.handlers = []transport.HandlerID{
		cfg.Transport.On(transport.EventConnected, multiplexer.handleConnected),
		cfg.Transport.On(transport.EventDisconnected, multiplexer.handleDisconnected),
		cfg.Transport.On(transport.EventMessage, multiplexer.handleMessage),
	}
	return multiplexer, nil
}

// Close detaches from the transport. The desired set is kept.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	handlers := m.handlers
	m.handlers = nil
	m.mu.Unlock()
	for _, id := range handlers {
		m.transport.Off(id)
	}
}

// Subscribe adds connectionID to the desired set and sends a subscribe frame if connected.
// It reports false when the id was already desired.
func (m *Multiplexer) Subscribe(connectionID string) bool {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return false
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if _, exists := m.desired[connectionID]; exists {
		m.mu.Unlock()
		return false
	}
	m.desired[connectionID] = 0
	count := len(m.desired)
	m.mu.Unlock()
	m.metrics.SetSubscriptions(count)

	m.sendSubscribeLocked(connectionID)
	return true
}

// Unsubscribe drops connectionID from the desired set before sending the unsubscribe frame, so
// routing for it stops immediately. It reports false when the id was not desired.
func (m *Multiplexer) Unsubscribe(connectionID string) bool {
	connectionID = strings.TrimSpace(connectionID)
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if _, exists := m.desired[connectionID]; !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.desired, connectionID)
	count := len(m.desired)
	m.mu.Unlock()
	m.metrics.SetSubscriptions(count)

	if _, ok := m.transport.Deliver(protocol.Unsubscribe(connectionID)); !ok {
		m.logger.Debug("unsubscribe frame not sent while offline", zap.String("connection_id", connectionID))
	}
	return true
}

// IsSubscribed reports whether connectionID is in the desired set.
func (m *Multiplexer) IsSubscribed(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.desired[connectionID]
	return exists
}

// Online reports whether a connected event has been seen since the last disconnect.
func (m *Multiplexer) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != 0
}

// Desired returns the desired set, sorted.
func (m *Multiplexer) Desired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

func (m *Multiplexer) sortedLocked() []string {
	ids := make([]string, 0, len(m.desired))
	for id := range m.desired {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Multiplexer) sendSubscribeLocked(connectionID string) {
	epoch, ok := m.transport.Deliver(protocol.Subscribe(connectionID))
	if !ok {
		m.logger.Debug("subscribe deferred until connected", zap.String("connection_id", connectionID))
		return
	}
	m.mu.Lock()
	if _, exists := m.desired[connectionID]; exists {
		m.desired[connectionID] = epoch
	}
	m.mu.Unlock()
}

func (m *Multiplexer) handleConnected(event transport.Event) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	m.epoch = event.Epoch
	pending := make([]string, 0, len(m.desired))
	for _, id := range m.sortedLocked() {
		if m.desired[id] != event.Epoch {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()

	for _, id := range pending {
		m.sendSubscribeLocked(id)
	}
	if len(pending) > 0 {
		m.logger.Info("replayed subscriptions", zap.Uint64("epoch", event.Epoch), zap.Int("count", len(pending)))
	}
}

func (m *Multiplexer) handleDisconnected(transport.Event) {
	m.mu.Lock()
	m.epoch = 0
	m.mu.Unlock()
}

func (m *Multiplexer) handleMessage(event transport.Event) {
	connectionID := event.Frame.ConnectionID
	if !m.IsSubscribed(connectionID) {
		m.metrics.ObserveStaleFrame()
		m.logger.Debug("dropping frame",
			zap.String("connection_id", connectionID),
			zap.Error(ErrStaleSubscription))
		return
	}
	messages, err := event.Frame.Messages()
	if err != nil {
		m.metrics.ObserveProtocolError()
		m.logger.Warn("dropping message frame", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}
	m.deliver(connectionID, messages)
}
