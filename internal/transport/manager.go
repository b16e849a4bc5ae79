// Package transport owns the single websocket connection to the chat relay: dialing,
// exponential-backoff reconnects, keepalive pings and event fan-out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
)

const (
	defaultBaseDelay    = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultPingInterval = 30 * time.Second
	defaultDialTimeout  = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

var (
	// ErrReconnectExhausted is carried by the terminal error event once MaxAttempts reconnects failed.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrServerReported wraps an error frame pushed by the relay.
	ErrServerReported = errors.New("transport: relay reported an error")
	errMissingURL     = errors.New("transport: url is required")
)

// TransportError describes a failed dial or send.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport.%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// State is the connection lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// AllStates lists every lifecycle state.
var AllStates = []State{StateIdle, StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateClosed}

// EventType names what a handler is notified about.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventMessage      EventType = "message"
	EventError        EventType = "error"
)

// Event is emitted to handlers registered with On.
type Event struct {
	Type  EventType
	Epoch uint64
	Frame protocol.ServerFrame
	Err   error
	// Code is the websocket close code of a disconnected event.
	Code int
	// Terminal marks the error event after which no further reconnects happen.
	Terminal bool
	Attempt  int
}

// Handler receives events. Handlers run on the connection goroutine and must not block.
type Handler func(Event)

// HandlerID identifies a registration for Off.
type HandlerID uint64

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a transport connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Config configures the Manager.
type Config struct {
	URL          string
	Dial         DialFunc
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PingInterval time.Duration
	DialTimeout  time.Duration
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
	Clock        func() time.Time
}

type registration struct {
	id        HandlerID
	eventType EventType
	handler   Handler
}

type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns at most one live connection.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	epoch       uint64
	attempt     int
	run         *runState
	handlers    []registration
	nextHandler HandlerID

	writeMu sync.Mutex
}

// NewManager validates configuration and returns an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Dial == nil {
		cfg.Dial = WebsocketDialer(cfg.DialTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{cfg: cfg, logger: logger, state: StateIdle}
	cfg.Metrics.SetConnectionState(string(StateIdle))
	return manager, nil
}

// WebsocketDialer dials with gorilla/websocket, bounded by timeout.
func WebsocketDialer(timeout time.Duration) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, response, err := dialer.DialContext(dialCtx, url, nil)
		if response != nil && response.Body != nil {
			response.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Backoff returns min(base * 2^attempt, maxDelay).
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for step := 0; step < attempt; step++ {
		if delay >= maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return min(delay, maxDelay)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch returns the sequence number of the current or most recent connection.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// On registers handler for eventType.
func (m *Manager) On(eventType EventType, handler Handler) HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandler++
	m.handlers = append(m.handlers, registration{id: m.nextHandler, eventType: eventType, handler: handler})
	return m.nextHandler
}

// Off removes a registration.
func (m *Manager) Off(id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for index, registered := range m.handlers {
		if registered.id == id {
			m.handlers = append(m.handlers[:index], m.handlers[index+1:]...)
			return
		}
	}
}

// Connect starts the connection loop unless one is already running. The loop ends when ctx is
// cancelled, Disconnect is called or reconnects are exhausted. A close initiated by the relay is
// retried whatever its code.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	m.mu.Lock()
	if m.run != nil {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &runState{ctx: runCtx, cancel: cancel}
	m.run = run
	m.attempt = 0
	m.mu.Unlock()

	go m.loop(run)
	return nil
}

// Disconnect closes the connection with code 1000 and stops reconnecting.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	run := m.run
	conn := m.conn
	wasConnected := m.state == StateConnected
	epoch := m.epoch
	if run == nil && m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.run = nil
	m.conn = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if run != nil {
		run.cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	m.logger.Info("transport disconnected by client")
	if wasConnected {
		m.emit(Event{Type: EventDisconnected, Epoch: epoch, Code: websocket.CloseNormalClosure})
	}
}

// Send delivers frame when connected. Failures are silent; the caller must not assume delivery.
func (m *Manager) Send(frame protocol.ClientFrame) bool {
	_, ok := m.Deliver(frame)
	return ok
}

// Deliver is Send that also reports the connection epoch the frame was written on.
func (m *Manager) Deliver(frame protocol.ClientFrame) (uint64, bool) {
	m.mu.Lock()
	conn := m.conn
	epoch := m.epoch
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return 0, false
	}

	payload, err := frame.Encode()
	if err != nil {
		m.logger.Warn("encode client frame", zap.String("type", frame.Type), zap.Error(err))
		return 0, false
	}

	m.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Debug("send frame failed",
			zap.String("type", frame.Type),
			zap.Uint64("epoch", epoch),
			zap.Error(&TransportError{Op: "send", Err: err}))
		return 0, false
	}
	return epoch, true
}

func (m *Manager) loop(run *runState) {
	for {
		if !m.transition(run, StateConnecting) {
			return
		}
		conn, err := m.cfg.Dial(run.ctx, m.cfg.URL)
		if err != nil {
			if run.ctx.Err() != nil {
				m.finish(run)
				return
			}
			dialErr := &TransportError{Op: "dial", Err: err}
			m.logger.Warn("transport dial failed", zap.String("url", m.cfg.URL), zap.Error(dialErr))
			m.emit(Event{Type: EventError, Err: dialErr, Attempt: m.currentAttempt()})
			if !m.waitForRetry(run) {
				return
			}
			continue
		}

		epoch, ok := m.attach(run, conn)
		if !ok {
			_ = conn.Close()
			return
		}
		m.logger.Info("transport connected", zap.String("url", m.cfg.URL), zap.Uint64("epoch", epoch))
		m.emit(Event{Type: EventConnected, Epoch: epoch})

		keepaliveCtx, stopKeepalive := context.WithCancel(run.ctx)
		go m.keepalive(keepaliveCtx)
		code, readErr := m.readLoop(conn, epoch)
		stopKeepalive()
		_ = conn.Close()

		if !m.detach(run, conn) {
			return
		}
		m.logger.Info("transport connection lost",
			zap.Uint64("epoch", epoch),
			zap.Int("code", code),
			zap.Error(readErr))
		m.emit(Event{Type: EventDisconnected, Epoch: epoch, Code: code, Err: readErr})
		if !m.waitForRetry(run) {
			return
		}
	}
}

func (m *Manager) readLoop(conn Conn, epoch uint64) (int, error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, err
			}
			return websocket.CloseAbnormalClosure, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			m.cfg.Metrics.ObserveProtocolError()
			m.logger.Warn("dropping malformed frame", zap.Uint64("epoch", epoch), zap.Error(err))
			continue
		}
		m.cfg.Metrics.ObserveFrame(frame.Type)
		switch frame.Type {
		case protocol.TypePong:
		case protocol.TypeSubscribed, protocol.TypeUnsubscribed:
			m.logger.Debug("relay acknowledged subscription change",
				zap.String("type", frame.Type),
				zap.String("connection_id", frame.ConnectionID),
				zap.Uint64("epoch", epoch))
		case protocol.TypeError:
			m.logger.Warn("relay reported error", zap.String("message", frame.Message))
			m.emit(Event{Type: EventError, Epoch: epoch, Err: fmt.Errorf("%w: %s", ErrServerReported, frame.Message)})
		default:
			m.emit(Event{Type: EventMessage, Epoch: epoch, Frame: frame})
		}
	}
}

func (m *Manager) keepalive(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Send(protocol.Ping(m.cfg.Clock()))
		}
	}
}

// waitForRetry sleeps for the next backoff delay, or closes the manager when attempts are exhausted.
func (m *Manager) waitForRetry(run *runState) bool {
	m.mu.Lock()
	if m.run != run {
		m.mu.Unlock()
		return false
	}
	if m.attempt >= m.cfg.MaxAttempts {
		attempts := m.attempt
		m.run = nil
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		run.cancel()
		m.logger.Error("transport giving up", zap.Int("attempts", attempts), zap.String("url", m.cfg.URL))
		m.emit(Event{Type: EventError, Err: ErrReconnectExhausted, Terminal: true, Attempt: attempts})
		return false
	}
	delay := Backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.attempt)
	m.attempt++
	attempt := m.attempt
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	m.cfg.Metrics.ObserveReconnect()
	m.logger.Info("transport reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-run.ctx.Done():
		m.finish(run)
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) transition(run *runState, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != run || run.ctx.Err() != nil {
		return false
	}
	m.setStateLocked(next)
	return true
}

func (m *Manager) attach(run *runState, conn Conn) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != run || run.ctx.Err() != nil {
		return 0, false
	}
	m.conn = conn
	m.epoch++
	m.attempt = 0
	m.setStateLocked(StateConnected)
	return m.epoch, true
}

func (m *Manager) detach(run *runState, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.run != run || run.ctx.Err() != nil {
		return false
	}
	m.setStateLocked(StateDisconnected)
	return true
}

// finish ends a run that stopped without an explicit Disconnect.
func (m *Manager) finish(run *runState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != run {
		return
	}
	m.run = nil
	if run.ctx.Err() != nil {
		m.setStateLocked(StateClosed)
	} else {
		m.setStateLocked(StateDisconnected)
	}
	run.cancel()
}

func (m *Manager) currentAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	m.cfg.Metrics.SetConnectionState(string(next))
}

func (m *Manager) emit(event Event) {
	m.mu.Lock()
	targets := make([]registration, 0, len(m.handlers))
	for _, registered := range m.handlers {
		if registered.eventType == event.Type {
			targets = append(targets, registered)
		}
	}
	m.mu.Unlock()
	for _, registered := range targets {
		registered.handler(event)
	}
}
