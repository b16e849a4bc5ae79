package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/chatsync/internal/backend"
	"github.com/MarcoPoloResearchLab/chatsync/internal/engine"
	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/chatsync/internal/transport"
)

type stubSubscriber struct {
	mu      sync.Mutex
	desired map[string]bool
}

func (s *stubSubscriber) Subscribe(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desired[connectionID] {
		return false
	}
	s.desired[connectionID] = true
	return true
}

func (s *stubSubscriber) Unsubscribe(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.desired[connectionID] {
		return false
	}
	delete(s.desired, connectionID)
	return true
}

func (s *stubSubscriber) Online() bool { return true }

type stubHistory struct {
	mu   sync.Mutex
	page history.Result
	err  error
}

func (s *stubHistory) Load(context.Context, string, history.Profile) (history.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page, s.err
}

func (s *stubHistory) LoadMore(_ context.Context, _ string, cursor string, _ int) (history.Result, error) {
	return history.Result{Cursor: cursor}, nil
}

func (s *stubHistory) Search(context.Context, string, string) ([]protocol.WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page.Messages, nil
}

func (s *stubHistory) Invalidate(string) int { return 0 }

func (s *stubHistory) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubConnector struct{}

func (stubConnector) Connect(_ context.Context, request backend.ConnectRequest) (backend.Connection, error) {
	return backend.Connection{ID: "conn-" + request.Channel, Platform: request.Platform, Channel: request.Channel}, nil
}

func (stubConnector) Disconnect(context.Context, string) error { return nil }

type stubTransportStatus struct{}

func (stubTransportStatus) State() transport.State { return transport.StateConnected }

func (stubTransportStatus) Epoch() uint64 { return 3 }

type testServer struct {
	engine   *engine.Engine
	handler  http.Handler
	history  *stubHistory
	realtime *RealtimeDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var page []protocol.WireMessage
	for id := 1; id <= 3; id++ {
		page = append(page, protocol.WireMessage{
			ID:        strconv.Itoa(id),
			Username:  "viewer",
			Text:      fmt.Sprintf("question %d?", id),
			Timestamp: protocol.Timestamp(int64(id) * 1000),
		})
	}
	stub := &stubHistory{page: history.Result{Messages: page}}
	dispatcher := NewRealtimeDispatcher()
	metrics := telemetry.NewMetrics()

	eng, err := engine.New(engine.Config{
		Store:      messages.NewStore(messages.StoreConfig{}),
		History:    stub,
		Subscriber: &stubSubscriber{desired: make(map[string]bool)},
		Connector:  stubConnector{},
		Events:     dispatcher,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Engine:            eng,
		Realtime:          dispatcher,
		Metrics:           metrics,
		Transport:         stubTransportStatus{},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	return &testServer{engine: eng, handler: handler, history: stub, realtime: dispatcher}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing engine to be rejected")
	}
}

func TestStreamLifecycleRoutes(t *testing.T) {
	server := newTestServer(t)

	created := server.do(t, http.MethodPost, "/streams", `{"platform":"YouTube","channel":"somechannel"}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var createdPayload streamResponsePayload
	decodeBody(t, created, &createdPayload)
	stream := createdPayload.Stream
	if stream.Platform != messages.PlatformYouTube || stream.ConnectionID != "conn-somechannel" || stream.ID == "" {
		t.Fatalf("unexpected stream %+v", stream)
	}

	listed := server.do(t, http.MethodGet, "/streams", "")
	var listPayload streamsResponsePayload
	decodeBody(t, listed, &listPayload)
	if len(listPayload.Streams) != 1 || listPayload.Streams[0].ID != stream.ID {
		t.Fatalf("unexpected stream list %+v", listPayload)
	}

	base := "/streams/" + stream.ID.String()
	held := server.do(t, http.MethodGet, base+"/messages?filter=questions&search=question%202", "")
	var messagesPayload messagesResponsePayload
	decodeBody(t, held, &messagesPayload)
	if len(messagesPayload.Messages) != 1 || messagesPayload.Messages[0].ID != "2" {
		t.Fatalf("unexpected filtered messages %+v", messagesPayload)
	}

	read := server.do(t, http.MethodPost, base+"/read", "")
	var readPayload readResponsePayload
	decodeBody(t, read, &readPayload)
	if read.Code != http.StatusOK || readPayload.LastReadMessageID != "3" {
		t.Fatalf("unexpected read response %d %+v", read.Code, readPayload)
	}
	stats := server.do(t, http.MethodGet, base+"/stats", "")
	var statsPayload messages.StreamStats
	decodeBody(t, stats, &statsPayload)
	if statsPayload.Total != 3 || statsPayload.Unread != 0 || statsPayload.Questions != 3 {
		t.Fatalf("unexpected stats %+v", statsPayload)
	}

	marked := server.do(t, http.MethodPost, base+"/read", `{"messageId":"1"}`)
	if marked.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", marked.Code)
	}
	stats = server.do(t, http.MethodGet, base+"/stats", "")
	decodeBody(t, stats, &statsPayload)
	if statsPayload.Unread != 2 || statsPayload.UnreadQuestions != 2 {
		t.Fatalf("unexpected unread counts %+v", statsPayload)
	}

	bookmarked := server.do(t, http.MethodPost, base+"/messages/2/bookmark", `{"bookmarked":true}`)
	if bookmarked.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", bookmarked.Code, bookmarked.Body.String())
	}
	reacted := server.do(t, http.MethodPost, base+"/messages/2/reactions", `{"emoji":"👍"}`)
	if reacted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", reacted.Code)
	}
	held = server.do(t, http.MethodGet, base+"/messages?filter=bookmarked", "")
	decodeBody(t, held, &messagesPayload)
	if len(messagesPayload.Messages) != 1 || messagesPayload.Messages[0].Annotations.Reactions["👍"] != 1 {
		t.Fatalf("unexpected bookmarked messages %+v", messagesPayload)
	}

	removed := server.do(t, http.MethodDelete, base, "")
	if removed.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", removed.Code)
	}
	missing := server.do(t, http.MethodGet, base+"/messages", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", missing.Code)
	}
}

func TestViewScrollAndSearchRoutes(t *testing.T) {
	server := newTestServer(t)
	stream := messages.Stream{ID: "stream-1", Platform: messages.PlatformKick, Channel: "caster", ConnectionID: "c1"}
	if err := server.engine.AddStream(context.Background(), stream); err != nil {
		t.Fatalf("add stream: %v", err)
	}

	backfilled := server.do(t, http.MethodPost, "/streams/stream-1/backfill?refresh=true", "")
	var loadPayload engine.LoadResult
	decodeBody(t, backfilled, &loadPayload)
	if backfilled.Code != http.StatusOK || loadPayload.Added != 3 || loadPayload.Strategy.Name != "full" {
		t.Fatalf("unexpected backfill response %d %+v", backfilled.Code, loadPayload)
	}

	viewed := server.do(t, http.MethodGet, "/streams/stream-1/view", "")
	var viewPayload engine.View
	decodeBody(t, viewed, &viewPayload)
	if viewPayload.Total != 3 || viewPayload.Range.End != 3 || !viewPayload.AtBottom || len(viewPayload.Messages) != 3 {
		t.Fatalf("unexpected view %+v", viewPayload)
	}

	scrolled := server.do(t, http.MethodPost, "/streams/stream-1/scroll", `{"direction":"top"}`)
	decodeBody(t, scrolled, &viewPayload)
	if scrolled.Code != http.StatusOK || viewPayload.Range.Start != 0 {
		t.Fatalf("unexpected scroll response %d %+v", scrolled.Code, viewPayload)
	}

	more := server.do(t, http.MethodPost, "/streams/stream-1/more", "")
	if more.Code != http.StatusOK {
		t.Fatalf("expected 200 from load more, got %d", more.Code)
	}

	searched := server.do(t, http.MethodPost, "/streams/stream-1/search", `{"query":"question"}`)
	decodeBody(t, searched, &loadPayload)
	if searched.Code != http.StatusOK || loadPayload.Added != 3 {
		t.Fatalf("unexpected search response %d %+v", searched.Code, loadPayload)
	}
	viewed = server.do(t, http.MethodGet, "/streams/stream-1/view", "")
	decodeBody(t, viewed, &viewPayload)
	if !viewPayload.Searching {
		t.Fatalf("expected view to report an active search")
	}
	cleared := server.do(t, http.MethodDelete, "/streams/stream-1/search", "")
	if cleared.Code != http.StatusOK {
		t.Fatalf("expected 200 from clear search, got %d", cleared.Code)
	}

	rebound := server.do(t, http.MethodPost, "/streams/stream-1/rebind", "")
	var streamPayload streamResponsePayload
	decodeBody(t, rebound, &streamPayload)
	if rebound.Code != http.StatusOK || streamPayload.Stream.ConnectionID != "conn-caster" {
		t.Fatalf("unexpected rebind response %d %+v", rebound.Code, streamPayload)
	}
}

func TestRouteErrorMapping(t *testing.T) {
	server := newTestServer(t)
	if err := server.engine.AddStream(context.Background(), messages.Stream{ID: "stream-1", Platform: messages.PlatformTwitch, ConnectionID: "c1"}); err != nil {
		t.Fatalf("add stream: %v", err)
	}

	testCases := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "unknown stream stats", method: http.MethodGet, path: "/streams/nope/stats", wantStatus: http.StatusNotFound, wantError: "engine.stats.not_found"},
		{name: "unknown stream removal", method: http.MethodDelete, path: "/streams/nope", wantStatus: http.StatusNotFound, wantError: "engine.remove_stream.not_found"},
		{name: "invalid platform", method: http.MethodPost, path: "/streams", body: `{"platform":"myspace","channel":"x"}`, wantStatus: http.StatusBadRequest, wantError: "invalid_platform"},
		{name: "missing channel", method: http.MethodPost, path: "/streams", body: `{"platform":"kick","channel":" "}`, wantStatus: http.StatusBadRequest, wantError: "engine.watch_stream.invalid_input"},
		{name: "invalid filter", method: http.MethodGet, path: "/streams/stream-1/view?filter=loud", wantStatus: http.StatusBadRequest, wantError: "invalid_filter"},
		{name: "invalid direction", method: http.MethodPost, path: "/streams/stream-1/scroll", body: `{"direction":"left"}`, wantStatus: http.StatusBadRequest, wantError: "invalid_direction"},
		{name: "empty search", method: http.MethodPost, path: "/streams/stream-1/search", body: `{"query":""}`, wantStatus: http.StatusBadRequest, wantError: "engine.search_history.invalid_input"},
		{name: "bookmark without flag", method: http.MethodPost, path: "/streams/stream-1/messages/1/bookmark", body: `{}`, wantStatus: http.StatusBadRequest, wantError: "invalid_request"},
		{name: "bookmark unknown message", method: http.MethodPost, path: "/streams/stream-1/messages/1/bookmark", body: `{"bookmarked":true}`, wantStatus: http.StatusNotFound, wantError: "engine.annotate.not_found"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, testCase.method, testCase.path, testCase.body)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d: %s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			var payload map[string]string
			decodeBody(t, recorder, &payload)
			if payload["error"] != testCase.wantError {
				t.Fatalf("expected error %q, got %q", testCase.wantError, payload["error"])
			}
		})
	}

	server.history.fail(&history.FetchError{StreamID: "c1", Op: "load", Err: context.DeadlineExceeded})
	timedOut := server.do(t, http.MethodPost, "/streams/stream-1/backfill", "")
	if timedOut.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for a timed out fetch, got %d", timedOut.Code)
	}
	server.history.fail(fmt.Errorf("connection refused"))
	failed := server.do(t, http.MethodPost, "/streams/stream-1/backfill", "")
	if failed.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for a failed fetch, got %d", failed.Code)
	}
}

func TestHealthStatusAndMetricsRoutes(t *testing.T) {
	server := newTestServer(t)

	health := server.do(t, http.MethodGet, "/healthz", "")
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}

	status := server.do(t, http.MethodGet, "/status", "")
	var statusPayload statusResponsePayload
	decodeBody(t, status, &statusPayload)
	if statusPayload.Transport == nil || statusPayload.Transport.State != transport.StateConnected || statusPayload.Transport.Epoch != 3 {
		t.Fatalf("unexpected transport status %+v", statusPayload.Transport)
	}
	if !statusPayload.Engine.Online || statusPayload.Engine.Strategy.Name != "full" {
		t.Fatalf("unexpected engine status %+v", statusPayload.Engine)
	}

	metrics := server.do(t, http.MethodGet, "/metrics", "")
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), "chatsync_desired_subscriptions") {
		t.Fatalf("expected chatsync metrics to be exposed, got %d", metrics.Code)
	}
}

func TestEventsStreamDeliversEngineEvents(t *testing.T) {
	server := newTestServer(t)
	if err := server.engine.AddStream(context.Background(), messages.Stream{ID: "stream-1", Platform: messages.PlatformYouTube, ConnectionID: "c1"}); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	if _, err := server.engine.Backfill(context.Background(), "stream-1", false); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/events?stream=stream-1", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	currentEventType := ""
	triggered := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for realtime event")
		case result := <-lines:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				if currentEventType == realtimeEventReady && !triggered {
					triggered = true
					if err := server.engine.SetBookmark("stream-1", "2", true); err != nil {
						t.Fatalf("bookmark: %v", err)
					}
				}
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != string(engine.EventAnnotated) {
				continue
			}
			var payload engine.Event
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.StreamID != "stream-1" || len(payload.MessageIDs) != 1 || payload.MessageIDs[0] != "2" {
				t.Fatalf("unexpected event payload %+v", payload)
			}
			return
		}
	}
}
