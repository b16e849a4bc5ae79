package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatsync/internal/backend"
	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
)

type fixtureMessage struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// historyFixture serves ids 1..total where 1 is the oldest. Pages are newest first and a cursor
// selects ids strictly older than it.
func historyFixture(t *testing.T, total int, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		upper := total
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			parsed, err := strconv.Atoi(cursor)
			if err != nil {
				http.Error(w, "bad cursor", http.StatusBadRequest)
				return
			}
			upper = parsed - 1
		}
		page := []fixtureMessage{}
		for id := upper; id >= 1 && len(page) < limit; id-- {
			page = append(page, fixtureMessage{ID: strconv.Itoa(id), Username: "u", Text: "t", Timestamp: int64(id)})
		}
		oldest := upper - len(page) + 1
		body := map[string]any{"messages": page, "hasMore": oldest > 1}
		if len(page) > 0 {
			body["cursor"] = page[len(page)-1].ID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newFixtureLoader(t *testing.T, baseURL string, pageCache *cache.Cache[backend.Page]) *Loader {
	t.Helper()
	client, err := backend.NewClient(backend.Config{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	loader, err := NewLoader(Config{Fetcher: client, Cache: pageCache})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return loader
}

func TestPaginationHasNoGapsOrOverlaps(t *testing.T) {
	var requests atomic.Int64
	server := historyFixture(t, 100, &requests)
	loader := newFixtureLoader(t, server.URL, nil)
	ctx := context.Background()

	seen := map[string]int{}
	result, err := loader.Load(ctx, "s1", Profile{Device: DeviceMobile, Connection: ConnectionFast})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Strategy.InitialPageSize != 15 || len(result.Messages) != 15 {
		t.Fatalf("expected a compact first page of 15, got %d (%+v)", len(result.Messages), result.Strategy)
	}
	for _, message := range result.Messages {
		seen[message.ID]++
	}
	for pages := 0; result.HasMore; pages++ {
		if pages > 20 {
			t.Fatalf("pagination did not terminate")
		}
		result, err = loader.LoadMore(ctx, "s1", result.Cursor, 15)
		if err != nil {
			t.Fatalf("load more: %v", err)
		}
		for index, message := range result.Messages {
			if index > 0 && message.Timestamp >= result.Messages[index-1].Timestamp {
				t.Fatalf("page must be newest first, got %v after %v", message.ID, result.Messages[index-1].ID)
			}
			seen[message.ID]++
		}
	}

	if len(seen) != 100 {
		t.Fatalf("expected ids 1..100, got %d distinct", len(seen))
	}
	for id := 1; id <= 100; id++ {
		if seen[strconv.Itoa(id)] != 1 {
			t.Fatalf("id %d seen %d times", id, seen[strconv.Itoa(id)])
		}
	}
}

func TestLoadUsesCache(t *testing.T) {
	var requests atomic.Int64
	server := historyFixture(t, 10, &requests)
	pageCache := cache.New[backend.Page](cache.Config{})
	loader := newFixtureLoader(t, server.URL, pageCache)
	profile := Profile{Device: DeviceDesktop, Connection: ConnectionFast}

	if _, err := loader.Load(context.Background(), "s1", profile); err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := loader.Load(context.Background(), "s1", profile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !second.FromCache || requests.Load() != 1 {
		t.Fatalf("expected the second load to be served from cache, requests=%d", requests.Load())
	}

	if removed := loader.Invalidate("s1"); removed != 1 {
		t.Fatalf("expected one invalidated page, got %d", removed)
	}
	if _, err := loader.Load(context.Background(), "s1", profile); err != nil {
		t.Fatalf("load: %v", err)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected a network fetch after invalidation, requests=%d", requests.Load())
	}
}

func TestFailureIsReturnedWithoutRetry(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	loader := newFixtureLoader(t, server.URL, cache.New[backend.Page](cache.Config{}))

	_, err := loader.Load(context.Background(), "s1", Profile{})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %T (%v)", err, err)
	}
	var httpErr *backend.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected wrapped HTTPError, got %v", err)
	}
	if fetchErr.Op != "load" || fetchErr.StreamID != "s1" {
		t.Fatalf("unexpected fetch error %+v", fetchErr)
	}
	if requests.Load() != 1 {
		t.Fatalf("loader must not retry, requests=%d", requests.Load())
	}
}

func TestSearchTimeoutIsIndependentOfPageTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		if strings.HasPrefix(r.URL.Path, "/search/") {
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1","text":"found"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"messages":[],"hasMore":false}`))
	}))
	t.Cleanup(server.Close)
	client, err := backend.NewClient(backend.Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	loader, err := NewLoader(Config{Fetcher: client, PageTimeout: 20 * time.Millisecond, SearchTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	_, err = loader.Load(context.Background(), "s1", Profile{})
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Timeout() {
		t.Fatalf("expected a page timeout, got %v", err)
	}

	messages, err := loader.Search(context.Background(), "s1", "found")
	if err != nil {
		t.Fatalf("search should outlive the page timeout: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("unexpected search results %+v", messages)
	}
}

func TestSearchTimeoutOutlastsClientRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(150 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","text":"slow"}]}`))
	}))
	t.Cleanup(server.Close)
	client, err := backend.NewClient(backend.Config{BaseURL: server.URL, RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	loader, err := NewLoader(Config{Fetcher: client, SearchTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	messages, err := loader.Search(context.Background(), "s1", "slow")
	if err != nil {
		t.Fatalf("search bounded by the search timeout failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("unexpected search results %+v", messages)
	}
}

func TestLoadMoreRequiresCursor(t *testing.T) {
	var requests atomic.Int64
	server := historyFixture(t, 10, &requests)
	loader := newFixtureLoader(t, server.URL, nil)
	if _, err := loader.LoadMore(context.Background(), "s1", "", 10); err == nil {
		t.Fatalf("expected error without cursor")
	}
	if requests.Load() != 0 {
		t.Fatalf("no request expected without cursor")
	}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		profile Profile
		want    string
		initial int
	}{
		{profile: Profile{Device: DeviceMobile, Connection: ConnectionFast}, want: "compact", initial: 15},
		{profile: Profile{Device: DeviceDesktop, Connection: ConnectionSlow}, want: "compact", initial: 15},
		{profile: Profile{Device: DeviceTablet, Connection: ConnectionFast}, want: "balanced", initial: 30},
		{profile: Profile{Device: DeviceDesktop, Connection: ConnectionMedium}, want: "balanced", initial: 30},
		{profile: Profile{Device: DeviceDesktop, Connection: ConnectionFast}, want: "full", initial: 50},
		{profile: Profile{}, want: "full", initial: 50},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%s", tt.profile.Device, tt.profile.Connection), func(t *testing.T) {
			strategy := SelectStrategy(tt.profile)
			if strategy.Name != tt.want || strategy.InitialPageSize != tt.initial {
				t.Fatalf("expected %s/%d, got %+v", tt.want, tt.initial, strategy)
			}
			if strategy.Name == "compact" && !strategy.Pagination {
				t.Fatalf("compact strategy must page by cursor")
			}
		})
	}
}

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		userAgent string
		width     int
		want      DeviceClass
	}{
		{width: 375, want: DeviceMobile},
		{width: 800, want: DeviceTablet},
		{width: 1440, want: DeviceDesktop},
		{userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148", want: DeviceMobile},
		{userAgent: "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)", want: DeviceTablet},
		{userAgent: "Mozilla/5.0 (Linux; Android 14; SM-X710)", want: DeviceTablet},
		{userAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) Mobile Safari", want: DeviceMobile},
		{userAgent: "Mozilla/5.0 (X11; Linux x86_64)", want: DeviceDesktop},
	}
	for _, tt := range tests {
		if got := ClassifyDevice(tt.userAgent, tt.width); got != tt.want {
			t.Fatalf("ClassifyDevice(%q, %d) = %s, want %s", tt.userAgent, tt.width, got, tt.want)
		}
	}
}

func TestClassifyConnection(t *testing.T) {
	tests := []struct {
		effectiveType string
		downlink      float64
		want          ConnectionSpeed
	}{
		{effectiveType: "2g", want: ConnectionSlow},
		{effectiveType: "3g", want: ConnectionMedium},
		{effectiveType: "4g", want: ConnectionFast},
		{effectiveType: "4g", downlink: 0.4, want: ConnectionSlow},
		{downlink: 2.5, want: ConnectionMedium},
		{want: ConnectionFast},
	}
	for _, tt := range tests {
		if got := ClassifyConnection(tt.effectiveType, tt.downlink); got != tt.want {
			t.Fatalf("ClassifyConnection(%q, %v) = %s, want %s", tt.effectiveType, tt.downlink, got, tt.want)
		}
	}
}
