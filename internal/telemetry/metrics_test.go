package telemetry

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveFrame("message")
	metrics.ObserveProtocolError()
	metrics.SetConnectionState("connected")
	metrics.ObserveMerge(1, 0, 0, 1)
	metrics.ObserveHistory("load", time.Millisecond, nil)
	RegisterCache(metrics, "history", cache.New[int](cache.Config{}))
	if metrics.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
}

func TestConnectionStateGaugeTracksCurrentState(t *testing.T) {
	metrics := NewMetrics()
	metrics.SetConnectionState("connecting")
	metrics.SetConnectionState("connected")

	if got := testutil.ToFloat64(metrics.connectionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("expected connected=1, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("expected connecting=0, got %v", got)
	}
}

func TestMergeAndHistoryCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMerge(3, 1, 2, 10)
	metrics.ObserveHistory("load_more", 20*time.Millisecond, errors.New("boom"))
	metrics.ObserveHistory("load_more", 20*time.Millisecond, nil)

	if got := testutil.ToFloat64(metrics.messagesStored); got != 3 {
		t.Fatalf("expected 3 stored, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.heldMessages); got != 10 {
		t.Fatalf("expected 10 held, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.historyFailures.WithLabelValues("load_more")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
}

func TestRegisterCacheExportsStats(t *testing.T) {
	metrics := NewMetrics()
	store := cache.New[int](cache.Config{})
	RegisterCache(metrics, "history", store)

	store.Set("a", 1, time.Minute)
	store.Get("a")
	store.Get("b")

	expected := `
# HELP chatsync_cache_hits_total Cache hits
# TYPE chatsync_cache_hits_total counter
chatsync_cache_hits_total{cache="history"} 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "chatsync_cache_hits_total"); err != nil {
		t.Fatalf("unexpected cache metrics: %v", err)
	}
}
