package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:8787" || cfg.BackendWSURL != "ws://localhost:3001/ws" {
		t.Fatalf("unexpected addresses %+v", cfg)
	}
	if cfg.MaxAttempts != 10 || cfg.BaseDelay != time.Second || cfg.MaxDelay != 30*time.Second {
		t.Fatalf("unexpected transport defaults %+v", cfg)
	}
	if cfg.SearchTimeout != time.Minute || cfg.PageTimeout != 10*time.Second {
		t.Fatalf("unexpected history timeouts %+v", cfg)
	}
	if cfg.StoreMaxMessages != 1000 || cfg.CacheMaxEntries != 100 {
		t.Fatalf("unexpected bounds %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CHATSYNC_TRANSPORT_MAX_ATTEMPTS", "3")
	t.Setenv("CHATSYNC_HISTORY_SEARCH_TIMEOUT", "2m")
	t.Setenv("CHATSYNC_CLIENT_DEVICE", "mobile")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxAttempts != 3 || cfg.SearchTimeout != 2*time.Minute || cfg.ClientDevice != "mobile" {
		t.Fatalf("expected environment overrides, got %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "missing base url", key: "backend.base_url", value: "", message: "backend.base_url is required"},
		{name: "websocket base url", key: "backend.base_url", value: "ws://relay", message: "backend.base_url must be"},
		{name: "http ws url", key: "backend.ws_url", value: "http://relay/ws", message: "backend.ws_url must be"},
		{name: "zero attempts", key: "transport.max_attempts", value: 0, message: "transport.max_attempts"},
		{name: "zero store cap", key: "store.max_messages", value: 0, message: "store.max_messages"},
		{name: "unknown device", key: "client.device", value: "watch", message: "client.device"},
		{name: "inverted delays", key: "transport.max_delay", value: 10 * time.Millisecond, message: "transport.base_delay"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}
