package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
)

const (
	envPrefix                = "CHATSYNC"
	defaultHTTPAddress       = "127.0.0.1:8787"
	defaultBackendBaseURL    = "http://localhost:3001/api"
	defaultBackendWSURL      = "ws://localhost:3001/ws"
	defaultDatabasePath      = "chatsync.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultBaseDelay         = time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 10
	defaultPingInterval      = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultPageTimeout       = 10 * time.Second
	defaultSearchTimeout     = 60 * time.Second
	defaultHistoryCacheTTL   = 5 * time.Minute
	defaultCacheMaxEntries   = 100
	defaultCacheCleanup      = time.Minute
	defaultStoreMaxMessages  = 1000
	defaultClientDevice      = "desktop"
	defaultClientConnection  = "fast"
	defaultHeartbeatInterval = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress       string
	BackendBaseURL    string
	BackendWSURL      string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int
	PingInterval      time.Duration
	DialTimeout       time.Duration
	PageTimeout       time.Duration
	SearchTimeout     time.Duration
	HistoryCacheTTL   time.Duration
	CacheMaxEntries   int
	CacheCleanup      time.Duration
	StoreMaxMessages  int
	ClientDevice      string
	ClientConnection  string
	HeartbeatInterval time.Duration
	OTLPEndpoint      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("backend.base_url", defaultBackendBaseURL)
	configViper.SetDefault("backend.ws_url", defaultBackendWSURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("transport.base_delay", defaultBaseDelay)
	configViper.SetDefault("transport.max_delay", defaultMaxDelay)
	configViper.SetDefault("transport.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("transport.ping_interval", defaultPingInterval)
	configViper.SetDefault("transport.dial_timeout", defaultDialTimeout)
	configViper.SetDefault("history.page_timeout", defaultPageTimeout)
	configViper.SetDefault("history.search_timeout", defaultSearchTimeout)
	configViper.SetDefault("history.cache_ttl", defaultHistoryCacheTTL)
	configViper.SetDefault("cache.max_entries", defaultCacheMaxEntries)
	configViper.SetDefault("cache.cleanup_interval", defaultCacheCleanup)
	configViper.SetDefault("store.max_messages", defaultStoreMaxMessages)
	configViper.SetDefault("client.device", defaultClientDevice)
	configViper.SetDefault("client.connection", defaultClientConnection)
	configViper.SetDefault("tracing.otlp_endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		BackendBaseURL:    strings.TrimSpace(configViper.GetString("backend.base_url")),
		BackendWSURL:      strings.TrimSpace(configViper.GetString("backend.ws_url")),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		BaseDelay:         configViper.GetDuration("transport.base_delay"),
		MaxDelay:          configViper.GetDuration("transport.max_delay"),
		MaxAttempts:       configViper.GetInt("transport.max_attempts"),
		PingInterval:      configViper.GetDuration("transport.ping_interval"),
		DialTimeout:       configViper.GetDuration("transport.dial_timeout"),
		PageTimeout:       configViper.GetDuration("history.page_timeout"),
		SearchTimeout:     configViper.GetDuration("history.search_timeout"),
		HistoryCacheTTL:   configViper.GetDuration("history.cache_ttl"),
		CacheMaxEntries:   configViper.GetInt("cache.max_entries"),
		CacheCleanup:      configViper.GetDuration("cache.cleanup_interval"),
		StoreMaxMessages:  configViper.GetInt("store.max_messages"),
		ClientDevice:      configViper.GetString("client.device"),
		ClientConnection:  configViper.GetString("client.connection"),
		OTLPEndpoint:      strings.TrimSpace(configViper.GetString("tracing.otlp_endpoint")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BackendBaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if parsed, err := url.Parse(c.BackendBaseURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("backend.base_url must be an http(s) url")
	}
	if c.BackendWSURL == "" {
		return fmt.Errorf("backend.ws_url is required")
	}
	if parsed, err := url.Parse(c.BackendWSURL); err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return fmt.Errorf("backend.ws_url must be a ws(s) url")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("transport.max_attempts must be positive")
	}
	if c.StoreMaxMessages <= 0 {
		return fmt.Errorf("store.max_messages must be positive")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("transport.base_delay must be positive and not exceed transport.max_delay")
	}
	if _, err := history.ParseDeviceClass(c.ClientDevice); err != nil {
		return fmt.Errorf("client.device: %w", err)
	}
	if _, err := history.ParseConnectionSpeed(c.ClientConnection); err != nil {
		return fmt.Errorf("client.connection: %w", err)
	}
	return nil
}
