// Package backend is the REST client for the chat relay's history and connection endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

var (
	errMissingBaseURL = errors.New("backend: base url is required")
	// ErrEmptyConnection indicates a connect response without a connection id.
	ErrEmptyConnection = errors.New("backend: connect response has no connection id")
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("backend: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Page is one page of history.
type Page struct {
	Messages []protocol.WireMessage `json:"messages"`
	HasMore  bool                   `json:"hasMore"`
	Cursor   string                 `json:"cursor"`
}

// Connection describes a platform session created by POST /connect.
type Connection struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Title    string `json:"title"`
}

// ConnectRequest asks the relay to start ingesting a channel.
type ConnectRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

// Config configures the Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestTimeout bounds calls whose context carries no deadline. Zero means 15s.
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client talks to the relay's REST endpoints.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewClient validates the base URL.
func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: parsed, httpClient: httpClient, requestTimeout: requestTimeout, logger: logger}, nil
}

// FetchMessages calls GET /messages/{streamId}?cursor&limit. The stream id is the wire-level
// connection id the relay keys history by.
func (c *Client) FetchMessages(ctx context.Context, streamID, cursor string, limit int) (page Page, err error) {
	ctx, span := telemetry.StartSpan(ctx, "backend.fetch_messages",
		attribute.String("stream_id", streamID),
		attribute.String("cursor", cursor),
		attribute.Int("limit", limit))
	defer func() { telemetry.EndSpan(span, err) }()

	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	err = c.do(ctx, http.MethodGet, c.endpoint(query, "messages", streamID), nil, &page)
	return page, err
}

// SearchMessages calls GET /search/{streamId}?q=.
func (c *Client) SearchMessages(ctx context.Context, streamID, query string) (messages []protocol.WireMessage, err error) {
	ctx, span := telemetry.StartSpan(ctx, "backend.search_messages", attribute.String("stream_id", streamID))
	defer func() { telemetry.EndSpan(span, err) }()

	var body struct {
		Messages []protocol.WireMessage `json:"messages"`
	}
	err = c.do(ctx, http.MethodGet, c.endpoint(url.Values{"q": []string{query}}, "search", streamID), nil, &body)
	return body.Messages, err
}

// Connect calls POST /connect.
func (c *Client) Connect(ctx context.Context, request ConnectRequest) (connection Connection, err error) {
	ctx, span := telemetry.StartSpan(ctx, "backend.connect",
		attribute.String("platform", request.Platform),
		attribute.String("channel", request.Channel))
	defer func() { telemetry.EndSpan(span, err) }()

	var body struct {
		Connection Connection `json:"connection"`
	}
	if err = c.do(ctx, http.MethodPost, c.endpoint(nil, "connect"), request, &body); err != nil {
		return Connection{}, err
	}
	if strings.TrimSpace(body.Connection.ID) == "" {
		return Connection{}, ErrEmptyConnection
	}
	return body.Connection, nil
}

// Disconnect calls DELETE /connect/{connectionId}.
func (c *Client) Disconnect(ctx context.Context, connectionID string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "backend.disconnect", attribute.String("connection_id", connectionID))
	defer func() { telemetry.EndSpan(span, err) }()

	return c.do(ctx, http.MethodDelete, c.endpoint(nil, "connect", connectionID), nil, nil)
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	target := c.baseURL.JoinPath(segments...)
	target.RawQuery = query.Encode()
	return target.String()
}

// do applies the routine request timeout only when the caller set no deadline of its own, so a
// search bounded by a longer deadline is not cut short.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	if _, bounded := ctx.Deadline(); !bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", zap.Error(closeErr))
		}
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &HTTPError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", method, err)
	}
	return nil
}
