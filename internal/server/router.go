package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatsync/internal/engine"
	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
	"github.com/MarcoPoloResearchLab/chatsync/internal/telemetry"
	"github.com/MarcoPoloResearchLab/chatsync/internal/transport"
)

const (
	serviceName              = "chatsync"
	defaultHeartbeatInterval = 15 * time.Second
	realtimeEventReady       = "ready"
)

var (
	errMissingEngine   = errors.New("engine dependency required")
	errMissingRealtime = errors.New("realtime dispatcher dependency required")
)

// TransportStatus exposes the connection manager's lifecycle position.
type TransportStatus interface {
	State() transport.State
	Epoch() uint64
}

type Dependencies struct {
	Engine            *engine.Engine
	Realtime          *RealtimeDispatcher
	Metrics           *telemetry.Metrics
	Transport         TransportStatus
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		engine:    deps.Engine,
		realtime:  deps.Realtime,
		transport: deps.Transport,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	if deps.Metrics != nil {
		registry := deps.Metrics.Registry()
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}
	router.GET("/events", handler.handleEvents)

	streams := router.Group("/streams")
	streams.GET("", handler.handleListStreams)
	streams.POST("", handler.handleWatchStream)
	streams.DELETE("/:id", handler.handleRemoveStream)
	streams.POST("/:id/rebind", handler.handleRebindStream)
	streams.GET("/:id/messages", handler.handleMessages)
	streams.POST("/:id/messages/:messageId/bookmark", handler.handleBookmark)
	streams.POST("/:id/messages/:messageId/reactions", handler.handleReaction)
	streams.GET("/:id/view", handler.handleView)
	streams.POST("/:id/scroll", handler.handleScroll)
	streams.GET("/:id/stats", handler.handleStats)
	streams.POST("/:id/read", handler.handleMarkRead)
	streams.POST("/:id/backfill", handler.handleBackfill)
	streams.POST("/:id/more", handler.handleLoadMore)
	streams.POST("/:id/search", handler.handleSearch)
	streams.DELETE("/:id/search", handler.handleClearSearch)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	engine    *engine.Engine
	realtime  *RealtimeDispatcher
	transport TransportStatus
	logger    *zap.Logger
	heartbeat time.Duration
}

type watchRequestPayload struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

type streamResponsePayload struct {
	Stream messages.Stream `json:"stream"`
}

type streamsResponsePayload struct {
	Streams []messages.Stream `json:"streams"`
}

type messagesResponsePayload struct {
	StreamID messages.StreamID  `json:"streamId"`
	Messages []messages.Message `json:"messages"`
}

type scrollRequestPayload struct {
	Direction string `json:"direction"`
}

type readRequestPayload struct {
	MessageID string `json:"messageId"`
}

type readResponsePayload struct {
	StreamID          messages.StreamID  `json:"streamId"`
	LastReadMessageID messages.MessageID `json:"lastReadMessageId"`
}

type searchRequestPayload struct {
	Query string `json:"query"`
}

type bookmarkRequestPayload struct {
	Bookmarked *bool `json:"bookmarked"`
}

type reactionRequestPayload struct {
	Emoji string `json:"emoji"`
}

type transportStatusPayload struct {
	State transport.State `json:"state"`
	Epoch uint64          `json:"epoch"`
}

type statusResponsePayload struct {
	Engine         engine.Status           `json:"engine"`
	Transport      *transportStatusPayload `json:"transport,omitempty"`
	SSESubscribers int                     `json:"sseSubscribers"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	response := statusResponsePayload{
		Engine:         h.engine.Status(),
		SSESubscribers: h.realtime.SubscriberCount(),
	}
	if h.transport != nil {
		response.Transport = &transportStatusPayload{State: h.transport.State(), Epoch: h.transport.Epoch()}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, streamsResponsePayload{Streams: h.engine.Streams()})
}

func (h *httpHandler) handleWatchStream(c *gin.Context) {
	var request watchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	platform, err := messages.ParsePlatform(request.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_platform"})
		return
	}
	stream, err := h.engine.WatchStream(c.Request.Context(), platform, request.Channel)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, streamResponsePayload{Stream: stream})
}

func (h *httpHandler) handleRemoveStream(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	if err := h.engine.RemoveStream(c.Request.Context(), streamID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRebindStream(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	stream, err := h.engine.RebindStream(c.Request.Context(), streamID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, streamResponsePayload{Stream: stream})
}

func (h *httpHandler) handleMessages(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	query, ok := h.query(c)
	if !ok {
		return
	}
	if _, known := h.engine.Stream(streamID); !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_not_found"})
		return
	}
	c.JSON(http.StatusOK, messagesResponsePayload{StreamID: streamID, Messages: h.engine.Messages(streamID, query)})
}

func (h *httpHandler) handleBookmark(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	var request bookmarkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Bookmarked == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.SetBookmark(streamID, messageID, *request.Bookmarked); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleReaction(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	messageID, ok := h.messageID(c)
	if !ok {
		return
	}
	var request reactionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.AddReaction(streamID, messageID, request.Emoji); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleView(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	query, ok := h.query(c)
	if !ok {
		return
	}
	view, err := h.engine.View(streamID, query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleScroll(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	query, ok := h.query(c)
	if !ok {
		return
	}
	var request scrollRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	direction, err := engine.ParseDirection(request.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	view, err := h.engine.Scroll(streamID, direction, query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	stats, err := h.engine.Stats(streamID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleMarkRead moves the watermark to the given message, or to the newest held one when the
// body is empty or names no message.
func (h *httpHandler) handleMarkRead(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	var request readRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	messageID := strings.TrimSpace(request.MessageID)
	if messageID == "" {
		newest, err := h.engine.MarkAllRead(c.Request.Context(), streamID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, readResponsePayload{StreamID: streamID, LastReadMessageID: newest})
		return
	}
	if err := h.engine.MarkRead(c.Request.Context(), streamID, messages.MessageID(messageID)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, readResponsePayload{StreamID: streamID, LastReadMessageID: messages.MessageID(messageID)})
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	result, err := h.engine.Backfill(c.Request.Context(), streamID, refresh)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLoadMore(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	result, err := h.engine.LoadMore(c.Request.Context(), streamID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	var request searchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.engine.SearchInHistory(c.Request.Context(), streamID, request.Query)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleClearSearch(c *gin.Context) {
	streamID, ok := h.streamID(c)
	if !ok {
		return
	}
	result, err := h.engine.ClearSearch(c.Request.Context(), streamID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleEvents streams engine events as SSE. The optional stream query parameter narrows the
// feed to one stream; connection events are always included.
func (h *httpHandler) handleEvents(c *gin.Context) {
	streamFilter := strings.TrimSpace(c.Query("stream"))
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, streamFilter)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventReady, gin.H{"stream": streamFilter, "online": h.engine.Status().Online})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-events:
			c.SSEvent(string(event.Type), event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) streamID(c *gin.Context) (messages.StreamID, bool) {
	streamID, err := messages.NewStreamID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_stream_id"})
		return "", false
	}
	return streamID, true
}

func (h *httpHandler) messageID(c *gin.Context) (messages.MessageID, bool) {
	messageID, err := messages.NewMessageID(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message_id"})
		return "", false
	}
	return messageID, true
}

func (h *httpHandler) query(c *gin.Context) (messages.Query, bool) {
	filter, err := messages.ParseFilter(c.Query("filter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_filter"})
		return messages.Query{}, false
	}
	return messages.Query{Filter: filter, Search: strings.TrimSpace(c.Query("search"))}, true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *engine.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	code := serviceErr.Code()
	status := http.StatusInternalServerError
	switch {
	case strings.HasSuffix(code, ".not_found"):
		status = http.StatusNotFound
	case strings.HasSuffix(code, ".invalid_input"):
		status = http.StatusBadRequest
	case strings.HasSuffix(code, ".connect_failed"):
		status = http.StatusBadGateway
	case strings.HasSuffix(code, ".fetch_failed"):
		status = http.StatusBadGateway
		var fetchErr *history.FetchError
		if errors.As(err, &fetchErr) && fetchErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
