package engine

import (
	"errors"
	"fmt"
)

var (
	errMissingStore      = errors.New("engine: message store required")
	errMissingHistory    = errors.New("engine: history source required")
	errMissingSubscriber = errors.New("engine: subscriber required")
	errMissingConnector  = errors.New("engine: connector required")
	errEmptyQuery        = errors.New("engine: search query is required")
	errInvalidDirection  = errors.New("engine: invalid scroll direction")
)

// ServiceError carries a dotted operation code such as engine.watch_stream.connect_failed.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew            = "engine.new"
	opWatchStream    = "engine.watch_stream"
	opAddStream      = "engine.add_stream"
	opRestore        = "engine.restore_subscriptions"
	opRemoveStream   = "engine.remove_stream"
	opRebindStream   = "engine.rebind_stream"
	opBackfill       = "engine.backfill"
	opLoadMore       = "engine.load_more"
	opSearchHistory  = "engine.search_history"
	opClearSearch    = "engine.clear_search"
	opStats          = "engine.stats"
	opMarkRead       = "engine.mark_read"
	opScroll         = "engine.scroll"
	opView           = "engine.view"
	opAnnotate       = "engine.annotate"
	reasonNotFound   = "not_found"
	reasonInvalid    = "invalid_input"
	reasonFetch      = "fetch_failed"
	reasonPersist    = "persist_failed"
	reasonConnect    = "connect_failed"
	reasonIdentifier = "id_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
