package engine

import (
	"strings"

	"github.com/MarcoPoloResearchLab/chatsync/internal/history"
	"github.com/MarcoPoloResearchLab/chatsync/internal/messages"
	"github.com/MarcoPoloResearchLab/chatsync/internal/windowing"
)

// Direction is a scroll instruction for a stream's view window.
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionTop    Direction = "top"
	DirectionBottom Direction = "bottom"
)

// ParseDirection validates a scroll direction.
func ParseDirection(value string) (Direction, error) {
	switch direction := Direction(strings.ToLower(strings.TrimSpace(value))); direction {
	case DirectionUp, DirectionDown, DirectionTop, DirectionBottom:
		return direction, nil
	default:
		return "", errInvalidDirection
	}
}

// View is the windowed read of one stream. Messages covers Buffered, which extends Range by one
// window on each side; both ranges index the filtered sequence of length Total.
type View struct {
	StreamID  messages.StreamID  `json:"streamId"`
	Range     windowing.Range    `json:"range"`
	Buffered  windowing.Range    `json:"buffered"`
	Total     int                `json:"total"`
	AtBottom  bool               `json:"atBottom"`
	HasMore   bool               `json:"hasMore"`
	Searching bool               `json:"searching"`
	Messages  []messages.Message `json:"messages"`
	Strategy  history.Strategy   `json:"strategy"`
}

// View returns the stream's current window over the messages matching query. A query different
// from the previous one re-anchors the window at the bottom.
func (e *Engine) View(streamID messages.StreamID, query messages.Query) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	view, ok := e.views[streamID]
	if !ok {
		return View{}, newServiceError(opView, reasonNotFound, messages.ErrUnknownStream)
	}
	held := e.applyQueryLocked(view, streamID, query)
	return e.renderLocked(streamID, view, held), nil
}

// Scroll moves the stream's window and returns the resulting view.
func (e *Engine) Scroll(streamID messages.StreamID, direction Direction, query messages.Query) (View, error) {
	if _, err := ParseDirection(string(direction)); err != nil {
		return View{}, newServiceError(opScroll, reasonInvalid, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	view, ok := e.views[streamID]
	if !ok {
		return View{}, newServiceError(opScroll, reasonNotFound, messages.ErrUnknownStream)
	}
	held := e.applyQueryLocked(view, streamID, query)
	switch direction {
	case DirectionUp:
		view.window.ScrollUp()
	case DirectionDown:
		view.window.ScrollDown(len(held))
	case DirectionTop:
		view.window.ScrollToTop()
	case DirectionBottom:
		view.window.ScrollToBottom(len(held))
	}
	return e.renderLocked(streamID, view, held), nil
}

func (e *Engine) applyQueryLocked(view *streamView, streamID messages.StreamID, query messages.Query) []messages.Message {
	held := e.store.Messages(streamID, query)
	if query != view.query {
		view.query = query
		view.window.ScrollToBottom(len(held))
	}
	view.window.Observe(len(held))
	return held
}

func (e *Engine) renderLocked(streamID messages.StreamID, view *streamView, held []messages.Message) View {
	buffered := view.window.VisibleIndexes(len(held))
	_, searching := e.store.SearchQuery(streamID)
	visible := windowing.Slice(held, buffered)
	if visible == nil {
		visible = []messages.Message{}
	}
	return View{
		StreamID:  streamID,
		Range:     view.window.Range(),
		Buffered:  buffered,
		Total:     len(held),
		AtBottom:  view.window.AtBottom(),
		HasMore:   !view.loaded || view.hasMore,
		Searching: searching,
		Messages:  visible,
		Strategy:  e.strategy,
	}
}
