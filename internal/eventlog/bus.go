package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives every event appended to the log, in append order.
type Handler func(Stored)

// Bus fans appended events out to subscribers. Subscribers are isolated: a
// panic or slow handler never aborts the append that published the event.
type Bus struct {
	mu       sync.RWMutex
	log      *slog.Logger
	handlers []Handler
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{log: logger.With("component", "eventbus")}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) publish(ev Stored) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev Stored) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				"event_type", ev.EventType,
				"event_id", ev.EventID,
				"panic", fmt.Sprint(r))
		}
	}()
	h(ev)
}

func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, out *map[string]any) error {
	if s == "" {
		*out = map[string]any{}
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
