package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/channel-hub/internal/domain/event"
	"github.com/execution-hub/channel-hub/internal/metrics"
)

// Emitter fans domain events out to subscribers. A subscriber whose buffer
// is full misses the event; emitting never blocks a protocol run.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	metrics metrics.Recorder
	logger  zerolog.Logger
}

type subscriber struct {
	ch    chan event.Event
	types map[event.Type]struct{}
	once  sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *subscriber) wants(t event.Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func NewEmitter(rec metrics.Recorder, logger zerolog.Logger) *Emitter {
	return &Emitter{
		subs:    make(map[string]*subscriber),
		metrics: metrics.OrNoop(rec),
		logger:  logger.With().Str("service", "events").Logger(),
	}
}

// Subscribe registers a subscriber for the given types, or every type when
// none are given. The returned cancel func unregisters it and closes the
// channel.
func (e *Emitter) Subscribe(buffer int, types ...event.Type) (<-chan event.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan event.Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[event.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := uuid.NewString()
	e.mu.Lock()
	e.subs[id] = s
	e.mu.Unlock()
	return s.ch, func() { e.unsubscribe(id) }
}

func (e *Emitter) unsubscribe(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.subs[id]; ok {
		s.close()
		delete(e.subs, id)
	}
}

// Emit delivers evt to every interested subscriber.
func (e *Emitter) Emit(evt event.Event) {
	e.metrics.IncEvent(string(evt.Type))
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		if !s.wants(evt.Type) {
			continue
		}
		if !trySend(s.ch, evt) {
			e.metrics.IncEventDropped(string(evt.Type))
			e.logger.Warn().Str("type", string(evt.Type)).Str("event_id", evt.ID).Msg("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Stop closes every subscription.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.subs {
		s.close()
		delete(e.subs, id)
	}
}

func trySend(ch chan event.Event, evt event.Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}
