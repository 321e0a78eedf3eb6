package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"storybook-orchestrator/internal/infra/metrics"
	"storybook-orchestrator/internal/usecase"
)

type subscriber struct {
	topics map[string]struct{}
	ch     chan usecase.Event
}

// Broadcaster is a process-local publish/subscribe service. It buffers
// nothing: a subscriber that connects after an event fired never sees it, and
// a subscriber that cannot keep up has messages dropped rather than blocking
// the publisher.
//
// It is an injected dependency, not a package singleton, so tests can build
// isolated instances.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	log  *zerolog.Logger
}

func NewBroadcaster(logger *zerolog.Logger) *Broadcaster {
	l := logger.With().Str("component", "Broadcaster").Logger()
	return &Broadcaster{subs: make(map[*subscriber]struct{}), log: &l}
}

// Subscribe registers a listener for the given topics (all topics when none
// are given). The returned cancel func is idempotent.
func (b *Broadcaster) Subscribe(buffer int, topics ...string) (<-chan usecase.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	s := &subscriber{ch: make(chan usecase.Event, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			t = strings.TrimSpace(t)
			if t != "" {
				s.topics[t] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	metrics.IncStreamSubscribers()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
			metrics.DecStreamSubscribers()
		})
	}
	return s.ch, cancel
}

// Publish fans data out to every subscriber of topic. Publish never blocks;
// slow subscribers lose the message.
func (b *Broadcaster) Publish(topic string, data any) {
	ev := usecase.Event{Topic: topic, At: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.topics != nil {
			if _, ok := s.topics[topic]; !ok {
				continue
			}
		}
		select {
		case s.ch <- ev:
		default:
			metrics.IncStreamDropped()
			b.log.Warn().Str("topic", topic).Msg("dropping broadcast for slow subscriber")
		}
	}
}
