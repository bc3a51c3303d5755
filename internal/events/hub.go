package events

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/EternisAI/silo-overlay/internal/metrics"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch chan Notification
}

// Hub fans notifications out to topic subscribers. Delivery is at most once:
// a subscriber whose buffer is full misses the notification.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		topics: make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[n.Topic] {
		select {
		case sub.ch <- n:
		default:
			metrics.RecordDroppedEvent(string(n.Kind.Subject()))
			slog.Warn("Dropping notification for slow subscriber",
				"topic", n.Topic,
				"event", n.Kind)
		}
	}
}

// Subscribe registers one channel for all given topics. The returned cancel
// func unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(topics ...string) (<-chan Notification, func()) {
	sub := &subscriber{ch: make(chan Notification, h.buffer)}

	h.mu.Lock()
	for _, topic := range topics {
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*subscriber]struct{})
		}
		h.topics[topic][sub] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, topic := range topics {
				delete(h.topics[topic], sub)
				if len(h.topics[topic]) == 0 {
					delete(h.topics, topic)
				}
			}
			close(sub.ch)
		})
	}

	slog.Debug("Subscriber registered", "topics", strings.Join(topics, ","))
	return sub.ch, cancel
}

func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
