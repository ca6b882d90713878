package fleetsim

import (
	"sync"
)

const subscriberBuffer = 64

type subscriber struct {
	topic     string
	sessionID string
	send      chan []byte
	dropped   chan struct{}
	dropOnce  sync.Once
}

func (s *subscriber) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

// hub fans frames out to websocket subscribers. Each subscriber has its own
// buffer; one that falls behind is dropped rather than allowed to stall the
// others, which the client sees as a disconnect.
type hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: map[*subscriber]struct{}{}}
}

func (h *hub) subscribe(topic, sessionID string) *subscriber {
	sub := &subscriber{
		topic:     topic,
		sessionID: sessionID,
		send:      make(chan []byte, subscriberBuffer),
		dropped:   make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.drop()
}

// publish delivers msg to every subscriber of topic, optionally restricted
// to one session. The hub lock is held across the loop so frames reach
// each subscriber in publish order.
func (h *hub) publish(topic, sessionID string, msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for sub := range h.subs {
		if sub.topic != topic {
			continue
		}
		if sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.send <- msg:
			delivered++
		default:
			delete(h.subs, sub)
			sub.drop()
		}
	}
	return delivered
}

func (h *hub) disconnect(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.topic == topic {
			delete(h.subs, sub)
			sub.drop()
			n++
		}
	}
	return n
}

func (h *hub) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}
