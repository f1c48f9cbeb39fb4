// Package progress implements the in-memory broadcast hub that connects each
// active transfer to the progress streams watching it.
package progress

import (
	"sync"
	"time"
)

// Event kinds. The last three are terminal: once one of them is published the
// session's stream is closed and no further events are accepted.
const (
	StatusExtracting  = "extracting"
	StatusDownloading = "downloading"
	StatusProcessing  = "processing"
	StatusStreaming   = "streaming"
	StatusComplete    = "complete"
	StatusError       = "error"
	StatusTimeout     = "timeout"
)

// Event is one progress update for a session. Percent is nil when the total
// size is unknown; a percentage is never fabricated.
type Event struct {
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	Percent    *float64 `json:"percent,omitempty"`
	Downloaded int64    `json:"downloaded,omitempty"`
	Total      int64    `json:"total,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError || e.Status == StatusTimeout
}

// subscriberBuffer bounds how many undelivered events a slow subscriber may
// hold before intermediate updates start being dropped.
const subscriberBuffer = 16

// Hub broadcasts ordered per-session events to any number of subscribers.
// One producer per session, publishing never blocks on slow consumers.
type Hub struct {
	grace time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	last     *Event
	terminal bool
}

// Subscription is one listener's view of a session's event sequence. The
// channel is closed after the terminal event has been delivered.
type Subscription struct {
	hub  *Hub
	id   string
	ch   chan Event
	sess *session
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call at any point; the channel is
// intentionally left open so a concurrent publish never sends on a closed
// channel. Detaching the last subscriber of a session that never reached a
// terminal event also drops the session entry, so subscribing to arbitrary
// ids cannot grow the hub without bound.
func (s *Subscription) Close() {
	s.sess.mu.Lock()
	delete(s.sess.subs, s)
	s.sess.mu.Unlock()
	s.hub.reap(s.id, s.sess)
}

func NewHub(grace time.Duration) *Hub {
	return &Hub{
		grace:    grace,
		sessions: make(map[string]*session),
	}
}

func (h *Hub) getSession(sessionID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &session{subs: make(map[*Subscription]struct{})}
		h.sessions[sessionID] = sess
	}
	return sess
}

// reap removes the session entry when nothing references it anymore: no
// attached subscribers and no terminal snapshot waiting out its grace window.
// A terminal entry is left for the grace timer; an active producer simply
// recreates the entry on its next publish.
func (h *Hub) reap(sessionID string, sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.sessions[sessionID]
	if !ok || cur != sess {
		return
	}
	sess.mu.Lock()
	idle := len(sess.subs) == 0 && !sess.terminal
	sess.mu.Unlock()
	if idle {
		delete(h.sessions, sessionID)
	}
}

// Publish delivers ev to every current subscriber of the session and stores
// it as the latest snapshot for late subscribers. Events published after a
// terminal event are ignored.
func (h *Hub) Publish(sessionID string, ev Event) {
	sess := h.getSession(sessionID)

	sess.mu.Lock()
	if sess.terminal {
		sess.mu.Unlock()
		return
	}
	evCopy := ev
	sess.last = &evCopy
	for sub := range sess.subs {
		sub.send(ev)
	}
	if ev.Terminal() {
		sess.terminal = true
		for sub := range sess.subs {
			close(sub.ch)
		}
		sess.subs = make(map[*Subscription]struct{})
	}
	sess.mu.Unlock()

	if ev.Terminal() {
		// Keep the final snapshot around briefly so a very late subscriber
		// still observes the outcome once.
		time.AfterFunc(h.grace, func() {
			h.mu.Lock()
			if cur, ok := h.sessions[sessionID]; ok && cur == sess {
				delete(h.sessions, sessionID)
			}
			h.mu.Unlock()
		})
	}
}

// send enqueues without blocking the producer: when the subscriber's buffer
// is full the oldest pending event is dropped, so the latest state and the
// terminal event always get through.
func (s *Subscription) send(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Subscribe attaches a listener to the session. The latest snapshot, if any,
// is delivered immediately; if the session already ended, the subscription
// yields exactly the final event and is closed.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sess := h.getSession(sessionID)

	sub := &Subscription{
		hub:  h,
		id:   sessionID,
		ch:   make(chan Event, subscriberBuffer),
		sess: sess,
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.terminal {
		sub.ch <- *sess.last
		close(sub.ch)
		return sub
	}
	sess.subs[sub] = struct{}{}
	if sess.last != nil {
		sub.send(*sess.last)
	}
	return sub
}
