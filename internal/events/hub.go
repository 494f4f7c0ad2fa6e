// Package events implements the per-correlation progress event stream:
// ordered fan-out to subscribers with a bounded replay buffer for
// reconnecting observers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"reqflow/backend/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is disconnected rather than delivered a gapped
// stream; it can resubscribe and recover missed events from the replay
// buffer.
const subscriberBuffer = 256

// Hub fans workflow events out per correlation id. Sequence numbers are
// assigned under the stream lock, so they are strictly increasing with no
// gaps even when several delegators publish concurrently.
type Hub struct {
	mu         sync.Mutex
	streams    map[string]*stream
	replaySize int
	grace      time.Duration
}

type stream struct {
	mu     sync.Mutex
	seq    uint64
	replay []models.WorkflowEvent
	subs   map[int]chan models.WorkflowEvent
	nextID int
	closed bool
}

// NewHub creates a hub keeping replaySize events per correlation id for
// late subscribers, and tearing streams down grace after Complete.
func NewHub(replaySize int, grace time.Duration) *Hub {
	if replaySize < 1 {
		replaySize = 1
	}
	return &Hub{
		streams:    make(map[string]*stream),
		replaySize: replaySize,
		grace:      grace,
	}
}

func (h *Hub) stream(correlationID string, create bool) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[correlationID]
	if !ok && create {
		s = &stream{subs: make(map[int]chan models.WorkflowEvent)}
		h.streams[correlationID] = s
	}
	return s
}

// Publish appends an event to the correlation id's stream and delivers it
// to every live subscriber in publish order. The payload is marshalled
// once; a payload that fails to marshal is published with an empty body
// rather than dropped, so the sequence stays gap-free.
func (h *Hub) Publish(correlationID string, kind models.EventKind, payload any) models.WorkflowEvent {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}

	s := h.stream(correlationID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev := models.WorkflowEvent{
		CorrelationID: correlationID,
		Sequence:      s.seq,
		Kind:          kind,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
	}

	s.replay = append(s.replay, ev)
	if len(s.replay) > h.replaySize {
		s.replay = s.replay[len(s.replay)-h.replaySize:]
	}

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; cut it off instead of gapping.
			close(ch)
			delete(s.subs, id)
		}
	}
	return ev
}

// Subscribe attaches to a correlation id's stream. The returned channel
// first yields the replay buffer (last K events) and then every subsequent
// event, in sequence order. The cancel function detaches the subscriber and
// closes the channel.
func (h *Hub) Subscribe(correlationID string) (<-chan models.WorkflowEvent, func()) {
	s := h.stream(correlationID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan models.WorkflowEvent, subscriberBuffer+len(s.replay))
	for _, ev := range s.replay {
		ch <- ev
	}
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
	return ch, cancel
}

// Complete marks the correlation id terminal. The stream is dropped once a
// full grace period passes with no attached subscribers; while one is still
// draining, teardown is deferred by another grace period.
func (h *Hub) Complete(correlationID string) {
	h.teardownAfterGrace(correlationID)
}

func (h *Hub) teardownAfterGrace(correlationID string) {
	time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		s, ok := h.streams[correlationID]
		if !ok {
			h.mu.Unlock()
			return
		}

		s.mu.Lock()
		if len(s.subs) > 0 {
			s.mu.Unlock()
			h.mu.Unlock()
			h.teardownAfterGrace(correlationID)
			return
		}
		delete(h.streams, correlationID)
		s.closed = true
		s.mu.Unlock()
		h.mu.Unlock()
	})
}
