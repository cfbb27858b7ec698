// Package events provides a lightweight pub/sub stream of orchestration
// events (agent transitions, workflow progress). Purely observational: no
// kernel invariant depends on delivery, and slow subscribers are dropped
// rather than blocking publishers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type labels an event.
type Type string

const (
	TypeAgentSpawned    Type = "agent.spawned"
	TypeAgentStarted    Type = "agent.started"
	TypeAgentCompleted  Type = "agent.completed"
	TypeAgentFailed     Type = "agent.failed"
	TypeAgentTerminated Type = "agent.terminated"
	TypeGraphStarted    Type = "graph.started"
	TypeNodeSpawned     Type = "graph.node_spawned"
	TypeGraphCompleted  Type = "graph.completed"
	TypeGraphFailed     Type = "graph.failed"
	TypeMessageSent     Type = "message.sent"
)

// Event is one orchestration event. Topic is the agent or graph id the event
// belongs to.
type Event struct {
	Topic     string    `json:"topic"`
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	GraphID   string    `json:"graph_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns JSON for sinks and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives every published event after local fan-out. Used to bridge
// events into Redis Streams.
type Sink interface {
	Append(evt Event)
}

// Manager provides in-memory pub/sub with a per-topic ring buffer for
// replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	sink        Sink
}

// NewManager creates a manager with the given replay capacity per topic.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// SetSink attaches an external sink; pass nil to detach.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for a topic; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(topic string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[topic]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[topic] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(topic string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[topic]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, topic)
		}
	}
}

// Publish sends an event to all subscribers of its topic (non-blocking) and
// forwards it to the sink if one is attached.
func (m *Manager) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[evt.Topic]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.Topic] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Fan out while still holding the lock. Sends are non-blocking, and
	// Unsubscribe closes channels only under the same lock, so a send can
	// never race a concurrent delete or hit a closed channel.
	for ch := range m.subscribers[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.Append(evt)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity).
func (m *Manager) ReplaySince(topic string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[topic]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
