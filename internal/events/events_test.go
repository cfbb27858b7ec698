package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("agent-1", 4)
	defer m.Unsubscribe("agent-1", ch)

	m.Publish(Event{Topic: "agent-1", Type: TypeAgentSpawned, AgentID: "agent-1"})

	select {
	case evt := <-ch:
		if evt.Type != TypeAgentSpawned {
			t.Errorf("type = %s, want %s", evt.Type, TypeAgentSpawned)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("agent-1", 1)
	defer m.Unsubscribe("agent-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Publish(Event{Topic: "agent-1", Type: TypeAgentStarted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("agent-1", 4)
	defer m.Unsubscribe("agent-1", ch)

	m.Publish(Event{Topic: "agent-2", Type: TypeAgentCompleted})

	select {
	case evt := <-ch:
		t.Fatalf("received event for another topic: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(8)

	for i := 0; i < 5; i++ {
		m.Publish(Event{Topic: "graph-1", Type: TypeNodeSpawned})
	}

	all := m.ReplaySince("graph-1", 0)
	if len(all) != 4 {
		t.Errorf("ReplaySince(0) returned %d events, want 4 (seq > 0)", len(all))
	}

	tail := m.ReplaySince("graph-1", 2)
	if len(tail) != 2 {
		t.Errorf("ReplaySince(2) returned %d events, want 2", len(tail))
	}
	for _, evt := range tail {
		if evt.Seq <= 2 {
			t.Errorf("event seq %d should be > 2", evt.Seq)
		}
	}
}

func TestReplayRespectsRingCapacity(t *testing.T) {
	m := NewManager(3)
	for i := 0; i < 10; i++ {
		m.Publish(Event{Topic: "graph-1", Type: TypeGraphStarted})
	}

	events := m.ReplaySince("graph-1", 0)
	if len(events) != 3 {
		t.Errorf("ring should keep 3 events, got %d", len(events))
	}
	if events[len(events)-1].Seq != 9 {
		t.Errorf("last seq = %d, want 9", events[len(events)-1].Seq)
	}
}

func TestReplayUnknownTopic(t *testing.T) {
	m := NewManager(8)
	if events := m.ReplaySince("nope", 0); events != nil {
		t.Errorf("expected nil for unknown topic, got %v", events)
	}
}

func TestPublishDuringSubscriberChurn(t *testing.T) {
	m := NewManager(8)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				m.Publish(Event{Topic: "agent-1", Type: TypeAgentStarted})
			}
		}
	}()

	// Churn subscribers on the same topic while the publisher runs. A send
	// on a closed channel or a concurrent map mutation panics the test.
	for i := 0; i < 500; i++ {
		ch := m.Subscribe("agent-1", 1)
		m.Unsubscribe("agent-1", ch)
	}

	close(stop)
	wg.Wait()
}

type captureSink struct {
	events []Event
}

func (s *captureSink) Append(evt Event) { s.events = append(s.events, evt) }

func TestSinkReceivesEveryEvent(t *testing.T) {
	m := NewManager(8)
	sink := &captureSink{}
	m.SetSink(sink)

	m.Publish(Event{Topic: "agent-1", Type: TypeAgentSpawned})
	m.Publish(Event{Topic: "agent-2", Type: TypeAgentFailed})

	if len(sink.events) != 2 {
		t.Fatalf("sink got %d events, want 2", len(sink.events))
	}

	m.SetSink(nil)
	m.Publish(Event{Topic: "agent-1", Type: TypeAgentTerminated})
	if len(sink.events) != 2 {
		t.Error("detached sink should not receive events")
	}
}
