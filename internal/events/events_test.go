package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/fpagent/fpagent/internal/agent"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Source: SourceAgent, Kind: KindTurnComplete})
	select {
	case e := <-ch:
		if e.Kind != KindTurnComplete || e.Timestamp.IsZero() {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "x"})
	if b.SubscriberCount() != 0 {
		t.Error("nil bus has subscribers")
	}
	TurnObserver{}.TurnCompleted(context.Background(), agent.TurnReport{})
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered %d events, want 1", len(ch))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d", b.SubscriberCount())
	}
}

func TestTurnObserver(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	TurnObserver{Bus: b}.TurnCompleted(context.Background(), agent.TurnReport{
		ID:          "t-1",
		User:        "5215512345678",
		Disposition: agent.DispositionExhausted,
		Attempts:    2,
		Failures:    2,
		Decisions:   3,
		Started:     start,
		Duration:    1500 * time.Millisecond,
	})

	e := <-ch
	if e.Source != SourceAgent || e.Kind != KindTurnComplete {
		t.Errorf("event = %+v", e)
	}
	if e.Data["disposition"] != "exhausted" || e.Data["attempts"] != 2 || e.Data["elapsed_ms"] != int64(1500) {
		t.Errorf("data = %v", e.Data)
	}
	if !e.Timestamp.Equal(start.Add(1500 * time.Millisecond)) {
		t.Errorf("Timestamp = %v", e.Timestamp)
	}
}

func TestServiceCallbacks(t *testing.T) {
	b := New()
	ch := b.Subscribe(2)
	defer b.Unsubscribe(ch)

	b.ServiceDown("gateway")(errors.New("connection refused"))
	b.ServiceUp("gateway")()

	down, up := <-ch, <-ch
	if down.Kind != KindServiceDown || down.Data["error"] != "connection refused" {
		t.Errorf("down = %+v", down)
	}
	if up.Kind != KindServiceUp || up.Data["service"] != "gateway" {
		t.Errorf("up = %+v", up)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
}

func (r *recordingPublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestMQTTSink_ForwardsEvents(t *testing.T) {
	b := New()
	rec := &recordingPublisher{}
	s := NewMQTTSink(MQTTConfig{TopicPrefix: "home/fpagent/"}, b, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.pub = rec

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(8)
	done := make(chan struct{})
	go func() {
		s.forward(ctx, ch)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnComplete, Data: map[string]any{"turn": "t-1"}})

	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if rec.count() != 1 {
		t.Fatalf("published %d messages, want 1", rec.count())
	}
	msg := rec.msgs[0]
	if msg.Topic != "home/fpagent/events/agent/turn_complete" {
		t.Errorf("topic = %q", msg.Topic)
	}
	var e Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Data["turn"] != "t-1" {
		t.Errorf("payload = %s", msg.Payload)
	}
	if b.SubscriberCount() != 0 {
		t.Error("forward did not unsubscribe on exit")
	}
}

func TestMQTTSink_StatusTopic(t *testing.T) {
	s := NewMQTTSink(MQTTConfig{}, New(), nil)
	if s.statusTopic() != "fpagent/status" {
		t.Errorf("statusTopic = %q", s.statusTopic())
	}
	rec := &recordingPublisher{}
	s.publishStatus(context.Background(), rec, "online")
	if rec.msgs[0].Topic != "fpagent/status" || string(rec.msgs[0].Payload) != "online" || !rec.msgs[0].Retain {
		t.Errorf("status message = %+v", rec.msgs[0])
	}
}

func TestMQTTSink_StopBeforeStart(t *testing.T) {
	s := NewMQTTSink(MQTTConfig{}, New(), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if err := s.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection before Start should fail")
	}
}
