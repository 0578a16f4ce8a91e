package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"evidence-orchestrator/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

type collector struct {
	mu   sync.Mutex
	got  []model.Event
	seen chan struct{}
}

func newCollector() *collector { return &collector{seen: make(chan struct{}, 1024)} }

func (c *collector) OnEvent(ev model.Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *collector) names() []model.EventName {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventName, 0, len(c.got))
	for _, e := range c.got {
		out = append(out, e.Name)
	}
	return out
}

func TestBus_OrderedDeliveryAndFilter(t *testing.T) {
	b := NewBus(nil)
	all := newCollector()
	jobs := newCollector()
	b.Subscribe(all)
	b.Subscribe(jobs, model.EventJobStarted, model.EventJobCompleted)

	seq := []model.EventName{model.EventJobCreated, model.EventJobStarted, model.EventJobProgress, model.EventJobCompleted}
	for _, n := range seq {
		b.Publish(model.Event{Name: n, JobID: "job_1"})
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := all.names()
	if len(got) != len(seq) {
		t.Fatalf("got=%v", got)
	}
	for i := range seq {
		if got[i] != seq[i] {
			t.Fatalf("order mismatch at %d: %v", i, got)
		}
	}
	if j := jobs.names(); len(j) != 2 || j[0] != model.EventJobStarted || j[1] != model.EventJobCompleted {
		t.Fatalf("filtered=%v", j)
	}

	b.Publish(model.Event{Name: model.EventError})
	if len(all.names()) != len(seq) {
		t.Fatalf("publish after close must be dropped")
	}
}

func TestBus_PanickingObserverIsIsolated(t *testing.T) {
	b := NewBus(nil)
	good := newCollector()
	b.Subscribe(ObserverFunc(func(model.Event) { panic("boom") }))
	b.Subscribe(good)

	b.Publish(model.Event{Name: model.EventEvidenceCollected})
	b.Publish(model.Event{Name: model.EventEvidenceVerified})

	for i := 0; i < 2; i++ {
		select {
		case <-good.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("good observer starved")
		}
	}
	_ = b.Close(context.Background())
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	c := newCollector()
	unsub := b.Subscribe(c)
	b.Publish(model.Event{Name: model.EventJobCreated})
	unsub()
	b.Publish(model.Event{Name: model.EventJobStarted})
	unsub()
	if got := c.names(); len(got) != 1 {
		t.Fatalf("got=%v", got)
	}
	_ = b.Close(context.Background())
}

type fakeRedis struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	fail     bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.fail {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	f.mu.Lock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	f.mu.Unlock()
	cmd.SetVal(1)
	return cmd
}

func TestRedisForwarder_PublishesJSON(t *testing.T) {
	fr := &fakeRedis{}
	fw := NewRedisForwarder(fr, "", nil)
	fw.OnEvent(model.Event{Name: model.EventLegalHoldApplied, HoldID: "h1", CaseID: "c1"})

	if len(fr.channels) != 1 || fr.channels[0] != DefaultChannel {
		t.Fatalf("channels=%v", fr.channels)
	}
	var ev model.Event
	if err := json.Unmarshal(fr.payloads[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Name != model.EventLegalHoldApplied || ev.HoldID != "h1" {
		t.Fatalf("ev=%+v", ev)
	}

	fr.fail = true
	fw.OnEvent(model.Event{Name: model.EventError})
	if len(fr.channels) != 1 {
		t.Fatalf("failed publish must not be recorded")
	}
}
