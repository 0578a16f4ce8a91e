// Package events 提供进程内的有序事件总线。
//
// 每个订阅者拥有独立的队列与投递 goroutine：发布方从不阻塞，
// 同一订阅者按发布顺序收到事件，订阅者 panic 会被捕获并记录，不会影响其他订阅者。
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/logging"

	"github.com/sirupsen/logrus"
)

// Observer 接收事件。
type Observer interface {
	OnEvent(ev model.Event)
}

// ObserverFunc 让普通函数满足 Observer。
type ObserverFunc func(ev model.Event)

func (f ObserverFunc) OnEvent(ev model.Event) { f(ev) }

// Publisher 是编排器依赖的最小发布接口。
type Publisher interface {
	Publish(ev model.Event)
}

type subscription struct {
	obs   Observer
	names map[model.EventName]struct{}

	mu      sync.Mutex
	queue   []model.Event
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscription) wants(name model.EventName) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

func (s *subscription) push(ev model.Event) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus 是事件总线。零值不可用，使用 NewBus。
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
	closed bool
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		log:  logging.OrDiscard(log),
		now:  time.Now,
	}
}

// Subscribe 注册订阅者；names 为空表示接收全部事件。返回值用于退订（会先投递完已入队的事件）。
func (b *Bus) Subscribe(obs Observer, names ...model.EventName) func() {
	s := &subscription{
		obs:   obs,
		names: make(map[model.EventName]struct{}, len(names)),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	sid := b.nextID
	b.nextID++
	b.subs[sid] = s
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sid)
			b.mu.Unlock()
			s.stop()
			<-s.done
		})
	}
}

// Publish 把事件放入每个匹配订阅者的队列。总线关闭后静默丢弃。
func (b *Bus) Publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Name) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	for _, s := range targets {
		s.push(ev)
	}
}

// Close 停止接收新事件，并等待所有订阅者把已入队事件处理完（或 ctx 结束）。
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[int]*subscription{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	for _, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("drain event bus: %w", ctx.Err())
		}
	}
	return nil
}

func (b *Bus) run(s *subscription) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.closing {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue[0] = model.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()
		b.deliver(s.obs, ev)
	}
}

func (b *Bus) deliver(obs Observer, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"event": ev.Name, "panic": r}).Error("event observer panicked")
		}
	}()
	obs.OnEvent(ev)
}
