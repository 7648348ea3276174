// Package events is a small typed publish/subscribe bus used to avoid
// cyclic references between hub components: the scheduler subscribes to
// task/agent lifecycle topics instead of holding references to the task
// queue or supervisor directly (spec §9, "Cyclic graph avoidance").
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notno/agentcom/internal/logging"
)

// HandlerFunc is invoked when a subscribed topic fires.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject at construction.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) { cfg.bufferSize = size }
}

// WithSyncDelivery forces synchronous (inline) delivery, serializing every
// handler call onto the Subject's single event-loop goroutine. Without it,
// each handler call runs in its own goroutine; the hub's shared Subject uses
// that default.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) { cfg.syncDelivery = true }
}

// Subscription represents a handler registered against a topic.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

type event struct {
	topic   string
	message any
}

// Subject is a single event bus instance. AgentCom wires one Subject per
// hub (shared by C6/C3/C4 publishers and the C7 scheduler subscriber).
type Subject struct {
	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64

	events   chan event
	shutdown chan struct{}
	closed   int32
	wg       sync.WaitGroup

	config subjectConfig
	log    logging.Logger
}

// NewSubject creates and starts a new Subject.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
		log:      logging.Component("events"),
	}
	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	go s.eventLoop()
	return s
}

// Emit publishes a value to a topic. It blocks briefly if the internal
// channel is full and gives up after 5s rather than deadlocking a caller.
func Emit[T any](s *Subject, topic string, value T) error {
	evt := event{topic: topic, message: value}
	select {
	case s.events <- evt:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emit %s: event bus saturated", topic)
	}
}

// Subscribe registers a typed handler against a topic.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("event type mismatch on %s: got %T", topic, data)
		}
		return handler(ctx, typed)
	})

	id := atomic.AddInt64(&s.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		ID:      fmt.Sprintf("%s-%d", topic, id),
		Handler: wrapped,
	}
	s.addSubscription(sub)
	sub.Unsubscribe = func() { s.removeSubscription(sub.ID) }
	return sub
}

// Close stops the event loop and waits (bounded) for in-flight async
// handlers to finish. Idempotent.
func (s *Subject) Close() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.shutdown)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (s *Subject) eventLoop() {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					s.deliver(sub, evt)
				}
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil {
			s.log.Debugf("handler error topic=%s sub=%s err=%v", evt.topic, sub.ID, err)
		}
	}
	if s.config.syncDelivery {
		run()
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			run()
		}()
	}
}

func (s *Subject) addSubscription(sub Subscription) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		if _, ok := next[sub.Topic]; !ok {
			next[sub.Topic] = make(map[string]Subscription)
		}
		next[sub.Topic][sub.ID] = sub
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (s *Subject) removeSubscription(id string) {
	for {
		old := s.subscribers.Load()
		next := copySubscribers(*old)
		for topic, subs := range next {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(next, topic)
				}
				break
			}
		}
		if s.subscribers.CompareAndSwap(old, &next) {
			return
		}
	}
}

func copySubscribers(m subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(m))
	for topic, subs := range m {
		cp[topic] = make(map[string]Subscription, len(subs))
		for id, s := range subs {
			cp[topic][id] = s
		}
	}
	return cp
}
