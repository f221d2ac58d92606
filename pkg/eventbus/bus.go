// Package eventbus is the in-process publish/subscribe backbone. Every subscriber owns a
// bounded mailbox and a goroutine, so a slow or failing handler only delays itself.
// Delivery is at-most-once: when a mailbox is full the event is dropped for that
// subscriber and counted.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"UpDownTrader/pkg/logger"
)

var ErrClosed = errors.New("eventbus: closed")

type Event struct {
	Topic   string
	Payload interface{}
	Seq     uint64
	At      time.Time
}

type Handler func(ctx context.Context, ev Event) error

// Observer receives counter updates, e.g. a Prometheus recorder.
type Observer interface {
	Published(topic string)
	Delivered(topic, handler string)
	Dropped(topic, handler string)
	HandlerError(topic, handler string)
}

type Option func(*Bus)

// WithMailboxSize sets the per-subscriber buffer. Values below 1 are ignored.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Bus) {
		b.obs = o
	}
}

type Bus struct {
	mu          sync.Mutex
	subs        map[string][]*subscription
	closed      bool
	mailboxSize int
	nextID      uint64

	log *logger.Logger
	obs Observer

	seq       uint64
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id      uint64
	topic   string
	name    string
	handler Handler
	mailbox chan Event

	delivered atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:        make(map[string][]*subscription),
		mailboxSize: 1024,
		log:         logger.Nop(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Component("eventbus")
	return b
}

// Subscribe registers handler for every subsequent publish on topic. name identifies the
// handler in stats and logs. The returned func unsubscribes; events already queued for
// the handler are still delivered.
func (b *Bus) Subscribe(topic, name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		topic:   topic,
		name:    name,
		handler: handler,
		mailbox: make(chan Event, b.mailboxSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i:i], list[i+1:]...)
			close(sub.mailbox)
			return
		}
	}
}

// Publish never blocks. It returns false when the bus is closed or no subscriber
// accepted the event.
func (b *Bus) Publish(topic string, payload interface{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	b.seq++
	ev := Event{Topic: topic, Payload: payload, Seq: b.seq, At: time.Now()}
	b.published.Add(1)
	if b.obs != nil {
		b.obs.Published(topic)
	}

	accepted := false
	for _, sub := range b.subs[topic] {
		select {
		case sub.mailbox <- ev:
			accepted = true
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.obs != nil {
				b.obs.Dropped(topic, sub.name)
			}
			b.log.Warn("mailbox full, event dropped",
				logger.String("topic", topic),
				logger.String("handler", sub.name),
			)
		}
	}
	return accepted
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.mailbox {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = sub.handler(b.ctx, ev)
	}()

	if err != nil {
		sub.errors.Add(1)
		if b.obs != nil {
			b.obs.HandlerError(ev.Topic, sub.name)
		}
		b.log.Error("handler failed",
			logger.String("topic", ev.Topic),
			logger.String("handler", sub.name),
			logger.Error(err),
		)
		return
	}
	sub.delivered.Add(1)
	b.delivered.Add(1)
	if b.obs != nil {
		b.obs.Delivered(ev.Topic, sub.name)
	}
}

// Close stops intake and lets handlers drain their mailboxes until ctx expires. On
// expiry the context passed to handlers is cancelled and ctx.Err() is returned.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.mailbox)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		b.log.Warn("drain timed out", logger.Int("backlog", b.Stats().Backlog))
		return ctx.Err()
	}
}

type HandlerStats struct {
	Topic     string `json:"topic"`
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	Backlog   int    `json:"backlog"`
}

type Stats struct {
	Published   uint64         `json:"published"`
	Delivered   uint64         `json:"delivered"`
	Dropped     uint64         `json:"dropped"`
	Errors      uint64         `json:"errors"`
	Backlog     int            `json:"backlog"`
	Subscribers int            `json:"subscribers"`
	Handlers    []HandlerStats `json:"handlers"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
	for _, list := range b.subs {
		for _, sub := range list {
			hs := HandlerStats{
				Topic:     sub.topic,
				Name:      sub.name,
				Delivered: sub.delivered.Load(),
				Dropped:   sub.dropped.Load(),
				Errors:    sub.errors.Load(),
				Backlog:   len(sub.mailbox),
			}
			st.Errors += hs.Errors
			st.Backlog += hs.Backlog
			st.Subscribers++
			st.Handlers = append(st.Handlers, hs)
		}
	}
	sort.Slice(st.Handlers, func(i, j int) bool {
		if st.Handlers[i].Topic != st.Handlers[j].Topic {
			return st.Handlers[i].Topic < st.Handlers[j].Topic
		}
		return st.Handlers[i].Name < st.Handlers[j].Name
	})
	return st
}

// SubscribeTyped subscribes fn to topic and asserts the payload type. A payload of the
// wrong type counts as a handler error.
func SubscribeTyped[T any](b *Bus, topic, name string, fn func(ctx context.Context, payload T) error) func() {
	return b.Subscribe(topic, name, func(ctx context.Context, ev Event) error {
		p, ok := ev.Payload.(T)
		if !ok {
			return fmt.Errorf("topic %s: unexpected payload %T", ev.Topic, ev.Payload)
		}
		return fn(ctx, p)
	})
}
