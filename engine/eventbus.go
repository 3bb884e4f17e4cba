package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"statboard/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

const defaultQueueSize = 1024

type subscription struct {
	id int64
	fn func(context.Context, core.Event)
}

// EventBus fans leaderboard events out to in-process subscribers.
type EventBus struct {
	mode    DispatchMode
	mu      sync.RWMutex
	subs    map[core.EventType]map[int64]subscription
	nextID  int64
	queue   chan core.Event
	workers sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

func NewEventBus(mode DispatchMode) *EventBus {
	eb := &EventBus{
		mode: mode,
		subs: make(map[core.EventType]map[int64]subscription),
	}
	if mode == DispatchAsync {
		eb.queue = make(chan core.Event, defaultQueueSize)
		eb.startWorkers(2)
	}
	return eb
}

func (e *EventBus) startWorkers(n int) {
	for i := 0; i < n; i++ {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for ev := range e.queue {
				e.dispatch(context.Background(), ev)
			}
		}()
	}
}

// Close drains queued events and stops async workers.
func (e *EventBus) Close() {
	e.once.Do(func() {
		e.closed.Store(true)
		if e.queue != nil {
			e.mu.Lock()
			close(e.queue)
			e.mu.Unlock()
			e.workers.Wait()
		}
	})
}

// Dropped returns how many async events were discarded because the queue was full.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[typ], id)
	}
}

// Publish sends an event to subscribers. Events published after Close are ignored.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.closed.Load() {
		return
	}
	if e.mode == DispatchAsync {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.closed.Load() {
			return
		}
		select {
		case e.queue <- ev:
		default:
			e.dropped.Add(1)
		}
		return
	}
	e.dispatch(ctx, ev)
}

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Type]
	handlers := make([]func(context.Context, core.Event), 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}
