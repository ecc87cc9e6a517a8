package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// EventCallback receives a fired event. The event must be treated as
// read-only.
type EventCallback func(event *Event)

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

type listener struct {
	id        uint64
	eventType string
	fn        EventCallback
	inline    bool
	once      bool
	fired     atomic.Bool

	// mailbox of a Listen callback; drained by at most one goroutine
	mu      sync.Mutex
	pending []*Event
	running bool
}

type delivery struct {
	event     *Event
	listeners []*listener
	barrier   chan struct{}
}

// EventBus is the publish/subscribe hub.
//
// Fire snapshots the matching listeners and appends the event to a FIFO
// queue. A single dispatcher goroutine drains the queue, so events are
// delivered in the order they were fired. Listeners registered with
// ListenLoop run on the dispatcher itself. Listeners registered with
// Listen own a mailbox drained by a goroutine of their own, so a slow
// listener never holds up the others. Either way each listener observes
// events in firing order.
type EventBus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[string][]*listener
	nextID    uint64
	queue     []delivery
	closed    bool
	done      chan struct{}

	tasks  *taskTracker
	logger Logger
}

// NewEventBus creates a bus and starts its dispatcher. A nil logger
// discards output.
func NewEventBus(logger Logger) *EventBus {
	return newEventBus(logger, newTaskTracker())
}

func newEventBus(logger Logger, tasks *taskTracker) *EventBus {
	if logger == nil {
		logger = noopLogger{}
	}
	b := &EventBus{
		listeners: make(map[string][]*listener),
		done:      make(chan struct{}),
		tasks:     tasks,
		logger:    logger,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Fire publishes a locally originated event. A nil context gets a fresh
// one. The only validation error is an empty event type.
func (b *EventBus) Fire(eventType string, data map[string]any, octx *Context) error {
	return b.FireWithOrigin(eventType, data, OriginLocal, octx)
}

// FireWithOrigin publishes an event with an explicit origin.
func (b *EventBus) FireWithOrigin(eventType string, data map[string]any, origin EventOrigin, octx *Context) error {
	if eventType == "" {
		return ErrInvalidEventType
	}
	return b.FireEvent(NewEvent(eventType, data, origin, octx))
}

// FireRemote publishes an event received from another instance.
func (b *EventBus) FireRemote(eventType string, data map[string]any, octx *Context) error {
	return b.FireWithOrigin(eventType, data, OriginRemote, octx)
}

// FireEvent publishes a prebuilt event. Missing origin, context and fire
// time are filled in the way NewEvent does.
func (b *EventBus) FireEvent(event *Event) error {
	if event.EventType == "" {
		return ErrInvalidEventType
	}
	if event.Origin == "" {
		event.Origin = OriginLocal
	}
	if event.Context == nil {
		event.Context = NewContext("", "")
	}
	if event.TimeFired.IsZero() {
		event.TimeFired = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	targets := mergeListeners(b.listeners[event.EventType], b.listeners[MatchAll])
	if event.EventType == MatchAll {
		targets = append([]*listener(nil), b.listeners[MatchAll]...)
	}

	b.tasks.add()
	b.queue = append(b.queue, delivery{event: event, listeners: targets})
	b.cond.Signal()

	metrics.IncEventFired(string(event.Origin))
	return nil
}

// mergeListeners joins two id-ordered slices preserving registration order.
func mergeListeners(a, b []*listener) []*listener {
	out := make([]*listener, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].id < b[j].id {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Listen registers a callback that runs off the dispatcher. Matching
// events queue in the listener's mailbox and are handed to the callback
// one at a time, in firing order. Use MatchAll to receive every event.
func (b *EventBus) Listen(eventType string, fn EventCallback) Unsubscribe {
	return b.add(&listener{eventType: eventType, fn: fn})
}

// ListenLoop registers a callback that runs synchronously on the
// dispatcher goroutine. Such callbacks see events in exactly the order
// they were fired and must not block.
func (b *EventBus) ListenLoop(eventType string, fn EventCallback) Unsubscribe {
	return b.add(&listener{eventType: eventType, fn: fn, inline: true})
}

// ListenOnce registers a callback that runs for at most one event. It is
// removed from the bus before it is invoked.
func (b *EventBus) ListenOnce(eventType string, fn EventCallback) Unsubscribe {
	return b.add(&listener{eventType: eventType, fn: fn, inline: true, once: true})
}

func (b *EventBus) add(l *listener) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	l.id = b.nextID
	b.listeners[l.eventType] = append(b.listeners[l.eventType], l)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(l) })
	}
}

func (b *EventBus) remove(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[l.eventType]
	for i, cur := range list {
		if cur == l {
			next := make([]*listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, l.eventType)
			} else {
				b.listeners[l.eventType] = next
			}
			return
		}
	}
}

// Listeners returns the listener count per event type. Wildcard
// listeners are not included.
func (b *EventBus) Listeners() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]int, len(b.listeners))
	for eventType, list := range b.listeners {
		if eventType == MatchAll {
			continue
		}
		out[eventType] = len(list)
	}
	return out
}

// Close stops accepting events. Events already queued are still
// delivered; Close returns once the dispatcher has drained the queue.
func (b *EventBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.cond.Broadcast()
	}
	b.mu.Unlock()
	<-b.done
}

func (b *EventBus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		b.deliver(d)
		b.tasks.done()
	}
}

func (b *EventBus) deliver(d delivery) {
	if d.barrier != nil {
		close(d.barrier)
		return
	}

	for _, l := range d.listeners {
		if l.once {
			if !l.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(l)
		}

		if l.inline {
			b.invoke(l, d.event)
			continue
		}

		b.post(l, d.event)
	}
}

// post appends event to the mailbox of l and starts a drainer when none
// is running.
func (b *EventBus) post(l *listener, event *Event) {
	b.tasks.add()

	l.mu.Lock()
	l.pending = append(l.pending, event)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go b.drain(l)
}

func (b *EventBus) drain(l *listener) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			l.pending = nil
			l.mu.Unlock()
			return
		}
		event := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		b.invoke(l, event)
		b.tasks.done()
	}
}

func (b *EventBus) invoke(l *listener, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncListenerPanic()
			b.logger.Error("event listener panicked",
				"event_type", event.EventType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	l.fn(event)
}

// Barrier returns a channel that is closed once every event fired before
// the call has been handed to its listeners. Inline listeners have
// returned by then; Listen mailboxes may still be draining.
func (b *EventBus) Barrier() <-chan struct{} {
	ch := make(chan struct{})

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.tasks.add()
	b.queue = append(b.queue, delivery{barrier: ch})
	b.cond.Signal()
	return ch
}

// BlockTillDone waits until every queued event has been delivered and
// every Listen mailbox is empty.
func (b *EventBus) BlockTillDone(ctx context.Context) error {
	return b.tasks.wait(ctx)
}
