package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/openpeerpower/opp-core/internal/core"
)

const (
	defaultQueueSize     = 1024
	defaultPurgeInterval = 24 * time.Hour
	writeTimeout         = 10 * time.Second
)

// Logger is the logging interface used by the recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Recorder.
type Options struct {
	// Exclude lists event types that are not persisted. time_changed is
	// always excluded.
	Exclude []string
	// KeepDays bounds history; zero keeps everything.
	KeepDays int
	// QueueSize bounds events waiting to be written.
	QueueSize int
	// PurgeInterval is how often old rows are purged.
	PurgeInterval time.Duration
}

// Recorder writes bus events to a Store.
type Recorder struct {
	store   *Store
	logger  Logger
	exclude map[string]bool
	keep    time.Duration
	every   time.Duration

	mu     sync.Mutex
	queue  chan *core.Event
	closed bool

	unsub  core.Unsubscribe
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a recorder. A nil logger discards output.
func New(store *Store, opts Options, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}

	exclude := map[string]bool{core.EventTimeChanged: true}
	for _, t := range opts.Exclude {
		exclude[t] = true
	}

	return &Recorder{
		store:   store,
		logger:  logger,
		exclude: exclude,
		keep:    time.Duration(opts.KeepDays) * 24 * time.Hour,
		every:   opts.PurgeInterval,
		queue:   make(chan *core.Event, opts.QueueSize),
	}
}

// Start subscribes to bus and starts the writer and purge loops.
func (r *Recorder) Start(ctx context.Context, bus *core.EventBus) {
	ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	r.wg.Add(1)
	go r.writeLoop()

	if r.keep > 0 {
		r.wg.Add(1)
		go r.purgeLoop(ctx)
	}

	r.unsub = bus.ListenLoop(core.MatchAll, r.enqueue)
	r.logger.Info("recorder started", "keep_days", int(r.keep.Hours()/24))
}

// enqueue runs on the bus dispatcher and must not block.
func (r *Recorder) enqueue(event *core.Event) {
	if r.exclude[event.EventType] {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.logger.Warn("recorder queue full, dropping event", "event_type", event.EventType)
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for event := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if _, err := r.store.RecordEvent(ctx, event); err != nil {
			r.logger.Error("failed to record event", "event_type", event.EventType, "error", err)
		}
		cancel()
	}
}

func (r *Recorder) purgeLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purge(ctx)
		}
	}
}

func (r *Recorder) purge(ctx context.Context) {
	n, err := r.store.Purge(ctx, time.Now().Add(-r.keep))
	if err != nil {
		r.logger.Error("recorder purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("recorder purged old events", "count", n)
	}
}

// Stop unsubscribes, writes everything still queued and stops the loops.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}

	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RestoreStates seeds the state machine with the last recorded state of
// every entity. It returns how many states were loaded.
func RestoreStates(ctx context.Context, store *Store, states *core.StateMachine) (int, error) {
	last, err := store.LastStates(ctx)
	if err != nil {
		return 0, err
	}
	return states.Restore(last), nil
}
