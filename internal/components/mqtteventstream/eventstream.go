// Package mqtteventstream mirrors the event bus over MQTT.
//
// Local events are published as JSON to the publish topic. Messages
// received on the subscribe topic are fired on the local bus with
// origin=remote, and remote events are never published back, so two
// instances can share a broker without echoing each other.
//
// Wire format:
//
//	{"event_type": "state_changed", "event_data": {...}, "context": {...}}
//
// state_changed payloads carry full state objects in old_state and
// new_state; they are turned back into states before being fired.
package mqtteventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/mqtt"
)

// Domain is the component name.
const Domain = "mqtt_eventstream"

const defaultQueueSize = 1024

// Client is the subset of *mqtt.Client the stream needs.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Logger is the logging interface used by the stream.
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

// Options configures a Stream.
type Options struct {
	// PublishTopic receives local events. Empty disables publishing.
	PublishTopic string
	// SubscribeTopic is ingested as remote events. Empty disables ingest.
	SubscribeTopic string
	// IgnoreEvents are never published.
	IgnoreEvents []string
	QoS          byte
	// QueueSize bounds events waiting to be published (default 1024).
	QueueSize int
}

// message is the MQTT payload of one event.
type message struct {
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data"`
	Context   *core.Context  `json:"context,omitempty"`
}

// Stream bridges one core to an MQTT broker.
type Stream struct {
	client Client
	opts   Options
	logger Logger
	bus    *core.EventBus

	mu     sync.Mutex
	closed bool
	queue  chan []byte
	unsub  core.Unsubscribe
	wg     sync.WaitGroup
}

// New creates an unstarted stream. A nil logger discards output.
func New(client Client, opts Options, logger Logger) *Stream {
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Stream{
		client: client,
		opts:   opts,
		logger: logger,
		queue:  make(chan []byte, opts.QueueSize),
	}
}

// Setup returns a setup function that starts the stream and stops it when
// the core stops.
func Setup(client Client, opts Options, logger Logger) core.SetupFunc {
	return func(_ context.Context, c *core.Core) error {
		s := New(client, opts, logger)
		if err := s.Start(c.Bus); err != nil {
			return err
		}
		// Draining the queue waits on the broker, so it runs on the
		// executor where Core.Stop still waits for it.
		c.Bus.ListenOnce(core.EventOPPStop, func(*core.Event) {
			c.AddExecutorJob(context.Background(), func(context.Context) (any, error) {
				s.Stop()
				return nil, nil
			})
		})
		return nil
	}
}

// Start subscribes to the broker and to the bus.
func (s *Stream) Start(bus *core.EventBus) error {
	s.bus = bus

	if s.opts.SubscribeTopic != "" {
		if err := s.client.Subscribe(s.opts.SubscribeTopic, s.opts.QoS, s.ingest); err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.opts.SubscribeTopic, err)
		}
	}

	if s.opts.PublishTopic != "" {
		s.wg.Add(1)
		go s.publishLoop()
		s.unsub = bus.ListenLoop(core.MatchAll, s.enqueue)
	}

	s.logger.Info("mqtt event stream started",
		"publish_topic", s.opts.PublishTopic,
		"subscribe_topic", s.opts.SubscribeTopic,
	)
	return nil
}

// Stop unsubscribes and waits for queued events to be published.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsub != nil {
		s.unsub()
	}
	if s.opts.SubscribeTopic != "" {
		if err := s.client.Unsubscribe(s.opts.SubscribeTopic); err != nil {
			s.logger.Debug("mqtt event stream unsubscribe failed", "error", err)
		}
	}

	s.mu.Lock()
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// shouldPublish filters loops and noise out of the outgoing stream.
func (s *Stream) shouldPublish(event *core.Event) bool {
	if event.Origin == core.OriginRemote {
		return false
	}
	if event.EventType == core.EventTimeChanged || slices.Contains(s.opts.IgnoreEvents, event.EventType) {
		return false
	}
	if event.EventType == core.EventCallService &&
		event.Data[core.AttrDomain] == "mqtt" && event.Data[core.AttrService] == "publish" {
		return false
	}
	return true
}

// enqueue runs on the bus dispatcher and must not block.
func (s *Stream) enqueue(event *core.Event) {
	if !s.shouldPublish(event) {
		return
	}

	payload, err := json.Marshal(message{EventType: event.EventType, EventData: event.Data, Context: event.Context})
	if err != nil {
		s.logger.Error("failed to encode event", "event_type", event.EventType, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- payload:
	default:
		s.logger.Warn("mqtt event stream queue full, dropping event", "event_type", event.EventType)
	}
}

func (s *Stream) publishLoop() {
	defer s.wg.Done()
	for payload := range s.queue {
		if err := s.client.Publish(s.opts.PublishTopic, payload, s.opts.QoS, false); err != nil {
			s.logger.Warn("failed to publish event", "topic", s.opts.PublishTopic, "error", err)
		}
	}
}

// ingest fires a received event on the local bus with origin=remote.
func (s *Stream) ingest(topic string, payload []byte) error {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding event from %s: %w", topic, err)
	}
	if msg.EventType == "" {
		return fmt.Errorf("event from %s has no event_type", topic)
	}
	if msg.EventData == nil {
		msg.EventData = map[string]any{}
	}

	if msg.EventType == core.EventStateChanged {
		for _, key := range []string{core.AttrOldState, core.AttrNewState} {
			st, err := decodeState(msg.EventData[key])
			if err != nil {
				return fmt.Errorf("decoding %s from %s: %w", key, topic, err)
			}
			msg.EventData[key] = st
		}
	}

	return s.bus.FireEvent(core.NewEvent(msg.EventType, msg.EventData, core.OriginRemote, msg.Context))
}

// decodeState turns a JSON state object back into a *core.State. A
// missing or null value yields nil.
func decodeState(v any) (*core.State, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var st core.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
