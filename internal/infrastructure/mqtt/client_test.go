package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/openpeerpower/opp-core/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration pointing at a local broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "openpeerpower-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		tls        bool
		username   string
		wantScheme string
	}{
		{name: "plain", wantScheme: "tcp"},
		{name: "tls with auth", tls: true, username: "opp", wantScheme: "ssl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Broker.TLS = tt.tls
			cfg.Auth.Username = tt.username

			opts := buildClientOptions(cfg)
			if len(opts.Servers) != 1 {
				t.Fatalf("Servers = %v, want one broker", opts.Servers)
			}
			if got := opts.Servers[0].Scheme; got != tt.wantScheme {
				t.Errorf("scheme = %q, want %q", got, tt.wantScheme)
			}
			if opts.Servers[0].Host != "127.0.0.1:1883" {
				t.Errorf("host = %q", opts.Servers[0].Host)
			}
			if opts.Username != tt.username {
				t.Errorf("Username = %q, want %q", opts.Username, tt.username)
			}
			if (opts.TLSConfig != nil) != tt.tls {
				t.Errorf("TLSConfig set = %v, want %v", opts.TLSConfig != nil, tt.tls)
			}
			if !opts.AutoReconnect || !opts.CleanSession {
				t.Error("expected auto reconnect and clean session")
			}
		})
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, testConfig())

	if !opts.WillEnabled || !opts.WillRetained {
		t.Fatal("LWT must be enabled and retained")
	}
	if opts.WillTopic != "openpeerpower/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("WillPayload is not JSON: %v", err)
	}
	if msg.Status != statusOffline || msg.Reason != "unexpected_disconnect" || msg.ClientID != "openpeerpower-test" {
		t.Errorf("WillPayload = %+v", msg)
	}
}

func TestStatusPayloadOmitsEmptyReason(t *testing.T) {
	payload := string(statusPayload("c1", statusOnline, ""))
	if strings.Contains(payload, "reason") {
		t.Errorf("payload = %s, want no reason", payload)
	}
	if !strings.Contains(payload, `"status":"online"`) {
		t.Errorf("payload = %s", payload)
	}
}

func TestPublishValidation(t *testing.T) {
	c := newClient(testConfig())

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "a/b", qos: 3, wantErr: ErrInvalidQoS},
		{name: "payload too large", topic: "a/b", qos: 1, payload: make([]byte, maxPayloadSize+1), wantErr: ErrPublishFailed},
		{name: "not connected", topic: "a/b", qos: 1, payload: []byte("{}"), wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishJSONEncodeError(t *testing.T) {
	c := newClient(testConfig())

	err := c.PublishJSON("a/b", map[string]any{"ch": make(chan int)}, 1, false)
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON() error = %v, want ErrPublishFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newClient(testConfig())
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{name: "empty topic", qos: 1, handler: noop, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "a/#", qos: 5, handler: noop, wantErr: ErrInvalidQoS},
		{name: "nil handler", topic: "a/#", qos: 1, wantErr: ErrSubscribeFailed},
		{name: "not connected", topic: "a/#", qos: 1, handler: noop, wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", c.SubscriptionCount())
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	c := newClient(testConfig())
	if err := c.HealthCheck(t.Context()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestWrapHandler(t *testing.T) {
	c := newClient(testConfig())
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got string
	ok := c.wrapHandler(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})
	ok(nil, fakeMessage{topic: "t/1", payload: []byte("x")})
	if got != "t/1=x" {
		t.Errorf("handler saw %q", got)
	}

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	failing(nil, fakeMessage{topic: "t/2"})

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	panicking(nil, fakeMessage{topic: "t/3"})

	if len(logger.warns) != 1 {
		t.Errorf("warns = %v, want 1 handler error", logger.warns)
	}
	if len(logger.errors) != 1 {
		t.Errorf("errors = %v, want 1 recovered panic", logger.errors)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.SystemStatus(), "openpeerpower/system/status"},
		{topics.Events(), "openpeerpower/events"},
		{topics.RemoteEvents(), "openpeerpower/remote/events"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"openpeerpower/events", "openpeerpower/events", true},
		{"openpeerpower/events", "openpeerpower/events/x", false},
		{"openpeerpower/+", "openpeerpower/events", true},
		{"openpeerpower/+", "openpeerpower/a/b", false},
		{"openpeerpower/#", "openpeerpower/a/b", true},
		{"openpeerpower/#", "openpeerpower", true},
		{"+/events", "other/events", true},
		{"#", "anything/at/all", true},
		{"a/b", "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			if got := Match(tt.filter, tt.topic); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}
