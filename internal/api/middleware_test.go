package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
)

// TestLoggingMiddlewareAllowsUpgrade verifies the status-capturing writer
// still lets a handler hijack the connection.
func TestLoggingMiddlewareAllowsUpgrade(t *testing.T) {
	s := &Server{logger: logging.Discard()}

	upgrader := websocket.Upgrader{}
	handler := s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); !ok {
			t.Error("wrapped writer does not implement http.Hijacker")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("hello")) //nolint:errcheck // test handler
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial through logging middleware failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("message = %q, want hello", data)
	}
}

// TestWebSocketUpgradeThroughRouter dials the routed handler with every
// global middleware in place.
func TestWebSocketUpgradeThroughRouter(t *testing.T) {
	env := newTestEnv(t)

	ws := env.dial(t)
	if msg := readFrame(t, ws); msg["type"] != msgAuthRequired {
		t.Fatalf("first frame = %v, want auth_required", msg)
	}
}

func TestStatusWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}

	if w.Unwrap() != rec {
		t.Error("Unwrap() did not return the underlying writer")
	}
	w.WriteHeader(http.StatusTeapot)
	if w.status != http.StatusTeapot || rec.Code != http.StatusTeapot {
		t.Errorf("status = %d / %d, want 418", w.status, rec.Code)
	}
}
