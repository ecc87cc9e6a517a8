package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/config"
	"github.com/openpeerpower/opp-core/internal/infrastructure/database"
	"github.com/openpeerpower/opp-core/internal/infrastructure/logging"
	"github.com/openpeerpower/opp-core/internal/recorder"
	_ "github.com/openpeerpower/opp-core/migrations"
)

const (
	testSecret      = "test-secret-key-for-jwt-signing-0123456789"
	testAPIPassword = "legacy-password"
	testVersion     = "0.1.0-test"
	adminPassword   = "admin-password"
)

// testEnv is a running core behind an httptest server with an admin and a
// limited user.
type testEnv struct {
	core   *core.Core
	srv    *Server
	http   *httptest.Server
	auth   *auth.Manager
	store  *recorder.Store
	users  *auth.SQLiteUserRepository
	admin  *auth.User
	user   *auth.User
	tokens map[string]string // user id -> access token
}

type envOption func(*Deps)

func withWS(ws config.WebSocketConfig) envOption {
	return func(d *Deps) { d.WS = ws }
}

func withLoginAttempts(threshold int) envOption {
	return func(d *Deps) {
		d.Security.LoginAttempts = config.LoginAttemptConfig{Enabled: true, Threshold: threshold, CooldownSeconds: 600}
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db, err := database.Open(t.Context(), database.Config{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	users := auth.NewUserRepository(db.DB)
	mgr, err := auth.NewManager(users, auth.NewTokenRepository(db.DB),
		auth.NewPolicyRepository(db.DB), auth.ManagerConfig{
			Secret:      testSecret,
			APIPassword: testAPIPassword,
		}, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	c := core.New(core.Config{LocationName: "Home", TimeZone: "UTC"},
		core.WithUsers(mgr), core.WithVersion(testVersion))
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		c.Stop(context.Background()) //nolint:errcheck // test cleanup
	})

	env := &testEnv{
		core:   c,
		auth:   mgr,
		store:  recorder.NewStore(db.DB),
		users:  users,
		tokens: map[string]string{},
	}

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    5,
			AuthTimeout:    5,
			SendQueueSize:  512,
		},
		Logger:  logging.Discard(),
		Core:    c,
		Auth:    mgr,
		History: env.store,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	env.srv, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(func() {
		env.srv.Close() //nolint:errcheck // test cleanup
		env.http.Close()
	})

	env.admin = env.createUser(t, "admin", auth.RoleAdmin, nil)
	env.user = env.createUser(t, "guest", auth.RoleUser, &auth.Policy{
		EntityIDs: map[string]auth.Grant{"light.kitchen": {Read: true, Control: true}},
	})
	return env
}

func (e *testEnv) createUser(t *testing.T, username string, role auth.Role, policy *auth.Policy) *auth.User {
	t.Helper()

	u, err := e.auth.CreateUser(t.Context(), username, username, adminPassword, role, policy)
	if err != nil {
		t.Fatalf("CreateUser(%s) error = %v", username, err)
	}
	token, err := e.auth.IssueAccessToken(t.Context(), u.ID)
	if err != nil {
		t.Fatalf("IssueAccessToken(%s) error = %v", username, err)
	}
	e.tokens[u.ID] = token
	return u
}

// request performs an HTTP request as user (nil for anonymous).
func (e *testEnv) request(t *testing.T, user *auth.User, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.http.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user.ID])
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return do(t, req)
}

// postForm posts form values to path without authentication.
func (e *testEnv) postForm(t *testing.T, path string, values url.Values) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, e.http.URL+path, strings.NewReader(values.Encode()))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, body
}

// dial opens a raw WebSocket connection to the API.
func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.http.URL, "http") + websocketPath
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck // test cleanup
	return ws
}

// connect dials and completes the auth handshake as user.
func (e *testEnv) connect(t *testing.T, user *auth.User) *websocket.Conn {
	t.Helper()

	ws := e.dial(t)
	if msg := readFrame(t, ws); msg["type"] != msgAuthRequired {
		t.Fatalf("first frame = %v, want auth_required", msg)
	}
	writeFrame(t, ws, map[string]any{"type": "auth", "access_token": e.tokens[user.ID]})
	if msg := readFrame(t, ws); msg["type"] != msgAuthOK {
		t.Fatalf("auth response = %v, want auth_ok", msg)
	}
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("frame is not JSON: %s", data)
	}
	return msg
}

// command sends a command and returns the next frame.
func command(t *testing.T, ws *websocket.Conn, cmd map[string]any) map[string]any {
	t.Helper()
	writeFrame(t, ws, cmd)
	return readFrame(t, ws)
}

// errorCodeOf returns error.code of a failed result frame.
func errorCodeOf(t *testing.T, msg map[string]any) string {
	t.Helper()

	if msg["type"] != msgResult || msg["success"] != false {
		t.Fatalf("frame = %v, want failed result", msg)
	}
	e, ok := msg["error"].(map[string]any)
	if !ok {
		t.Fatalf("frame has no error object: %v", msg)
	}
	code, _ := e["code"].(string)
	return code
}

func settle(t *testing.T, c *core.Core) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := c.BlockTillDone(ctx); err != nil {
		t.Fatalf("BlockTillDone() error = %v", err)
	}
}
