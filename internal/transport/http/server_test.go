package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/auth"
	"github.com/edusort/groupsync-server/internal/config"
	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/ratelimit"
	"github.com/edusort/groupsync-server/internal/store/memory"
)

type testServer struct {
	*httptest.Server
	cfg  *config.Config
	auth *auth.Service
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	st := memory.New()
	bus := fanout.NewLocal()
	limiter := ratelimit.NewMemory()
	logger := zerolog.Nop()

	registry := core.NewRegistry(st, bus, &logger, "proc-1", cfg.RoomCreateWait, cfg.TenantRefresh)
	t.Cleanup(registry.Close)

	authService := auth.NewService(&auth.JWTConfig{
		Secret:   []byte("test-secret"),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	})

	srv := NewServer(&cfg, &logger, st, bus, limiter, registry, authService)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, cfg: &cfg, auth: authService}
}

func (ts *testServer) token(t *testing.T, userID, name string) string {
	t.Helper()

	tok, err := ts.auth.GenerateToken(userID, name)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *stdhttp.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := stdhttp.NewRequest(method, ts.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) dial(t *testing.T, ctx context.Context, code, token string) (*websocket.Conn, *stdhttp.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + code + "?token=" + token
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: ts.Client()})
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal ws frame %s: %v", data, err)
	}
	return got
}

func TestHealth(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := startTestServer(t)

	resp := ts.request(t, stdhttp.MethodPost, "/api/sessions", "", map[string]any{"code": "abc", "groupSize": 4})
	if resp.StatusCode != stdhttp.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodPost, "/api/sessions", "garbage", map[string]any{"code": "abc", "groupSize": 4})
	if resp.StatusCode != stdhttp.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := startTestServer(t)
	host := ts.token(t, "host-1", "host")
	other := ts.token(t, "u2", "bob")

	create := map[string]any{"code": "abc", "groupSize": 4, "groups": []string{"red", "blue"}}
	resp := ts.request(t, stdhttp.MethodPost, "/api/sessions", host, create)
	if resp.StatusCode != stdhttp.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodPost, "/api/sessions", host, create)
	if resp.StatusCode != stdhttp.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", resp.StatusCode)
	}

	patch := map[string]any{"frozen": true}
	resp = ts.request(t, stdhttp.MethodPatch, "/api/sessions/abc", other, patch)
	if resp.StatusCode != stdhttp.StatusForbidden {
		t.Fatalf("non-host patch: expected 403, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodPatch, "/api/sessions/abc", host, patch)
	if resp.StatusCode != stdhttp.StatusNoContent {
		t.Fatalf("host patch: expected 204, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodPatch, "/api/sessions/abc", host, map[string]any{})
	if resp.StatusCode != stdhttp.StatusBadRequest {
		t.Fatalf("empty patch: expected 400, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodDelete, "/api/sessions/abc", other, nil)
	if resp.StatusCode != stdhttp.StatusForbidden {
		t.Fatalf("non-host delete: expected 403, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodDelete, "/api/sessions/abc", host, nil)
	if resp.StatusCode != stdhttp.StatusNoContent {
		t.Fatalf("host delete: expected 204, got %d", resp.StatusCode)
	}

	resp = ts.request(t, stdhttp.MethodPatch, "/api/sessions/abc", host, patch)
	if resp.StatusCode != stdhttp.StatusNotFound {
		t.Fatalf("patch after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketSessionFlow(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	host := ts.token(t, "host-1", "host")
	participant := ts.token(t, "u1", "alice")

	create := map[string]any{"code": "abc", "groupSize": 4, "groups": []string{"red", "blue"}}
	if resp := ts.request(t, stdhttp.MethodPost, "/api/sessions", host, create); resp.StatusCode != stdhttp.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}

	conn, _, err := ts.dial(t, ctx, "abc", participant)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The first frame is always the full snapshot.
	snap := readWS(t, ctx, conn)
	if snap["code"] != "snapshot" || snap["hostId"] != "host-1" {
		t.Fatalf("initial frame: %v", snap)
	}

	join, _ := json.Marshal(map[string]any{"code": "join", "id": "m1", "group": "red"})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		t.Fatalf("write join: %v", err)
	}
	reply := readWS(t, ctx, conn)
	if reply["code"] != "join" || reply["ok"] != float64(1) || reply["self"] != float64(1) {
		t.Fatalf("join reply: %v", reply)
	}
	if reply["group"] != "red" || reply["user"] != "u1" {
		t.Fatalf("join reply fields: %v", reply)
	}

	// A metadata patch fans out as a partial, never a full snapshot.
	if resp := ts.request(t, stdhttp.MethodPatch, "/api/sessions/abc", host, map[string]any{"frozen": true}); resp.StatusCode != stdhttp.StatusNoContent {
		t.Fatalf("patch: expected 204, got %d", resp.StatusCode)
	}
	partial := readWS(t, ctx, conn)
	if partial["code"] != "partial" || partial["frozen"] != true {
		t.Fatalf("partial frame: %v", partial)
	}

	// A frozen session rejects joins from non-hosts with a unicast failure.
	join2, _ := json.Marshal(map[string]any{"code": "leave", "id": "m2"})
	if err := conn.Write(ctx, websocket.MessageText, join2); err != nil {
		t.Fatalf("write leave: %v", err)
	}
	failed := readWS(t, ctx, conn)
	if failed["ok"] != float64(0) || failed["error"] != "frozen" || failed["willSync"] != true {
		t.Fatalf("frozen failure reply: %v", failed)
	}
	resync := readWS(t, ctx, conn)
	if resync["code"] != "snapshot" || resync["frozen"] != true {
		t.Fatalf("post-failure snapshot: %v", resync)
	}

	// Deleting the session closes every connection with 4000.
	if resp := ts.request(t, stdhttp.MethodDelete, "/api/sessions/abc", host, nil); resp.StatusCode != stdhttp.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close after deletion")
	}
	if status := websocket.CloseStatus(err); status != 4000 {
		t.Fatalf("expected close 4000, got %d (%v)", status, err)
	}
}

func TestWebSocketUnknownSessionRejected(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := ts.dial(t, ctx, "ghost", ts.token(t, "u1", "alice"))
	if err == nil {
		t.Fatal("expected the dial to fail")
	}
	if resp == nil || resp.StatusCode != stdhttp.StatusServiceUnavailable {
		t.Fatalf("expected 503 before upgrade, got %+v", resp)
	}
}

func TestWebSocketUpgradeRateLimited(t *testing.T) {
	ts := startTestServer(t)
	ts.cfg.UpgradeBurst = 1
	ts.cfg.UpgradePerMinute = 1
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := ts.token(t, "host-1", "host")
	if resp := ts.request(t, stdhttp.MethodPost, "/api/sessions", host, map[string]any{"code": "abc", "groupSize": 4}); resp.StatusCode != stdhttp.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp.StatusCode)
	}

	conn, _, err := ts.dial(t, ctx, "abc", host)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, resp, err := ts.dial(t, ctx, "abc", host)
	if err == nil {
		t.Fatal("second dial should be rate limited")
	}
	if resp == nil || resp.StatusCode != stdhttp.StatusTooManyRequests {
		t.Fatalf("expected 429, got %+v", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}
