package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/ratelimit"
	"github.com/ent0n29/companion/internal/session"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		RateLimitMaxMessages:     2,
		RateLimitWindow:          time.Hour,
	}
	store := memory.NewInMemoryStore()
	limiter := ratelimit.New(ratelimit.NewCacheWindowStore(0), ratelimit.Config{
		MaxMessages: cfg.RateLimitMaxMessages,
		Window:      cfg.RateLimitWindow,
	}, nil)
	metrics := observability.NewMetricsWithRegistry("test_httpapi", prometheus.NewRegistry())
	svc := chat.NewService(chat.Deps{
		Store:     store,
		Limiter:   limiter,
		Transport: completion.NewMockTransport(),
		Provider:  "mock",
		Metrics:   metrics,
	}, session.NewManager(cfg.SessionInactivityTimeout))
	srv := New(cfg, svc, metrics, nil, Backends{
		StoreMode:          store.Mode(),
		WindowStoreMode:    "local",
		CompletionProvider: "mock",
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

var setupBody = map[string]string{
	"persona_name":        "Anjali",
	"persona_nickname":    "Bubu",
	"user_name":           "Rohit",
	"user_nickname":       "Babu",
	"persona_interests":   "badminton",
	"user_interests":      "gym",
	"persona_personality": "Kuudere",
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("healthz status = %d", status)
	}
	if body["completion_provider"] != "mock" || body["store_mode"] != "in-memory" {
		t.Fatalf("unexpected healthz body: %+v", body)
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/v1/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status status = %d", status)
	}
	checks, ok := body["checks"].([]any)
	if !ok || len(checks) != 3 {
		t.Fatalf("checks = %+v", body["checks"])
	}
	if body["rate_limit"] != "2 per 1h0m0s" {
		t.Fatalf("rate_limit = %v", body["rate_limit"])
	}

	status, body = doJSON(t, http.MethodGet, ts.URL+"/v1/personalities", nil)
	if status != http.StatusOK || body["default"] != "Tsundere" {
		t.Fatalf("personalities = %d %+v", status, body)
	}
}

func TestProfileSessionAndMessages(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v1/users/u1"

	if status, body := doJSON(t, http.MethodGet, base+"/profile", nil); status != http.StatusNotFound || body["code"] != "profile_required" {
		t.Fatalf("GET profile = %d %+v", status, body)
	}
	if status, body := doJSON(t, http.MethodPost, base+"/session", nil); status != http.StatusConflict || body["code"] != "profile_required" {
		t.Fatalf("login without profile = %d %+v", status, body)
	}

	bad := map[string]string{"persona_name": "Anjali", "persona_personality": "Robot"}
	status, body := doJSON(t, http.MethodPut, base+"/profile", bad)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("PUT invalid profile status = %d", status)
	}
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["persona_personality"]; !ok {
		t.Fatalf("fields = %+v", body["fields"])
	}

	status, body = doJSON(t, http.MethodPut, base+"/profile", setupBody)
	if status != http.StatusOK {
		t.Fatalf("PUT profile status = %d body = %+v", status, body)
	}
	if greeting, _ := body["greeting"].(string); !strings.HasPrefix(greeting, "Hey Babu!") {
		t.Fatalf("greeting = %q", greeting)
	}

	status, body = doJSON(t, http.MethodPost, base+"/session", nil)
	if status != http.StatusCreated {
		t.Fatalf("login status = %d body = %+v", status, body)
	}
	if status, _ = doJSON(t, http.MethodPost, base+"/session", nil); status != http.StatusOK {
		t.Fatalf("second login status = %d, want 200", status)
	}

	status, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})
	if status != http.StatusOK {
		t.Fatalf("send status = %d body = %+v", status, body)
	}
	reply, _ := body["reply"].(map[string]any)
	if reply["text"] != "I heard you: hi" || reply["sender"] != "assistant" {
		t.Fatalf("reply = %+v", reply)
	}

	if status, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "  "}); status != http.StatusBadRequest {
		t.Fatalf("empty send status = %d body = %+v", status, body)
	}
	if status, _ = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "again"}); status != http.StatusOK {
		t.Fatalf("second send status = %d", status)
	}

	status, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "one more"})
	if status != http.StatusTooManyRequests {
		t.Fatalf("limited send status = %d body = %+v", status, body)
	}
	if body["code"] != "rate_limited" || body["reset_at"] == nil || body["wait"] != "60 minutes" {
		t.Fatalf("limited body = %+v", body)
	}

	status, body = doJSON(t, http.MethodGet, base+"/rate-limit", nil)
	if status != http.StatusOK || body["allowed"] != false || body["count"] != float64(2) {
		t.Fatalf("rate-limit = %d %+v", status, body)
	}

	status, body = doJSON(t, http.MethodGet, base+"/messages", nil)
	if msgs, _ := body["messages"].([]any); status != http.StatusOK || len(msgs) != 4 {
		t.Fatalf("messages = %d %+v", status, body)
	}

	if status, _ = doJSON(t, http.MethodDelete, base+"/messages", nil); status != http.StatusOK {
		t.Fatalf("clear status = %d", status)
	}
	status, body = doJSON(t, http.MethodGet, base+"/messages", nil)
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 || body["state"] != "cleared" {
		t.Fatalf("after clear = %d %+v", status, body)
	}

	if status, _ = doJSON(t, http.MethodDelete, base+"/session", nil); status != http.StatusOK {
		t.Fatalf("logout status = %d", status)
	}
	if status, body = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"}); status != http.StatusNotFound {
		t.Fatalf("send after logout = %d %+v", status, body)
	}
}

func TestChatWebSocket(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v1/users/u1"
	if status, _ := doJSON(t, http.MethodPut, base+"/profile", setupBody); status != http.StatusOK {
		t.Fatalf("PUT profile status = %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, base+"/session", nil); status != http.StatusCreated {
		t.Fatalf("login status = %d", status)
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	history := readUntil(t, conn, "history")
	if greeting, _ := history["greeting"].(string); !strings.HasPrefix(greeting, "Hey Babu!") {
		t.Fatalf("history greeting = %+v", history)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user_message", "text": "hello", "client_msg_id": "c1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	first := readUntil(t, conn, "turn")
	second := readUntil(t, conn, "turn")
	userTurn, _ := first["turn"].(map[string]any)
	replyTurn, _ := second["turn"].(map[string]any)
	if userTurn["sender"] != "user" || userTurn["text"] != "hello" {
		t.Fatalf("user turn = %+v", first)
	}
	if replyTurn["sender"] != "assistant" || replyTurn["text"] != "I heard you: hello" {
		t.Fatalf("reply turn = %+v", second)
	}
	if second["client_msg_id"] != "c1" {
		t.Fatalf("client_msg_id = %v", second["client_msg_id"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "wat"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	errEvent := readUntil(t, conn, "error_event")
	if errEvent["code"] != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}
}

func TestChatWebSocketHistoryFollowsRelogin(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v1/users/u1"
	doJSON(t, http.MethodPut, base+"/profile", setupBody)
	doJSON(t, http.MethodPost, base+"/session", nil)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "history")

	if status, _ := doJSON(t, http.MethodDelete, base+"/session", nil); status != http.StatusOK {
		t.Fatalf("logout status = %d", status)
	}
	if status, _ := doJSON(t, http.MethodPost, base+"/session", nil); status != http.StatusCreated {
		t.Fatalf("relogin status = %d", status)
	}
	if status, body := doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "back again"}); status != http.StatusOK {
		t.Fatalf("send status = %d %+v", status, body)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "action": "history"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	history := readUntil(t, conn, "history")
	turns, _ := history["turns"].([]any)
	if len(turns) != 2 {
		t.Fatalf("history turns = %+v", history)
	}
	first, _ := turns[0].(map[string]any)
	if first["text"] != "back again" {
		t.Fatalf("first turn = %+v", first)
	}
}

func TestReadyReportsTrackedQuotas(t *testing.T) {
	ts := newTestServer(t)
	for _, id := range []string{"a", "b", "c"} {
		if status, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/users/"+id+"/rate-limit", nil); status != http.StatusOK {
			t.Fatalf("rate-limit status = %d", status)
		}
	}
	_, body := doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if body["tracked_quotas"] != float64(0) {
		t.Fatalf("readyz after lookups = %+v", body)
	}

	base := ts.URL + "/v1/users/u1"
	doJSON(t, http.MethodPut, base+"/profile", setupBody)
	doJSON(t, http.MethodPost, base+"/session", nil)
	_, body = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if body["tracked_quotas"] != float64(1) {
		t.Fatalf("readyz after login = %+v", body)
	}
}

func TestChatWebSocketRequiresSession(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/v1/users/u1/ws")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestPerfLatencyAfterSend(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/v1/users/u1"
	doJSON(t, http.MethodPut, base+"/profile", setupBody)
	doJSON(t, http.MethodPost, base+"/session", nil)
	doJSON(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})

	status, body := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/latency", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	stages, _ := body["stages"].([]any)
	found := false
	for _, raw := range stages {
		st, _ := raw.(map[string]any)
		if st["stage"] == observability.StageCompletion {
			found = true
		}
	}
	if !found {
		t.Fatalf("completion stage missing: %+v", body)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}
