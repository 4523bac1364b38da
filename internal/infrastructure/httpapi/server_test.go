package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/doeshing/sidekick/internal/application/assistant"
	"github.com/doeshing/sidekick/internal/application/conversation"
	"github.com/doeshing/sidekick/internal/application/notify"
	"github.com/doeshing/sidekick/internal/application/orchestrator"
	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/infrastructure/ai"
	"github.com/doeshing/sidekick/internal/infrastructure/executor"
	"github.com/doeshing/sidekick/internal/infrastructure/metrics"
	"github.com/doeshing/sidekick/internal/infrastructure/store"
	"github.com/doeshing/sidekick/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// fasthttp keeps a package-level date ticker alive.
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.updateServerDate.func1"),
		// The worker pool's idle cleaner exits on its next tick after shutdown.
		goleak.IgnoreAnyFunction("github.com/valyala/fasthttp.(*workerPool).Start.func2"),
	)
}

func newServer(t *testing.T) (*Server, *assistant.Session) {
	t.Helper()
	log := logger.NewNop()
	st := store.NewMemoryStore()
	notifier := notify.New(st, log)
	journal := conversation.NewLog("", nil)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc, err := orchestrator.New(orchestrator.Dependencies{
		Classifier: ai.NewHeuristic(),
		Executor:   executor.NewRouter().Handle(domain.IntentSchedule, executor.NewAgendaExecutor(nil)),
		Store:      st,
		Notifier:   notifier,
		Journal:    journal,
		Observer:   m,
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	session, err := assistant.New(assistant.Dependencies{
		Orchestrator: svc,
		Notifier:     notifier,
		Conversation: journal,
		Store:        st,
		Logger:       log,
	})
	if err != nil {
		t.Fatalf("assistant.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := session.Close(ctx); err != nil {
			t.Errorf("session.Close() error = %v", err)
		}
	})
	return New(session, log, Options{Registry: reg, Metrics: m}), session
}

func do(t *testing.T, srv *Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.App().Test(req, 2000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	decoded := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func waitStatus(t *testing.T, srv *Server, id string, want domain.CommandStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		code, body := do(t, srv, http.MethodGet, "/api/commands/"+id, "")
		if code == http.StatusOK && body["status"] == string(want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command %s never reached %s", id, want)
}

func TestSubmitAndFetchCommand(t *testing.T) {
	srv, _ := newServer(t)

	code, body := do(t, srv, http.MethodPost, "/api/commands", `{"text":"schedule a meeting tomorrow"}`)
	if code != http.StatusAccepted {
		t.Fatalf("POST /api/commands = %d %v", code, body)
	}
	id, _ := body["id"].(string)
	record, _ := body["record"].(map[string]any)
	if id == "" || record["status"] != string(domain.StatusPending) {
		t.Fatalf("submit response = %v", body)
	}

	waitStatus(t, srv, id, domain.StatusCompleted)

	code, body = do(t, srv, http.MethodGet, "/api/commands?limit=5", "")
	records, _ := body["records"].([]any)
	if code != http.StatusOK || len(records) != 1 {
		t.Fatalf("GET /api/commands = %d %v", code, body)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/commands", `{"text":"   "}`, http.StatusBadRequest},
		{http.MethodPost, "/api/commands", `not json`, http.StatusBadRequest},
		{http.MethodGet, "/api/commands/missing", "", http.StatusNotFound},
		{http.MethodGet, "/api/commands?limit=abc", "", http.StatusBadRequest},
		{http.MethodGet, "/api/commands?status=bogus", "", http.StatusBadRequest},
		{http.MethodDelete, "/api/actions/abc", "", http.StatusBadRequest},
		{http.MethodPost, "/api/voice/start", `{"audioPath":"clip.wav"}`, http.StatusBadRequest},
		{http.MethodGet, "/ws/commands/x", "", http.StatusUpgradeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code, body := do(t, srv, tt.method, tt.path, tt.body); code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", code, tt.want, body)
			}
		})
	}
}

func TestDispatchConflictsOnceStarted(t *testing.T) {
	srv, _ := newServer(t)

	_, body := do(t, srv, http.MethodPost, "/api/commands", `{"text":"schedule review tomorrow"}`)
	id, _ := body["id"].(string)
	waitStatus(t, srv, id, domain.StatusCompleted)

	if code, body := do(t, srv, http.MethodPost, "/api/commands/"+id+"/dispatch", ""); code != http.StatusConflict {
		t.Fatalf("dispatch = %d %v, want 409", code, body)
	}
}

func TestConversationRoutes(t *testing.T) {
	srv, session := newServer(t)

	_, body := do(t, srv, http.MethodPost, "/api/commands", `{"text":"schedule a call tomorrow"}`)
	id, _ := body["id"].(string)
	waitStatus(t, srv, id, domain.StatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_, body = do(t, srv, http.MethodGet, "/api/conversation", "")
	messages, _ := body["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("messages = %v, want greeting, user, assistant", messages)
	}
	_, body = do(t, srv, http.MethodGet, "/api/actions", "")
	actions, _ := body["actions"].([]any)
	if len(actions) != 1 {
		t.Fatalf("actions = %v", actions)
	}
	first, _ := actions[0].(map[string]any)
	if first["time"] != "just now" {
		t.Fatalf("action label = %v", first["time"])
	}

	user, _ := messages[1].(map[string]any)
	if code, _ := do(t, srv, http.MethodDelete, "/api/conversation/"+user["id"].(string), ""); code != http.StatusNoContent {
		t.Fatalf("DELETE message = %d", code)
	}
	if got := len(session.Conversation()); got != 2 {
		t.Fatalf("conversation length after delete = %d", got)
	}

	do(t, srv, http.MethodDelete, "/api/conversation", "")
	do(t, srv, http.MethodDelete, "/api/actions", "")
	if got := len(session.Conversation()); got != 1 {
		t.Fatalf("conversation length after clear = %d", got)
	}
	if got := len(session.RecentActions()); got != 0 {
		t.Fatalf("actions after clear = %d", got)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newServer(t)

	if code, body := do(t, srv, http.MethodGet, "/healthz", ""); code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("GET /healthz = %d %v", code, body)
	}
	do(t, srv, http.MethodPost, "/api/commands", `{"text":"schedule a sync tomorrow"}`)

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), 2000)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "sidekick_commands_submitted_total") {
		t.Fatalf("metrics output lacks command counters:\n%s", raw)
	}
}

func TestStreamCommand(t *testing.T) {
	srv, _ := newServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	_, body := do(t, srv, http.MethodPost, "/api/commands", `{"text":"schedule a demo tomorrow"}`)
	id, _ := body["id"].(string)
	waitStatus(t, srv, id, domain.StatusCompleted)

	conn, _, err := fastws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/commands/"+id, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var rec domain.CommandRecord
	if err := conn.ReadJSON(&rec); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if rec.ID != id || rec.Status != domain.StatusCompleted {
		t.Fatalf("streamed record = %+v", rec)
	}
	_, _, err = conn.ReadMessage()
	if !fastws.IsCloseError(err, fastws.CloseNormalClosure) {
		t.Fatalf("after terminal snapshot got %v, want normal close", err)
	}

	missing, _, err := fastws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/commands/nope", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer missing.Close()
	_ = missing.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := missing.ReadMessage(); !fastws.IsCloseError(err, closeNotFound) {
		t.Fatalf("unknown record got %v, want close %d", err, closeNotFound)
	}
}
