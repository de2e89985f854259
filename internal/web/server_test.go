package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

type capture struct {
	mu        sync.Mutex
	envelopes []*ingress.Envelope
}

func (c *capture) dispatch(_ context.Context, env *ingress.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, env)
}

func (c *capture) wait(t *testing.T, n int) []*ingress.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.envelopes) >= n {
			out := append([]*ingress.Envelope(nil), c.envelopes...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d envelopes", n)
	return nil
}

func setupServer(t *testing.T) (*Server, *capture) {
	t.Helper()
	cap := &capture{}
	queue := ingress.New(4)
	queue.SetDispatcher(cap.dispatch)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)
	return NewServer(queue, 100*time.Millisecond), cap
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["session_id"] == "" {
		t.Fatal("empty session id")
	}
	return resp["session_id"]
}

func pollEvents(t *testing.T, srv *Server, id string, after string) []Event {
	t.Helper()
	url := "/api/sessions/" + id + "/events"
	if after != "" {
		url += "?after=" + after
	}
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var events []Event
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestPostMessageEnqueues(t *testing.T) {
	srv, cap := setupServer(t)
	id := createSession(t, srv)

	body := `{"text":"hello engine"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	envs := cap.wait(t, 1)
	if envs[0].Text != "hello engine" {
		t.Errorf("expected text to pass through, got %q", envs[0].Text)
	}
	if envs[0].EndpointKey != "web:"+id {
		t.Errorf("expected endpoint key web:%s, got %q", id, envs[0].EndpointKey)
	}
}

func TestPostMessageUnknownSession(t *testing.T) {
	srv, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/nope/messages", strings.NewReader(`{"text":"x"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestPostMessageRequiresText(t *testing.T) {
	srv, _ := setupServer(t)
	id := createSession(t, srv)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/messages", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestLifecycleEventsPollable(t *testing.T) {
	srv, _ := setupServer(t)
	id := createSession(t, srv)

	in := &types.Interaction{
		ID:          types.NewInteractionID(),
		ReplyTarget: "web:" + id,
		Status:      types.InteractionComplete,
		Response:    "# Done\n\nAll **good**.",
	}
	ctx := context.Background()
	srv.OnTurnStarted(ctx, in)
	srv.OnAgentMessageDelta(ctx, in, "All ")
	srv.OnAgentMessageDelta(ctx, in, "good")
	srv.OnTurnCompleted(ctx, in)

	events := pollEvents(t, srv, id, "")
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != "turn_started" || events[3].Type != "turn_completed" {
		t.Errorf("unexpected event order: %v", events)
	}
	final := events[3]
	if !strings.Contains(final.HTML, "<h1") || !strings.Contains(final.HTML, "<strong>good</strong>") {
		t.Errorf("markdown not rendered: %q", final.HTML)
	}
	if final.Text != in.Response {
		t.Errorf("raw text missing from final event")
	}

	// Polling past the deltas only returns the tail.
	tail := pollEvents(t, srv, id, "3")
	if len(tail) != 1 || tail[0].Type != "turn_completed" {
		t.Errorf("expected only the final event, got %v", tail)
	}
}

func TestEventsForOtherSessionInvisible(t *testing.T) {
	srv, _ := setupServer(t)
	a := createSession(t, srv)
	b := createSession(t, srv)

	srv.OnTurnStarted(context.Background(), &types.Interaction{ReplyTarget: "web:" + a})

	if events := pollEvents(t, srv, b, ""); len(events) != 0 {
		t.Errorf("session b should see no events, got %v", events)
	}
}

func TestApprovalAnsweredOverHTTP(t *testing.T) {
	srv, _ := setupServer(t)
	id := createSession(t, srv)

	decided := make(chan surface.Decision, 1)
	go func() {
		decided <- srv.OnApprovalRequired(context.Background(), surface.ApprovalRequest{
			Kind:        surface.ApprovalCommand,
			Command:     "go test ./...",
			ReplyTarget: "web:" + id,
		})
	}()

	var key string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && key == "" {
		for _, ev := range pollEvents(t, srv, id, "") {
			if ev.Type == "approval_required" {
				key = ev.Approval
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if key == "" {
		t.Fatal("approval event never surfaced")
	}

	body := `{"key":"` + key + `","decision":"accept"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/approvals", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}

	if d := <-decided; d != surface.Accept {
		t.Errorf("expected accept, got %v", d)
	}
}

func TestApprovalTimesOutToDecline(t *testing.T) {
	srv, _ := setupServer(t)
	id := createSession(t, srv)

	d := srv.OnApprovalRequired(context.Background(), surface.ApprovalRequest{
		Kind:        surface.ApprovalFileChange,
		Path:        "main.go",
		ReplyTarget: "web:" + id,
	})
	if d != surface.Decline {
		t.Errorf("expected decline on timeout, got %v", d)
	}
}
