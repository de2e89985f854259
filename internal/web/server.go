// internal/web/server.go

// Package web serves live browser sessions: messages come in over HTTP,
// lifecycle events are polled back out, and completed responses are
// rendered from markdown to HTML. The Server doubles as the Surface for
// "web:" reply targets.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/user/stagehand/internal/ingress"
	"github.com/user/stagehand/internal/surface"
	"github.com/user/stagehand/internal/types"
)

// maxSessionEvents caps the replay buffer per session; older events fall
// off once a client has had ample time to poll them.
const maxSessionEvents = 1000

// Event is one entry in a session's pollable stream.
type Event struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	ItemType string `json:"item_type,omitempty"`
	Delta    string `json:"delta,omitempty"`
	Status   string `json:"status,omitempty"`
	Text     string `json:"text,omitempty"`
	HTML     string `json:"html,omitempty"`
	Approval string `json:"approval_key,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type session struct {
	id       string
	mu       sync.Mutex
	nextSeq  int64
	events   []Event
	lastSeen time.Time
}

func (s *session) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	ev.Seq = s.nextSeq
	s.events = append(s.events, ev)
	if len(s.events) > maxSessionEvents {
		s.events = s.events[len(s.events)-maxSessionEvents:]
	}
}

func (s *session) after(seq int64) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	var out []Event
	for _, ev := range s.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Server is the HTTP facade and the Surface for web sessions.
type Server struct {
	queue           *ingress.Queue
	approvalTimeout time.Duration
	md              goldmark.Markdown
	mux             *http.ServeMux

	mu        sync.Mutex
	sessions  map[string]*session
	approvals map[string]chan surface.Decision
}

// NewServer creates the web server. Approval prompts surface as session
// events and wait up to approvalTimeout for the browser's answer.
func NewServer(queue *ingress.Queue, approvalTimeout time.Duration) *Server {
	s := &Server{
		queue:           queue,
		approvalTimeout: approvalTimeout,
		md:              goldmark.New(goldmark.WithExtensions(extension.GFM)),
		mux:             http.NewServeMux(),
		sessions:        make(map[string]*session),
		approvals:       make(map[string]chan surface.Decision),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handlePostMessage)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handlePollEvents)
	s.mux.HandleFunc("POST /api/sessions/{id}/approvals", s.handleApproval)
	s.mux.HandleFunc("GET /", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	s.mu.Lock()
	s.sessions[id] = &session{id: id, lastSeen: time.Now()}
	s.mu.Unlock()

	slog.Info("web session created", "session", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"session_id": id})
}

type postMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r.PathValue("id"))
	if sess == nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, `{"error":"text is required"}`, http.StatusBadRequest)
		return
	}

	target := types.ReplyTarget{Kind: types.TargetWeb, Address: sess.id}
	env := &ingress.Envelope{
		MessageID:   types.NewMessageID(),
		EndpointKey: target.String(),
		ReplyTarget: target,
		Text:        req.Text,
		EnqueuedAt:  time.Now(),
	}
	if err := s.queue.Enqueue(env); err != nil {
		http.Error(w, `{"error":"queue full"}`, http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message_id": string(env.MessageID)})
}

func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.session(r.PathValue("id"))
	if sess == nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	var after int64
	if q := r.URL.Query().Get("after"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"bad after parameter"}`, http.StatusBadRequest)
			return
		}
		after = n
	}
	events := sess.after(after)
	if events == nil {
		events = []Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

type approvalAnswer struct {
	Key      string `json:"key"`
	Decision string `json:"decision"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.session(r.PathValue("id")) == nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	var ans approvalAnswer
	if err := json.NewDecoder(r.Body).Decode(&ans); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	decision := surface.Decline
	if ans.Decision == string(surface.Accept) {
		decision = surface.Accept
	}

	s.mu.Lock()
	ch, ok := s.approvals[ans.Key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"approval expired"}`, http.StatusGone)
		return
	}
	select {
	case ch <- decision:
	default:
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("<html><body>stagehand web session API</body></html>"))
}

func (s *Server) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// sessionFor resolves the session behind a reply target string.
func (s *Server) sessionFor(replyTarget string) *session {
	target, err := types.ParseReplyTarget(replyTarget)
	if err != nil {
		return nil
	}
	return s.session(target.Address)
}

// render converts markdown to HTML; on failure the raw text is the
// fallback so the browser still shows something.
func (s *Server) render(text string) string {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(text), &buf); err != nil {
		slog.Warn("markdown render failed", "error", err)
		return text
	}
	return buf.String()
}

// --- Surface implementation ---

func (s *Server) OnTurnStarted(_ context.Context, in *types.Interaction) {
	if sess := s.sessionFor(in.ReplyTarget); sess != nil {
		sess.push(Event{Type: "turn_started"})
	}
}

func (s *Server) OnItemStarted(_ context.Context, in *types.Interaction, item *types.InteractionItem) {
	if sess := s.sessionFor(in.ReplyTarget); sess != nil {
		sess.push(Event{Type: "item_started", ItemType: string(item.Type)})
	}
}

func (s *Server) OnItemCompleted(_ context.Context, in *types.Interaction, item *types.InteractionItem) {
	if sess := s.sessionFor(in.ReplyTarget); sess != nil {
		sess.push(Event{Type: "item_completed", ItemType: string(item.Type)})
	}
}

func (s *Server) OnAgentMessageDelta(_ context.Context, in *types.Interaction, delta string) {
	if sess := s.sessionFor(in.ReplyTarget); sess != nil {
		sess.push(Event{Type: "delta", Delta: delta})
	}
}

func (s *Server) OnTurnCompleted(_ context.Context, in *types.Interaction) {
	sess := s.sessionFor(in.ReplyTarget)
	if sess == nil {
		return
	}
	sess.push(Event{
		Type:   "turn_completed",
		Status: string(in.Status),
		Text:   in.Response,
		HTML:   s.render(in.Response),
	})
}

// OnApprovalRequired surfaces the request as a session event carrying an
// approval key and waits for the browser to answer it, defaulting to
// decline on timeout.
func (s *Server) OnApprovalRequired(ctx context.Context, req surface.ApprovalRequest) surface.Decision {
	sess := s.sessionFor(req.ReplyTarget)
	if sess == nil {
		return surface.Decline
	}

	key := uuid.New().String()
	ch := make(chan surface.Decision, 1)
	s.mu.Lock()
	s.approvals[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.approvals, key)
		s.mu.Unlock()
	}()

	detail := req.Command
	if req.Kind == surface.ApprovalFileChange {
		detail = req.Path
	}
	sess.push(Event{Type: "approval_required", Approval: key, ItemType: string(req.Kind), Detail: detail})

	return surface.DecideWithTimeout(ctx, s.approvalTimeout, func(dctx context.Context) surface.Decision {
		select {
		case d := <-ch:
			return d
		case <-dctx.Done():
			return surface.Decline
		}
	})
}
