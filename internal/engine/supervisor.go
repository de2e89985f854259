// internal/engine/supervisor.go
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/user/stagehand/internal/rpc"
)

// RestartPolicy controls how a crashed engine is brought back with
// exponential backoff. The policy is a constructor parameter; the
// Transport itself never restarts anything.
type RestartPolicy struct {
	MaxRestarts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRestartPolicy returns a policy with sensible defaults:
// 5 restarts, 1s initial delay, 2x multiplier, 1m max delay.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:  5,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     time.Minute,
	}
}

// NextDelay returns the backoff delay for the given attempt (1-indexed),
// InitialDelay * Multiplier^(attempt-1) capped at MaxDelay.
func (p RestartPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Config configures the Supervisor.
type Config struct {
	Command          []string
	Env              []string
	ClientName       string
	ClientVersion    string
	HandshakeTimeout time.Duration
	Restart          RestartPolicy
}

// Supervisor owns the engine subprocess exclusively. It spawns the
// process, runs the handshake, and restarts on crash per its policy. On
// each (re)start the configure hooks run against the fresh transport
// before the handshake, so server-request and notification handlers are
// always in place; the ready hooks run after, so domain state can
// reconcile with the engine having lost its session state.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	transport *rpc.Transport
	configure []func(t *rpc.Transport)
	onReady   []func()
	restarts  int

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Restart.Multiplier == 0 {
		cfg.Restart = DefaultRestartPolicy()
	}
	return &Supervisor{cfg: cfg}
}

// Configure registers a hook run against every new transport before its
// handshake. Must be called before Start.
func (s *Supervisor) Configure(fn func(t *rpc.Transport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configure = append(s.configure, fn)
}

// OnReady registers a hook run after every successful handshake,
// including restarts. Must be called before Start.
func (s *Supervisor) OnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReady = append(s.onReady, fn)
}

// Start spawns the engine and completes the first handshake. A first
// startup failure is fatal; restarts only apply to later crashes.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s.spawn()
}

// Stop shuts the engine down without restart.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	t := s.transport
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if t != nil {
		t.Close()
	}
}

// Transport returns the current transport. Callers must tolerate
// rpc.ErrNotReady and rpc.ErrTransportClosed: the handle they got may be
// mid-restart.
func (s *Supervisor) Transport() *rpc.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Call proxies to the current transport, satisfying the Caller interface.
func (s *Supervisor) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t := s.Transport()
	if t == nil {
		return nil, rpc.ErrNotReady
	}
	return t.Call(ctx, method, params)
}

// Go proxies an asynchronous call to the current transport.
func (s *Supervisor) Go(method string, params any) (int64, <-chan rpc.CallResult, error) {
	t := s.Transport()
	if t == nil {
		return 0, nil, rpc.ErrNotReady
	}
	return t.Go(method, params)
}

func (s *Supervisor) spawn() error {
	t, err := rpc.Spawn(s.ctx, s.cfg.Command, s.cfg.Env)
	if err != nil {
		return fmt.Errorf("spawn engine: %w", err)
	}

	s.mu.Lock()
	for _, fn := range s.configure {
		fn(t)
	}
	t.OnClose = s.handleClose
	s.mu.Unlock()

	if err := t.Start(s.ctx, s.cfg.ClientName, s.cfg.ClientVersion, s.cfg.HandshakeTimeout); err != nil {
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.restarts = 0
	ready := append([]func(){}, s.onReady...)
	s.mu.Unlock()

	slog.Info("engine ready", "command", s.cfg.Command[0])
	for _, fn := range ready {
		fn()
	}
	return nil
}

// handleClose runs when the engine process dies. It schedules restarts
// with backoff until the policy is exhausted.
func (s *Supervisor) handleClose(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if attempt > s.cfg.Restart.MaxRestarts {
		slog.Error("engine crashed and restarts exhausted", "attempts", attempt-1, "error", err)
		return
	}

	delay := s.cfg.Restart.NextDelay(attempt)
	slog.Warn("engine exited, restarting", "attempt", attempt, "delay", delay, "error", err)

	go func() {
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}
		if err := s.spawn(); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("engine restart failed", "attempt", attempt, "error", err)
			// Startup failure counts like another crash.
			s.handleClose(err)
		}
	}()
}
