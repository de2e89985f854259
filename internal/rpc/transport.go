// internal/rpc/transport.go
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTransportClosed is returned for every outstanding and subsequent
	// call once the engine process has exited or its output stream closed.
	ErrTransportClosed = errors.New("rpc: transport closed")

	// ErrNotReady rejects any non-handshake send attempted before the
	// initialize/initialized exchange has completed.
	ErrNotReady = errors.New("rpc: transport not ready")

	// ErrStartup indicates the handshake did not complete in time.
	ErrStartup = errors.New("rpc: engine startup handshake failed")
)

// ServerRequestHandler answers an engine-initiated request. The returned
// value is marshalled as the JSON-RPC result; a non-nil *Error is sent as
// the error member instead.
type ServerRequestHandler func(ctx context.Context, params json.RawMessage) (any, *Error)

// NotificationHandler receives one-way engine notifications.
type NotificationHandler func(method string, params json.RawMessage)

// CallResult resolves a pending call: exactly one of Result and Err is set.
// Err is *Error for an engine rejection or ErrTransportClosed.
type CallResult struct {
	Result json.RawMessage
	Err    error
}

// Transport speaks newline-delimited JSON-RPC 2.0 with the engine process
// over its stdin/stdout. It never restarts the process; when the process
// exits, all in-flight calls fail with ErrTransportClosed and the owning
// supervisor decides what happens next.
type Transport struct {
	stdin  io.WriteCloser
	stdout io.Reader
	proc   *exec.Cmd // nil when constructed over raw streams (tests)

	writeMu sync.Mutex
	nextID  atomic.Int64
	ready   atomic.Bool

	mu      sync.Mutex
	pending map[int64]chan CallResult

	handlerMu     sync.RWMutex
	serverReqs    map[string]ServerRequestHandler
	notifications map[string][]NotificationHandler

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	// OnClose, when set before Start, is invoked once from the read loop
	// goroutine after the transport has shut down.
	OnClose func(err error)
}

// maxLineBytes bounds a single engine output line. Item payloads can carry
// large file contents.
const maxLineBytes = 1024 * 1024

// New wires a Transport over explicit streams. Used directly by tests;
// production code goes through Spawn.
func New(stdin io.WriteCloser, stdout io.Reader) *Transport {
	return &Transport{
		stdin:         stdin,
		stdout:        stdout,
		pending:       make(map[int64]chan CallResult),
		serverReqs:    make(map[string]ServerRequestHandler),
		notifications: make(map[string][]NotificationHandler),
		closed:        make(chan struct{}),
	}
}

// Spawn starts the engine command with the given extra environment and
// returns a Transport wired to its stdio. The caller still has to call
// Start to run the read loop and handshake.
func Spawn(ctx context.Context, command []string, env []string) (*Transport, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("rpc: empty engine command")
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	t := New(stdin, stdout)
	t.proc = cmd
	return t, nil
}

// Start runs the read loop and performs the initialize handshake. The
// transport is not usable for other methods until Start returns nil.
func (t *Transport) Start(ctx context.Context, clientName, clientVersion string, handshakeTimeout time.Duration) error {
	go t.readLoop()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	params := initializeParams{ClientInfo: clientInfo{Name: clientName, Version: clientVersion}}
	if _, err := t.call(hctx, MethodInitialize, params); err != nil {
		t.Close()
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	if err := t.notify(MethodInitialized, nil); err != nil {
		t.Close()
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	t.ready.Store(true)
	return nil
}

// Ready reports whether the handshake has completed and the engine has not
// exited since.
func (t *Transport) Ready() bool {
	return t.ready.Load()
}

// Call sends a request and blocks until its response arrives, the context
// is cancelled, or the transport closes.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.ready.Load() {
		return nil, ErrNotReady
	}
	return t.call(ctx, method, params)
}

// Go sends a request and returns its id together with a buffered channel
// that will receive exactly one CallResult. The channel is registered
// before the request bytes are written, so a response can never be lost to
// a fast engine.
func (t *Transport) Go(method string, params any) (int64, <-chan CallResult, error) {
	if !t.ready.Load() {
		return 0, nil, ErrNotReady
	}
	return t.goCall(method, params)
}

// Notify sends a fire-and-forget notification.
func (t *Transport) Notify(method string, params any) error {
	if !t.ready.Load() {
		return ErrNotReady
	}
	return t.notify(method, params)
}

// OnServerRequest registers the handler for one engine-initiated request
// method. Exactly one handler per method; a later registration replaces an
// earlier one. Engine requests for methods with no handler receive a
// generic decline response.
func (t *Transport) OnServerRequest(method string, handler ServerRequestHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.serverReqs[method] = handler
}

// OnNotification registers a handler for one notification method. Multiple
// handlers per method are allowed and all run. The method "*" subscribes
// to every notification.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.notifications[method] = append(t.notifications[method], handler)
}

// Close tears the transport down: the engine process (if any) is killed
// and every outstanding call fails with ErrTransportClosed.
func (t *Transport) Close() {
	t.shutdown(ErrTransportClosed)
}

func (t *Transport) goCall(method string, params any) (int64, <-chan CallResult, error) {
	id := t.nextID.Add(1)
	ch := make(chan CallResult, 1)

	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return 0, nil, ErrTransportClosed
	default:
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(&message{JSONRPC: Version, ID: &id, Method: method}, params); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return 0, nil, err
	}
	return id, ch, nil
}

func (t *Transport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	_, ch, err := t.goCall(method, params)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrTransportClosed
	}
}

func (t *Transport) notify(method string, params any) error {
	return t.write(&message{JSONRPC: Version, Method: method}, params)
}

// write marshals params into the envelope and writes one newline-terminated
// JSON object. The write mutex keeps concurrent senders from interleaving.
func (t *Transport) write(msg *message, params any) error {
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}

// readLoop splits the engine's stdout on newlines and dispatches each
// complete JSON object. Malformed or oversized lines are logged and
// skipped, never fatal. When the stream ends the transport shuts down and
// all pending calls fail.
func (t *Transport) readLoop() {
	reader := bufio.NewReaderSize(t.stdout, 64*1024)

	var (
		line     []byte
		dropping bool
		readErr  error
	)
	for readErr == nil {
		var chunk []byte
		var isPrefix bool
		chunk, isPrefix, readErr = reader.ReadLine()
		if !dropping && len(chunk) > 0 {
			if len(line)+len(chunk) > maxLineBytes {
				dropping = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if isPrefix && readErr == nil {
			continue
		}
		if dropping {
			slog.Warn("skipping oversized engine output line", "limit", maxLineBytes)
			dropping = false
			line = nil
			continue
		}
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("skipping malformed engine output", "error", err, "bytes", len(line))
			line = nil
			continue
		}
		// Handlers may hold msg.Params past this iteration, so the line
		// buffer is never reused.
		line = nil
		t.dispatch(&msg)
	}

	err := readErr
	if err == io.EOF {
		err = ErrTransportClosed
	}
	t.shutdown(err)
	if t.OnClose != nil {
		t.OnClose(err)
	}
}

func (t *Transport) dispatch(msg *message) {
	switch {
	case msg.isResponse():
		t.resolve(msg)
	case msg.isServerRequest():
		go t.serveRequest(msg)
	case msg.isNotification():
		t.notifyHandlers(msg.Method, msg.Params)
	default:
		slog.Warn("unclassifiable engine message dropped")
	}
}

func (t *Transport) resolve(msg *message) {
	t.mu.Lock()
	ch, ok := t.pending[*msg.ID]
	if ok {
		delete(t.pending, *msg.ID)
	}
	t.mu.Unlock()
	if !ok {
		slog.Debug("response with no pending call", "id", *msg.ID)
		return
	}
	if msg.Error != nil {
		ch <- CallResult{Err: msg.Error}
		return
	}
	ch <- CallResult{Result: msg.Result}
}

// serveRequest answers an engine-initiated request. Runs on its own
// goroutine so a slow handler (a human deciding an approval) never stalls
// the read loop.
func (t *Transport) serveRequest(msg *message) {
	t.handlerMu.RLock()
	handler, ok := t.serverReqs[msg.Method]
	t.handlerMu.RUnlock()

	resp := &message{JSONRPC: Version, ID: msg.ID}
	if !ok {
		slog.Warn("declining unhandled engine request", "method", msg.Method)
		resp.Result = json.RawMessage(`{"decision":"decline"}`)
	} else {
		result, rpcErr := handler(context.Background(), msg.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
	}
	if err := t.write(resp, nil); err != nil {
		slog.Error("failed to answer engine request", "method", msg.Method, "error", err)
	}
}

func (t *Transport) notifyHandlers(method string, params json.RawMessage) {
	t.handlerMu.RLock()
	handlers := append([]NotificationHandler(nil), t.notifications[method]...)
	handlers = append(handlers, t.notifications["*"]...)
	t.handlerMu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("notification with no handler", "method", method)
		return
	}
	for _, h := range handlers {
		h(method, params)
	}
}

// shutdown flips the transport to closed exactly once: readiness drops,
// outstanding calls fail, and the process (if we own one) is reaped.
func (t *Transport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.ready.Store(false)
		t.closeErr = err
		close(t.closed)

		t.mu.Lock()
		for id, ch := range t.pending {
			ch <- CallResult{Err: ErrTransportClosed}
			delete(t.pending, id)
		}
		t.mu.Unlock()

		t.stdin.Close()
		if t.proc != nil && t.proc.Process != nil {
			t.proc.Process.Kill()
			t.proc.Wait()
		}
	})
}

// Done is closed when the transport has shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.closed
}
