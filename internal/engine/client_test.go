// internal/engine/client_test.go
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/user/stagehand/internal/rpc"
)

// recordingCaller captures the last call and plays back a scripted result.
type recordingCaller struct {
	method string
	params any
	result json.RawMessage
	err    error
}

func (r *recordingCaller) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	r.method = method
	r.params = params
	return r.result, r.err
}

func TestClientTurnStart(t *testing.T) {
	caller := &recordingCaller{result: json.RawMessage(`{"turnId":"tu-7"}`)}
	c := NewClient(caller)

	res, err := c.TurnStart(context.Background(), TurnStartParams{
		ThreadID: "et-1",
		Input:    TextInput("hello", []string{"/tmp/shot.png"}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.TurnID != "tu-7" {
		t.Errorf("unexpected turn id %q", res.TurnID)
	}
	if caller.method != MethodTurnStart {
		t.Errorf("called %s", caller.method)
	}
	params := caller.params.(TurnStartParams)
	if len(params.Input) != 2 || params.Input[0].Text != "hello" || params.Input[1].Path != "/tmp/shot.png" {
		t.Errorf("unexpected input: %+v", params.Input)
	}
}

func TestClientThreadList(t *testing.T) {
	caller := &recordingCaller{result: json.RawMessage(`{"threads":[{"threadId":"et-1"},{"threadId":"et-2","archived":true}]}`)}
	c := NewClient(caller)

	threads, err := c.ThreadList(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || threads[1].ThreadID != "et-2" || !threads[1].Archived {
		t.Errorf("unexpected threads: %+v", threads)
	}
}

func TestClientPropagatesRPCError(t *testing.T) {
	caller := &recordingCaller{err: &rpc.Error{Code: -32000, Message: "nope"}}
	c := NewClient(caller)

	err := c.ThreadArchive(context.Background(), "et-1")
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "nope" {
		t.Fatalf("expected rpc error, got %v", err)
	}
}

func TestThreadMissingHeuristic(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&rpc.Error{Code: -32000, Message: "thread not found"}, true},
		{&rpc.Error{Code: -32000, Message: "Thread et-1 is unknown"}, true},
		{&rpc.Error{Code: -32000, Message: "invalid thread id"}, true},
		{&rpc.Error{Code: -32000, Message: "thread missing from session store"}, true},
		{&rpc.Error{Code: -32000, Message: "rate limit exceeded"}, false},
		{&rpc.Error{Code: -32000, Message: "model not found"}, false},
		{fmt.Errorf("wrapped: %w", &rpc.Error{Message: "thread not found"}), true},
		{errors.New("thread gone astray"), false},
	}
	for _, c := range cases {
		if got := ThreadMissing(c.err); got != c.want {
			t.Errorf("ThreadMissing(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRestartPolicyBackoff(t *testing.T) {
	p := RestartPolicy{MaxRestarts: 5, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	if d := p.NextDelay(1); d != time.Second {
		t.Errorf("attempt 1: %v", d)
	}
	if d := p.NextDelay(2); d != 2*time.Second {
		t.Errorf("attempt 2: %v", d)
	}
	if d := p.NextDelay(10); d != 5*time.Second {
		t.Errorf("attempt 10 should cap at max: %v", d)
	}
}
