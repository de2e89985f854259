// internal/engine/client.go

// Package engine owns the reasoning-engine subprocess: a supervised
// transport with restart policy, and typed wrappers for the RPC methods
// this system issues.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/stagehand/internal/rpc"
)

// Methods this system issues to the engine.
const (
	MethodThreadStart        = "thread/start"
	MethodThreadResume       = "thread/resume"
	MethodThreadFork         = "thread/fork"
	MethodThreadRead         = "thread/read"
	MethodThreadList         = "thread/list"
	MethodThreadArchive      = "thread/archive"
	MethodThreadUnarchive    = "thread/unarchive"
	MethodThreadRollback     = "thread/rollback"
	MethodTurnStart          = "turn/start"
	MethodTurnInterrupt      = "turn/interrupt"
	MethodAccountRead        = "account/read"
	MethodAccountLoginStart  = "account/login/start"
	MethodAccountLoginCancel = "account/login/cancel"
	MethodAccountLogout      = "account/logout"
	MethodRateLimitsRead     = "account/rateLimits/read"
	MethodConfigRead         = "config/read"
	MethodConfigValueWrite   = "config/value/write"
	MethodSkillsList         = "skills/list"
	MethodSkillsConfigWrite  = "skills/config/write"
	MethodReviewStart        = "review/start"
	MethodCommandExec        = "command/exec"
)

// Caller is the slice of the transport the client needs.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ThreadStartParams configures a new engine thread.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	SandboxPolicy  string `json:"sandboxPolicy,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// ThreadStartResult is the engine's acknowledgement of thread creation.
type ThreadStartResult struct {
	ThreadID string `json:"threadId"`
}

// InputItem is one element of a turn's input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextInput builds the input list for a plain text message plus optional
// image paths.
func TextInput(text string, imagePaths []string) []InputItem {
	items := []InputItem{{Type: "text", Text: text}}
	for _, p := range imagePaths {
		items = append(items, InputItem{Type: "image", Path: p})
	}
	return items
}

// TurnStartParams starts one turn on an existing engine thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []InputItem `json:"input"`
}

// TurnStartResult acknowledges a started turn.
type TurnStartResult struct {
	TurnID string `json:"turnId"`
}

type threadIDParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadRollbackParams rewinds a thread by a number of turns.
type ThreadRollbackParams struct {
	ThreadID string `json:"threadId"`
	NumTurns int    `json:"numTurns"`
}

// ThreadSummary is one entry of thread/list.
type ThreadSummary struct {
	ThreadID string `json:"threadId"`
	Preview  string `json:"preview,omitempty"`
	Archived bool   `json:"archived,omitempty"`
}

// Account is the engine's account description; shape is engine-owned.
type Account = json.RawMessage

// RateLimits is the engine's rate-limit snapshot; shape is engine-owned.
type RateLimits = json.RawMessage

// Client wraps a Caller with one method per RPC this system issues.
// Orchestration uses the raw transport's Go for calls it correlates
// asynchronously; everything else goes through here.
type Client struct {
	caller Caller
}

func NewClient(caller Caller) *Client {
	return &Client{caller: caller}
}

func call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	raw, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}

func (c *Client) ThreadStart(ctx context.Context, params ThreadStartParams) (ThreadStartResult, error) {
	return call[ThreadStartResult](ctx, c, MethodThreadStart, params)
}

func (c *Client) ThreadResume(ctx context.Context, engineThreadID string) (ThreadStartResult, error) {
	return call[ThreadStartResult](ctx, c, MethodThreadResume, threadIDParams{ThreadID: engineThreadID})
}

func (c *Client) ThreadFork(ctx context.Context, engineThreadID string) (ThreadStartResult, error) {
	return call[ThreadStartResult](ctx, c, MethodThreadFork, threadIDParams{ThreadID: engineThreadID})
}

func (c *Client) ThreadRead(ctx context.Context, engineThreadID string) (json.RawMessage, error) {
	return c.caller.Call(ctx, MethodThreadRead, threadIDParams{ThreadID: engineThreadID})
}

func (c *Client) ThreadList(ctx context.Context) ([]ThreadSummary, error) {
	type listResult struct {
		Threads []ThreadSummary `json:"threads"`
	}
	out, err := call[listResult](ctx, c, MethodThreadList, nil)
	return out.Threads, err
}

func (c *Client) ThreadArchive(ctx context.Context, engineThreadID string) error {
	_, err := c.caller.Call(ctx, MethodThreadArchive, threadIDParams{ThreadID: engineThreadID})
	return err
}

func (c *Client) ThreadUnarchive(ctx context.Context, engineThreadID string) error {
	_, err := c.caller.Call(ctx, MethodThreadUnarchive, threadIDParams{ThreadID: engineThreadID})
	return err
}

func (c *Client) ThreadRollback(ctx context.Context, params ThreadRollbackParams) error {
	_, err := c.caller.Call(ctx, MethodThreadRollback, params)
	return err
}

func (c *Client) TurnStart(ctx context.Context, params TurnStartParams) (TurnStartResult, error) {
	return call[TurnStartResult](ctx, c, MethodTurnStart, params)
}

func (c *Client) TurnInterrupt(ctx context.Context, engineThreadID string) error {
	_, err := c.caller.Call(ctx, MethodTurnInterrupt, threadIDParams{ThreadID: engineThreadID})
	return err
}

func (c *Client) AccountRead(ctx context.Context) (Account, error) {
	return c.caller.Call(ctx, MethodAccountRead, nil)
}

func (c *Client) AccountLoginStart(ctx context.Context) (json.RawMessage, error) {
	return c.caller.Call(ctx, MethodAccountLoginStart, nil)
}

func (c *Client) AccountLoginCancel(ctx context.Context) error {
	_, err := c.caller.Call(ctx, MethodAccountLoginCancel, nil)
	return err
}

func (c *Client) AccountLogout(ctx context.Context) error {
	_, err := c.caller.Call(ctx, MethodAccountLogout, nil)
	return err
}

func (c *Client) RateLimitsRead(ctx context.Context) (RateLimits, error) {
	return c.caller.Call(ctx, MethodRateLimitsRead, nil)
}

func (c *Client) ConfigRead(ctx context.Context) (json.RawMessage, error) {
	return c.caller.Call(ctx, MethodConfigRead, nil)
}

func (c *Client) ConfigValueWrite(ctx context.Context, key string, value any) error {
	_, err := c.caller.Call(ctx, MethodConfigValueWrite, map[string]any{"key": key, "value": value})
	return err
}

func (c *Client) SkillsList(ctx context.Context) (json.RawMessage, error) {
	return c.caller.Call(ctx, MethodSkillsList, nil)
}

func (c *Client) SkillsConfigWrite(ctx context.Context, skill string, config any) error {
	_, err := c.caller.Call(ctx, MethodSkillsConfigWrite, map[string]any{"skill": skill, "config": config})
	return err
}

func (c *Client) ReviewStart(ctx context.Context, engineThreadID, prompt string) (TurnStartResult, error) {
	return call[TurnStartResult](ctx, c, MethodReviewStart, map[string]string{"threadId": engineThreadID, "prompt": prompt})
}

func (c *Client) CommandExec(ctx context.Context, command []string) (json.RawMessage, error) {
	return c.caller.Call(ctx, MethodCommandExec, map[string]any{"command": command})
}

// ThreadMissing reports whether an engine error indicates its thread
// state is gone (lost across an engine restart). Detection is a message
// substring heuristic: the word "thread" plus one of the known
// not-found phrasings.
func ThreadMissing(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *rpc.Error
	msg := err.Error()
	if errors.As(err, &rpcErr) {
		msg = rpcErr.Message
	}
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "thread") {
		return false
	}
	for _, phrase := range []string{"not found", "missing", "unknown", "invalid"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
