// internal/events/decode_test.go
package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTurnLifecycle(t *testing.T) {
	ev, err := Decode("turn/started", json.RawMessage(`{"turnId":"tu-1","threadId":"th-1","input":[{"type":"text"}]}`))
	require.NoError(t, err)
	require.Equal(t, KindTurnStarted, ev.Kind)
	require.NotNil(t, ev.TurnStarted)
	assert.Equal(t, "tu-1", ev.TurnStarted.TurnID)
	assert.Equal(t, "th-1", ev.TurnStarted.ThreadID)
	assert.Len(t, ev.TurnStarted.InputItems, 1)

	ev, err = Decode("turn/completed", json.RawMessage(`{"turnId":"tu-1","status":"completed","usage":{"inputTokens":10,"outputTokens":5,"totalTokens":15}}`))
	require.NoError(t, err)
	require.Equal(t, KindTurnCompleted, ev.Kind)
	assert.Equal(t, TurnCompleted, ev.TurnCompleted.Status)
	assert.Equal(t, int64(15), ev.TurnCompleted.Usage.TotalTokens)

	// Older engines say "cancelled"; that normalizes to interrupted.
	ev, err = Decode("turn/completed", json.RawMessage(`{"turnId":"tu-2","status":"cancelled"}`))
	require.NoError(t, err)
	assert.Equal(t, TurnInterrupted, ev.TurnCompleted.Status)
}

func TestDecodeItems(t *testing.T) {
	ev, err := Decode("item/started", json.RawMessage(`{"itemId":"it-1","turnId":"tu-1","type":"command_execution"}`))
	require.NoError(t, err)
	require.Equal(t, KindItemStarted, ev.Kind)
	assert.Equal(t, "command_execution", ev.ItemStarted.Type)

	ev, err = Decode("item/completed", json.RawMessage(`{"itemId":"it-2","type":"agent_message","status":"completed","text":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, KindItemCompleted, ev.Kind)
	assert.Equal(t, ItemOutcomeCompleted, ev.ItemCompleted.Status)
	assert.Equal(t, "hello", ev.ItemCompleted.Text)

	ev, err = Decode("item/agentMessageDelta", json.RawMessage(`{"itemId":"it-2","turnId":"tu-1","delta":"hel"}`))
	require.NoError(t, err)
	require.Equal(t, KindAgentMessageDelta, ev.Kind)
	assert.Equal(t, "hel", ev.AgentMessageDelta.Delta)
}

func TestDecodeApprovalsAndAccount(t *testing.T) {
	ev, err := Decode("item/commandExecution/requestApproval", json.RawMessage(`{"itemId":"it-3","command":"rm -rf build","reason":"cleanup"}`))
	require.NoError(t, err)
	require.Equal(t, KindCommandApprovalRequested, ev.Kind)
	assert.Equal(t, "rm -rf build", ev.ApprovalRequested.Command)

	ev, err = Decode("item/fileChange/requestApproval", json.RawMessage(`{"itemId":"it-4","path":"main.go"}`))
	require.NoError(t, err)
	require.Equal(t, KindFileChangeApprovalRequested, ev.Kind)
	assert.Equal(t, "main.go", ev.ApprovalRequested.Path)

	ev, err = Decode("account/rateLimits/updated", json.RawMessage(`{"rateLimits":{"remaining":5}}`))
	require.NoError(t, err)
	require.Equal(t, KindRateLimitsUpdated, ev.Kind)
}

func TestDecodeLegacyAliases(t *testing.T) {
	ev, err := Decode("task_started", json.RawMessage(`{"turnId":"tu-9","threadId":"th-9"}`))
	require.NoError(t, err)
	assert.Equal(t, KindTurnStarted, ev.Kind)

	ev, err = Decode("agent_message_delta", json.RawMessage(`{"itemId":"it-9","turnId":"tu-9","delta":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, KindAgentMessageDelta, ev.Kind)
}

func TestDecodeUnknownMethodIsSoft(t *testing.T) {
	_, err := Decode("holo/projection", json.RawMessage(`{}`))
	var unknown *UnknownMethodError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "holo/projection", unknown.Method)
}

func TestDecodeMalformedParams(t *testing.T) {
	_, err := Decode("turn/started", json.RawMessage(`{"turnId":42}`))
	require.Error(t, err)
	var unknown *UnknownMethodError
	assert.False(t, errors.As(err, &unknown), "malformed params should not classify as unknown method")
}

func TestPartitionKeyFallbackChain(t *testing.T) {
	ev, err := Decode("turn/started", json.RawMessage(`{"turnId":"tu-1","threadId":"th-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "th-1", ev.PartitionKey())

	ev, err = Decode("turn/diffUpdated", json.RawMessage(`{"turnId":"tu-1","diff":"+x"}`))
	require.NoError(t, err)
	assert.Equal(t, "tu-1", ev.PartitionKey())

	raw := json.RawMessage(`{"rateLimits":{}}`)
	ev, err = Decode("account/rateLimits/updated", raw)
	require.NoError(t, err)
	key := ev.PartitionKey()
	assert.Contains(t, key, "raw-")
	// Deterministic for identical payloads.
	ev2, _ := Decode("account/rateLimits/updated", raw)
	assert.Equal(t, key, ev2.PartitionKey())
}
