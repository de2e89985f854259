// internal/types/models_test.go
package types

import "testing"

func TestParseReplyTarget(t *testing.T) {
	rt, err := ParseReplyTarget("telegram:123456")
	if err != nil {
		t.Fatal(err)
	}
	if rt.Kind != TargetTelegram || rt.Address != "123456" {
		t.Errorf("unexpected parse: %+v", rt)
	}
	if rt.String() != "telegram:123456" {
		t.Errorf("round trip mismatch: %s", rt.String())
	}
	if rt.Prefix() != "telegram:" {
		t.Errorf("unexpected prefix: %s", rt.Prefix())
	}

	for _, bad := range []string{"", "telegram", ":123", "telegram:"} {
		if _, err := ParseReplyTarget(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}

	// Unknown kinds parse fine; dispatch handles them later.
	rt, err = ParseReplyTarget("carrierpigeon:coop-7")
	if err != nil {
		t.Fatal(err)
	}
	if rt.Kind != "carrierpigeon" {
		t.Errorf("unexpected kind: %s", rt.Kind)
	}
}

func TestInteractionStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to InteractionStatus
		ok       bool
	}{
		{InteractionPending, InteractionInProgress, true},
		{InteractionPending, InteractionFailed, true},
		{InteractionInProgress, InteractionComplete, true},
		{InteractionInProgress, InteractionInterrupted, true},
		{InteractionInProgress, InteractionFailed, true},
		{InteractionInProgress, InteractionPending, false},
		{InteractionComplete, InteractionFailed, false},
		{InteractionFailed, InteractionInProgress, false},
		{InteractionInterrupted, InteractionComplete, false},
	}
	for _, c := range cases {
		if got := c.from.CanAdvanceTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestParseItemType(t *testing.T) {
	if got := ParseItemType("agent_message"); got != ItemAgentMessage {
		t.Errorf("got %s", got)
	}
	if got := ParseItemType("quantum_flux"); got != ItemUnknown {
		t.Errorf("unrecognized type should map to unknown, got %s", got)
	}
}
