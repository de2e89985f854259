// internal/types/replytarget.go
package types

import (
	"fmt"
	"strings"
)

// TargetKind identifies which surface family a reply target belongs to.
type TargetKind string

const (
	TargetTelegram TargetKind = "telegram"
	TargetWeb      TargetKind = "web"
	TargetMock     TargetKind = "mock"
)

// ReplyTarget is a parsed reply address. The wire form is "<kind>:<address>",
// e.g. "telegram:123456" or "web:9f2c...". It is parsed once at ingress and
// carried as a typed value from then on; records persist the string form so
// a conversation survives even if the owning surface changes.
type ReplyTarget struct {
	Kind    TargetKind
	Address string
}

// ParseReplyTarget splits a "<kind>:<address>" string. The kind is not
// validated against the known set here; unknown kinds resolve to the no-op
// surface at dispatch time rather than failing at parse time.
func ParseReplyTarget(s string) (ReplyTarget, error) {
	kind, address, ok := strings.Cut(s, ":")
	if !ok || kind == "" || address == "" {
		return ReplyTarget{}, fmt.Errorf("malformed reply target: %q", s)
	}
	return ReplyTarget{Kind: TargetKind(kind), Address: address}, nil
}

func (t ReplyTarget) String() string {
	return string(t.Kind) + ":" + t.Address
}

// Prefix returns the registry lookup prefix for this target ("telegram:").
func (t ReplyTarget) Prefix() string {
	return string(t.Kind) + ":"
}
