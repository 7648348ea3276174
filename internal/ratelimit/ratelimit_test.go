package ratelimit

import (
	"testing"
	"time"

	"github.com/notno/agentcom/internal/config"
)

func testTiers() map[string]config.RateLimitTier {
	return map[string]config.RateLimitTier{
		"default": {RatePerSec: 2, Burst: 2},
	}
}

func TestAllowWithinBurst(t *testing.T) {
	l := New(testTiers())
	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("agent-1", "default"); !ok {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if ok, retry := l.Allow("agent-1", "default"); ok || retry <= 0 {
		t.Fatalf("third request should be rejected with retry-after, got ok=%v retry=%v", ok, retry)
	}
}

func TestEscalatingCooldown(t *testing.T) {
	l := New(testTiers())
	l.cooldowns = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}

	// Exhaust burst.
	l.Allow("agent-1", "default")
	l.Allow("agent-1", "default")

	_, retry1 := l.Allow("agent-1", "default")
	if retry1 != 10*time.Millisecond {
		t.Fatalf("first violation retry = %v, want 10ms", retry1)
	}

	time.Sleep(retry1)
	_, retry2 := l.Allow("agent-1", "default")
	if retry2 != 20*time.Millisecond {
		t.Fatalf("second violation retry = %v, want 20ms", retry2)
	}
}

func TestValidatorRequiredField(t *testing.T) {
	v := NewValidator(AgentFrameSchemas...)
	err := v.Validate("task_accepted", map[string]any{"task_id": "t1"})
	if err == nil {
		t.Fatalf("expected error for missing generation field")
	}
}

func TestValidatorAllowedValues(t *testing.T) {
	v := NewValidator(AgentFrameSchemas...)
	err := v.Validate("state_report", map[string]any{"status": "bogus"})
	if err == nil {
		t.Fatalf("expected error for disallowed status value")
	}
	if err := v.Validate("state_report", map[string]any{"status": "idle"}); err != nil {
		t.Fatalf("expected valid status to pass, got %v", err)
	}
}

func TestValidatorUnknownMessageType(t *testing.T) {
	v := NewValidator(AgentFrameSchemas...)
	if err := v.Validate("not_a_type", map[string]any{}); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}
