package transport

import (
	"testing"
	"time"
)

func TestSanitizeNamespace(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Stream Deck", "app.stream_deck"},
		{"__weird__", "app.weird"},
		{"", "app.client"},
		{"UPPER-case.Name", "app.upper_case_name"},
	}
	for _, tc := range cases {
		if got := sanitizeNamespace(tc.name); got != tc.want {
			t.Errorf("sanitizeNamespace(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSanitizeNamespace_Truncates(t *testing.T) {
	long := "this-name-is-definitely-longer-than-thirty-two-characters"
	got := sanitizeNamespace(long)
	if len(got) > len("app.")+32 {
		t.Fatalf("expected namespace truncated to 32 chars after app. prefix, got %q (len %d)", got, len(got))
	}
}

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMillis() int64 { return c.ms }

func TestClient_AllowMessage_FixedWindow(t *testing.T) {
	s := &Server{cfg: Config{RateLimit: 2, RateLimitWindow: time.Second}.withDefaults()}
	s.cfg.RateLimit = 2
	s.clock = fixedClock{ms: 0}

	c := &Client{server: s}

	if !c.allowMessage(0) {
		t.Fatal("first message in window should be allowed")
	}
	if !c.allowMessage(10) {
		t.Fatal("second message in window should be allowed")
	}
	if c.allowMessage(20) {
		t.Fatal("third message in same window should be rate limited")
	}
	if !c.allowMessage(1001) {
		t.Fatal("first message in next window should be allowed")
	}
}
