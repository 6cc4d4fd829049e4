package subscription

import (
	"testing"

	"bridgehub/internal/envelope"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMillis() int64 { return c.ms }

func TestSubscribe_CompilesPatternsAndIndexesByClient(t *testing.T) {
	m := NewManager(fixedClock{ms: 1000})

	sub, err := m.Subscribe("app.dashboard", []string{"companion.variables.*"}, envelope.FilterAll, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("expected a non-empty subscription id")
	}
	if m.Count() != 1 || m.CountForClient("app.dashboard") != 1 {
		t.Fatalf("expected one indexed subscription, got Count=%d CountForClient=%d", m.Count(), m.CountForClient("app.dashboard"))
	}
}

func TestSubscribe_RejectsEmptyPatterns(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Subscribe("app.a", nil, envelope.FilterAll, false); err == nil {
		t.Fatal("expected SUBSCRIPTION_FAILED for an empty pattern list")
	}
}

func TestSubscribe_RejectsInvalidPattern(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Subscribe("app.a", []string{"a("}, envelope.FilterAll, false); err == nil {
		t.Fatal("expected SUBSCRIPTION_FAILED for an invalid pattern")
	}
}

func TestGetMatchingSubscriptions_RespectsFilter(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe("app.a", []string{"companion.**"}, envelope.FilterState, false)
	m.Subscribe("app.b", []string{"companion.**"}, envelope.FilterEvents, false)
	m.Subscribe("app.c", []string{"companion.**"}, envelope.FilterAll, false)

	stateMatches := m.GetMatchingSubscriptions("companion.variables.tally", KindState)
	if len(stateMatches) != 2 {
		t.Fatalf("expected 2 matches for a state delta (state + all filters), got %d", len(stateMatches))
	}

	eventMatches := m.GetMatchingSubscriptions("companion.variables.tally", KindEvent)
	if len(eventMatches) != 2 {
		t.Fatalf("expected 2 matches for an event (events + all filters), got %d", len(eventMatches))
	}
}

func TestGetMatchingSubscriptions_NoMatchOutsidePattern(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe("app.a", []string{"companion.variables.*"}, envelope.FilterAll, false)

	matches := m.GetMatchingSubscriptions("companion.keys.1", KindState)
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %d", len(matches))
	}
}

func TestUnsubscribe_RemovesFromBothIndexes(t *testing.T) {
	m := NewManager(nil)
	sub, _ := m.Subscribe("app.a", []string{"x.y"}, envelope.FilterAll, false)

	if err := m.Unsubscribe(sub.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Count() != 0 || m.CountForClient("app.a") != 0 {
		t.Fatalf("expected empty indexes after unsubscribe, got Count=%d CountForClient=%d", m.Count(), m.CountForClient("app.a"))
	}
}

func TestUnsubscribe_UnknownID(t *testing.T) {
	m := NewManager(nil)
	if err := m.Unsubscribe("does-not-exist"); err == nil {
		t.Fatal("expected SUBSCRIPTION_FAILED for an unknown subscription id")
	}
}

func TestUnsubscribePatterns_PartialRemovalKeepsSubscription(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe("app.a", []string{"x.y", "a.b"}, envelope.FilterAll, false)

	removed, err := m.UnsubscribePatterns("app.a", []string{"x.y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pattern removed, got %d", removed)
	}
	if m.Count() != 1 {
		t.Fatalf("subscription with a remaining pattern must survive, got Count=%d", m.Count())
	}

	matches := m.GetMatchingSubscriptions("a.b", KindState)
	if len(matches) != 1 {
		t.Fatalf("expected the remaining pattern to still match, got %d matches", len(matches))
	}
}

func TestUnsubscribePatterns_RemovingLastPatternDropsSubscription(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe("app.a", []string{"x.y"}, envelope.FilterAll, false)

	removed, err := m.UnsubscribePatterns("app.a", []string{"x.y"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 || m.Count() != 0 {
		t.Fatalf("expected the subscription to be dropped entirely, got removed=%d Count=%d", removed, m.Count())
	}
}

func TestUnsubscribeClient_RemovesAllSubscriptionsForClient(t *testing.T) {
	m := NewManager(nil)
	m.Subscribe("app.a", []string{"x.y"}, envelope.FilterAll, false)
	m.Subscribe("app.a", []string{"a.b"}, envelope.FilterAll, false)
	m.Subscribe("app.b", []string{"x.y"}, envelope.FilterAll, false)

	m.UnsubscribeClient("app.a")

	if m.CountForClient("app.a") != 0 {
		t.Fatalf("expected app.a to have no subscriptions left, got %d", m.CountForClient("app.a"))
	}
	if m.Count() != 1 {
		t.Fatalf("expected app.b's subscription to survive, got Count=%d", m.Count())
	}
}

func TestMarkSnapshotSent(t *testing.T) {
	m := NewManager(nil)
	sub, _ := m.Subscribe("app.a", []string{"x.y"}, envelope.FilterAll, true)

	if sub.SnapshotSent {
		t.Fatal("a freshly created subscription must not report its snapshot as sent")
	}
	m.MarkSnapshotSent(sub.ID)

	got := m.Get(sub.ID)
	if got == nil || !got.SnapshotSent {
		t.Fatalf("expected SnapshotSent=true after MarkSnapshotSent, got %+v", got)
	}
}
