package envelope

import (
	"encoding/json"
	"testing"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMillis() int64 { return c.ms }

func TestNewID_ShapeAndVersion(t *testing.T) {
	id, err := NewID(fixedClock{ms: 1_700_000_000_000})
	if err != nil {
		t.Fatalf("NewID returned error: %v", err)
	}
	if len(id) != 36 {
		t.Fatalf("expected a 36-char uuid string, got %d chars: %s", len(id), id)
	}
	// El byte 6 (posición 14 del string canónico, tras los guiones) debe
	// empezar con '7' (version nibble).
	if id[14] != '7' {
		t.Fatalf("expected version nibble '7' at position 14, got %q in %s", id[14], id)
	}
}

func TestNewID_UniqueAcrossCalls(t *testing.T) {
	clock := fixedClock{ms: 42}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewID(clock)
		if err != nil {
			t.Fatalf("NewID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated in the same millisecond: %s", id)
		}
		seen[id] = true
	}
}

func TestSequencer_PerSourceMonotonic(t *testing.T) {
	seq := NewSequencer()

	if v := seq.Next("app.a"); v != 0 {
		t.Fatalf("expected first sequence value 0, got %d", v)
	}
	if v := seq.Next("app.a"); v != 1 {
		t.Fatalf("expected second sequence value 1, got %d", v)
	}
	if v := seq.Next("app.b"); v != 0 {
		t.Fatalf("a different source must start its own counter at 0, got %d", v)
	}
	if v := seq.Next("app.a"); v != 2 {
		t.Fatalf("app.a counter must be independent of app.b, got %d", v)
	}
}

func validCommandEnvelope() *Envelope {
	return &Envelope{
		ID:             "0185c8f6-0000-7000-8000-000000000000",
		Type:           TypeCommand,
		Source:         "app.dashboard",
		Target:         "companion.satellite",
		Timestamp:      1700000000000,
		Sequence:       0,
		IdempotencyKey: "k1",
		Payload: &CommandPayload{
			Action: "press",
			Params: map[string]interface{}{"keyIndex": float64(5)},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	original := validCommandEnvelope()

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	reencoded, err := Encode(decoded)
	if err != nil {
		t.Fatalf("re-Encode failed: %v", err)
	}

	var a, b map[string]interface{}
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("unmarshal a: %v", err)
	}
	if err := json.Unmarshal(reencoded, &b); err != nil {
		t.Fatalf("unmarshal b: %v", err)
	}

	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatalf("decode . encode is not identity:\n%s\nvs\n%s", aj, bj)
	}
}

func TestValidate_CommandRequiresTargetAndIdempotencyKey(t *testing.T) {
	e := validCommandEnvelope()
	e.Target = ""

	if err := Validate(e); err == nil {
		t.Fatal("expected validation error for missing target on command")
	}

	e = validCommandEnvelope()
	e.IdempotencyKey = ""
	if err := Validate(e); err == nil {
		t.Fatal("expected validation error for missing idempotencyKey on command")
	}
}

func TestValidate_TTLBounds(t *testing.T) {
	e := validCommandEnvelope()
	e.TTL = 300_001
	if err := Validate(e); err == nil {
		t.Fatal("expected validation error for ttl exceeding 300000ms")
	}

	e2 := validCommandEnvelope()
	e2.TTL = 300_000
	if err := Validate(e2); err != nil {
		t.Fatalf("ttl=300000 should be valid, got %v", err)
	}
}

func TestValidate_NamespaceLength(t *testing.T) {
	e := validCommandEnvelope()
	long := make([]byte, 0, 200)
	long = append(long, 'a')
	for i := 0; i < 200; i++ {
		long = append(long, 'a')
	}
	e.Source = string(long)

	if err := Validate(e); err == nil {
		t.Fatal("expected validation error for source namespace exceeding 128 chars")
	}
}

func TestDecode_SubscribePatternBounds(t *testing.T) {
	env := map[string]interface{}{
		"id":     "0185c8f6-0000-7000-8000-000000000001",
		"type":   "subscribe",
		"source": "app.dashboard",
		"payload": map[string]interface{}{
			"patterns": []string{},
		},
	}
	data, _ := json.Marshal(env)
	if _, err := Decode(data); err == nil {
		t.Fatal("expected INVALID_MESSAGE for empty patterns array")
	}

	patterns := make([]string, 101)
	for i := range patterns {
		patterns[i] = "a"
	}
	env["payload"] = map[string]interface{}{"patterns": patterns}
	data, _ = json.Marshal(env)
	if _, err := Decode(data); err == nil {
		t.Fatal("expected INVALID_MESSAGE for 101 patterns")
	}
}
