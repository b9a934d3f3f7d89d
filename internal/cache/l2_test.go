package cache

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	now := time.Now()
	value := []byte("payload")

	wrapped := wrapValue(value, now.Add(time.Minute))

	got, ok := unwrapValue(wrapped, now)
	if !ok {
		t.Fatal("live envelope reported expired")
	}
	if !bytes.Equal(got, value) {
		t.Errorf("got %q, want %q", got, value)
	}
}

func TestEnvelopeExpired(t *testing.T) {
	now := time.Now()
	wrapped := wrapValue([]byte("stale"), now.Add(-time.Second))

	if _, ok := unwrapValue(wrapped, now); ok {
		t.Error("expired envelope served")
	}
}

func TestEnvelopeExactExpiryIsExpired(t *testing.T) {
	now := time.Now()
	wrapped := wrapValue([]byte("edge"), now)

	if _, ok := unwrapValue(wrapped, now); ok {
		t.Error("entry served at exactly inserted_at+ttl")
	}
}

func TestEnvelopeMalformed(t *testing.T) {
	for _, data := range [][]byte{nil, {}, {1, 2, 3}} {
		if _, ok := unwrapValue(data, time.Now()); ok {
			t.Errorf("malformed envelope %v served", data)
		}
	}
}

func TestEnvelopeEmptyValue(t *testing.T) {
	now := time.Now()
	wrapped := wrapValue(nil, now.Add(time.Minute))

	got, ok := unwrapValue(wrapped, now)
	if !ok {
		t.Fatal("empty-value envelope reported expired")
	}
	if len(got) != 0 {
		t.Errorf("got %q, want empty", got)
	}
}

func TestL2KeyIsBucketSafe(t *testing.T) {
	// Request-derived keys carry characters JetStream KV rejects; the
	// derived key must only use the safe charset.
	key := l2Key("llm-primary", "GET /v1/chat?user=a b&x=%20")

	if !strings.HasPrefix(key, "llm-primary.") {
		t.Errorf("key %q does not carry the dependency prefix", key)
	}
	for _, r := range key {
		safe := r == '-' || r == '_' || r == '.' || r == '=' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !safe {
			t.Errorf("key %q contains unsafe character %q", key, r)
		}
	}
}

func TestL2KeyDistinctPerDependency(t *testing.T) {
	if l2Key("a", "k") == l2Key("b", "k") {
		t.Error("same cache key on different dependencies collided")
	}
}
