package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Sentinel-Gate/Quotagate/internal/domain/ratelimit"
)

// newTestStore serves the store from an in-process Redis.
func newTestStore(t *testing.T) (*OverrideStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewOverrideStore(NewClient(mr.Addr()), WithPrefix("quotagate-test"))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestOverrideStore_Unreachable(t *testing.T) {
	// Nothing listens on port 1.
	s := NewOverrideStore(NewClient("127.0.0.1:1"))
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, ok, err := s.ResolveOverride(ctx, "acme", "query")
	if err == nil {
		t.Fatal("expected an error from an unreachable server")
	}
	if ok {
		t.Error("ok must be false on error")
	}
}

func TestOverrideStore_CancelledContext(t *testing.T) {
	s := NewOverrideStore(NewClient("127.0.0.1:1"))
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.ResolveOverride(ctx, "acme", "query")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestWithPrefix(t *testing.T) {
	s := NewOverrideStore(nil, WithPrefix(":tenant:overrides:"))
	if got := s.key("acme"); got != "tenant:overrides:acme" {
		t.Errorf("key = %q", got)
	}

	s = NewOverrideStore(nil, WithPrefix("::"))
	if s.prefix != DefaultPrefix {
		t.Errorf("prefix = %q, want default", s.prefix)
	}
}

func TestDecode(t *testing.T) {
	so, err := decode(`{"limit":12,"window_ms":60000,"note":"x"}`)
	if err != nil {
		t.Fatalf("decode() error: %v", err)
	}
	if q := so.quota(); q.Limit != 12 || q.Window != time.Minute {
		t.Errorf("quota = %+v, want 12 per minute", q)
	}

	if _, err := decode("12/60"); err == nil {
		t.Error("expected error for non-JSON value")
	}
}

func TestSetOverride_ValidationNeedsNoServer(t *testing.T) {
	s := NewOverrideStore(NewClient("127.0.0.1:1"))
	defer func() { _ = s.Close() }()

	err := s.SetOverride(context.Background(), ratelimit.Override{GroupID: "acme"})
	if !errors.Is(err, ErrInvalidOverride) {
		t.Errorf("error = %v, want ErrInvalidOverride", err)
	}
}

func TestOverrideStore_SetValidation(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		o    ratelimit.Override
	}{
		{"missing group", ratelimit.Override{GroupID: "  ", Quota: ratelimit.Quota{Limit: 1, Window: time.Minute}}},
		{"zero limit", ratelimit.Override{GroupID: "acme", Quota: ratelimit.Quota{Window: time.Minute}}},
		{"zero window", ratelimit.Override{GroupID: "acme", Quota: ratelimit.Quota{Limit: 5}}},
		{"sub-millisecond window", ratelimit.Override{GroupID: "acme", Quota: ratelimit.Quota{Limit: 5, Window: time.Microsecond}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SetOverride(ctx, tt.o); !errors.Is(err, ErrInvalidOverride) {
				t.Errorf("error = %v, want ErrInvalidOverride", err)
			}
		})
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("rejected overrides were written: %v", keys)
	}

	// Whitespace is trimmed and an empty endpoint becomes the wildcard.
	if err := s.SetOverride(ctx, ratelimit.Override{GroupID: " acme ", Quota: ratelimit.Quota{Limit: 5, Window: time.Second}}); err != nil {
		t.Fatalf("SetOverride() error: %v", err)
	}
	if !mr.Exists("quotagate-test:acme") {
		t.Fatalf("keys = %v, want quotagate-test:acme", mr.Keys())
	}
	if v := mr.HGet("quotagate-test:acme", ratelimit.AnyEndpoint); v == "" {
		t.Error("override should be stored under the wildcard field")
	}
}

func TestOverrideStore_ExactEndpointWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SetOverride(ctx, ratelimit.Override{GroupID: "acme", Quota: ratelimit.Quota{Limit: 100, Window: time.Minute}}); err != nil {
		t.Fatalf("SetOverride() error: %v", err)
	}
	if err := s.SetOverride(ctx, ratelimit.Override{GroupID: "acme", Endpoint: "export", Quota: ratelimit.Quota{Limit: 3, Window: time.Hour}}); err != nil {
		t.Fatalf("SetOverride() error: %v", err)
	}

	tests := []struct {
		group, endpoint string
		want            ratelimit.Quota
		wantOK          bool
	}{
		{"acme", "export", ratelimit.Quota{Limit: 3, Window: time.Hour}, true},
		{"acme", "read", ratelimit.Quota{Limit: 100, Window: time.Minute}, true},
		{"globex", "read", ratelimit.Quota{}, false},
	}
	for _, tt := range tests {
		q, ok, err := s.ResolveOverride(ctx, tt.group, tt.endpoint)
		if err != nil {
			t.Fatalf("ResolveOverride(%s, %s) error: %v", tt.group, tt.endpoint, err)
		}
		if ok != tt.wantOK || q != tt.want {
			t.Errorf("ResolveOverride(%s, %s) = (%+v, %v), want (%+v, %v)",
				tt.group, tt.endpoint, q, ok, tt.want, tt.wantOK)
		}
	}

	removed, err := s.DeleteOverride(ctx, "acme", "export")
	if err != nil || !removed {
		t.Fatalf("DeleteOverride() = (%v, %v), want (true, nil)", removed, err)
	}
	if q, ok, _ := s.ResolveOverride(ctx, "acme", "export"); !ok || q.Limit != 100 {
		t.Errorf("after delete = (%+v, %v), want wildcard limit 100", q, ok)
	}
	if removed, _ := s.DeleteOverride(ctx, "acme", "export"); removed {
		t.Error("second delete should report nothing removed")
	}
}

func TestOverrideStore_MalformedValue(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.HSet("quotagate-test:acme", "query", "{not json")
	mr.HSet("quotagate-test:acme", ratelimit.AnyEndpoint, `{"limit":9,"window_ms":60000}`)

	_, ok, err := s.ResolveOverride(ctx, "acme", "query")
	if err == nil {
		t.Fatal("expected an error for a malformed exact entry")
	}
	if ok {
		t.Error("ok must be false on error")
	}

	// The wildcard is still readable for other endpoints.
	if q, ok, err := s.ResolveOverride(ctx, "acme", "read"); err != nil || !ok || q.Limit != 9 {
		t.Errorf("wildcard = (%+v, %v, %v), want limit 9", q, ok, err)
	}

	list, err := s.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides() error: %v", err)
	}
	if len(list) != 1 || list[0].Endpoint != ratelimit.AnyEndpoint {
		t.Errorf("list = %+v, want only the decodable wildcard", list)
	}
}

func TestOverrideStore_ListSorted(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	for _, o := range []ratelimit.Override{
		{GroupID: "zeta", Endpoint: "query", Quota: ratelimit.Quota{Limit: 1, Window: time.Second}},
		{GroupID: "acme", Endpoint: "read", Quota: ratelimit.Quota{Limit: 2, Window: time.Second}},
		{GroupID: "acme", Quota: ratelimit.Quota{Limit: 3, Window: time.Second}, Note: "contract"},
		{GroupID: "beta", Endpoint: "export", Quota: ratelimit.Quota{Limit: 4, Window: time.Hour}},
	} {
		if err := s.SetOverride(ctx, o); err != nil {
			t.Fatalf("SetOverride() error: %v", err)
		}
	}
	// Keys outside the prefix are not overrides.
	mr.HSet("unrelated:acme", "query", `{"limit":1,"window_ms":1000}`)

	list, err := s.ListOverrides(ctx)
	if err != nil {
		t.Fatalf("ListOverrides() error: %v", err)
	}
	want := []struct{ group, endpoint string }{
		{"acme", "*"},
		{"acme", "read"},
		{"beta", "export"},
		{"zeta", "query"},
	}
	if len(list) != len(want) {
		t.Fatalf("list has %d entries, want %d: %+v", len(list), len(want), list)
	}
	for i, w := range want {
		if list[i].GroupID != w.group || list[i].Endpoint != w.endpoint {
			t.Errorf("list[%d] = %s/%s, want %s/%s", i, list[i].GroupID, list[i].Endpoint, w.group, w.endpoint)
		}
	}
	if list[0].Note != "contract" || list[0].Quota.Limit != 3 {
		t.Errorf("list[0] = %+v, want note and limit 3", list[0])
	}
	if !list[0].UpdatedAt.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Errorf("UpdatedAt = %v", list[0].UpdatedAt)
	}
}

func TestOverrideStore_Ping(t *testing.T) {
	s, mr := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}

	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err == nil {
		t.Error("expected Ping() to fail after the server stopped")
	}
}
