package dht

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func newTestDHT(t *testing.T, opts ...Option) *DHT {
	t.Helper()
	opts = append([]Option{
		WithListenAddrs([]string{"/ip4/127.0.0.1/tcp/0"}),
		WithWaitTimeout(time.Second),
		WithLogger(hclog.NewNullLogger()),
	}, opts...)
	d, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinMergesRosters(t *testing.T) {
	d1 := newTestDHT(t)
	d2 := newTestDHT(t, WithInitialPeers(d1.BoundAddrs()))
	d3 := newTestDHT(t, WithInitialPeers(d1.BoundAddrs()))

	for _, d := range []*DHT{d1, d2, d3} {
		d := d
		waitFor(t, "full roster", func() bool { return d.NumPeers() == 3 })
	}
	for _, p := range d3.Peers() {
		if p.ID != d1.ID() && p.ID != d2.ID() {
			t.Fatalf("unknown roster entry %q", p.ID)
		}
	}
}

func TestStoreReplicates(t *testing.T) {
	d1 := newTestDHT(t)
	d2 := newTestDHT(t, WithInitialPeers(d1.BoundAddrs()))
	waitFor(t, "join", func() bool { return d1.NumPeers() == 2 })

	if err := d1.Store(context.Background(), "run/state", []byte("v1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "replication", func() bool {
		v, ok := d2.Get("run/state")
		return ok && string(v) == "v1"
	})
}

func TestStoreReplicationOutlivesCaller(t *testing.T) {
	d1 := newTestDHT(t)
	d2 := newTestDHT(t, WithInitialPeers(d1.BoundAddrs()))
	waitFor(t, "join", func() bool { return d1.NumPeers() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := d1.Store(ctx, "run/progress/a", []byte("v1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	// callers cancel as soon as Store returns; replication must not die
	// with them
	cancel()
	waitFor(t, "replication", func() bool {
		v, ok := d2.Get("run/progress/a")
		return ok && string(v) == "v1"
	})
}

func TestGetExpiry(t *testing.T) {
	d := newTestDHT(t)
	if err := d.Store(context.Background(), "short", []byte("x"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Get("short"); !ok {
		t.Fatal("record missing before expiry")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := d.Get("short"); ok {
		t.Fatal("record visible after expiry")
	}
}

func TestGetPrefix(t *testing.T) {
	d := newTestDHT(t)
	ctx := context.Background()
	for _, key := range []string{"run/grads/0/a", "run/grads/0/b", "run/progress/a"} {
		if err := d.Store(ctx, key, []byte("x"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	got := d.GetPrefix("run/grads/0/")
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestDeterministicIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	first := newTestDHT(t, WithIdentityPath(path))
	id := first.ID()
	if err := first.Shutdown(); err != nil {
		t.Fatal(err)
	}

	second := newTestDHT(t, WithIdentityPath(path))
	if second.ID() != id {
		t.Fatalf("identity not stable: %q then %q", id, second.ID())
	}

	third := newTestDHT(t)
	if third.ID() == id {
		t.Fatal("random identity collided with the persisted one")
	}
}

func TestDefaultListenAddrs(t *testing.T) {
	d, err := New(WithLogger(hclog.NewNullLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Shutdown()

	got := d.ListenAddrs()
	if len(got) != 2 || got[0] != "/ip4/0.0.0.0/tcp/0" || got[1] != "/ip4/0.0.0.0/udp/0/quic" {
		t.Fatalf("unexpected default listen addresses %v", got)
	}
}

func TestDialAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/ip4/192.0.2.1/tcp/4040", want: "192.0.2.1:4040"},
		{in: "192.0.2.1:4040", want: "192.0.2.1:4040"},
		{in: "/ip4/192.0.2.1/udp/4040/quic", wantErr: true},
		{in: "not-an-address", wantErr: true},
	}
	for _, tt := range tests {
		got, err := dialAddr(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("dialAddr(%q): expected an error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("dialAddr(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("dialAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
