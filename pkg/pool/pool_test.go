package pool

import (
	"net"
	"testing"
	"time"

	"github.com/mugenhq/mugen/pkg/pconn"
)

func newPipeConn(t *testing.T, key pconn.Key, p *Pool) *pconn.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })
	return pconn.New(client, key, true, p)
}

func TestAcquireMissOnEmptyPool(t *testing.T) {
	p := New(Config{MaxPool: 10, MaxTasks: 10, SweepInterval: time.Hour})
	defer p.Close()

	_, ok := p.Acquire(pconn.Key{Kind: pconn.DirectPlain, Host: "1.2.3.4", Port: 80})
	if ok {
		t.Fatalf("expected a miss on an empty pool")
	}
}

func TestRecycleThenAcquireRoundTrip(t *testing.T) {
	p := New(Config{MaxPool: 10, MaxTasks: 10, SweepInterval: time.Hour})
	defer p.Close()

	key := pconn.Key{Kind: pconn.DirectPlain, Host: "1.2.3.4", Port: 80}
	c := newPipeConn(t, key, p)

	p.Recycle(c)

	got, ok := p.Acquire(key)
	if !ok {
		t.Fatalf("expected the recycled connection to be acquirable")
	}
	if got != c {
		t.Fatalf("expected to get back the same connection instance")
	}

	if _, ok := p.Acquire(key); ok {
		t.Fatalf("expected the bucket to be empty after acquiring its only entry")
	}
}

func TestBucketCapEnforced(t *testing.T) {
	p := New(Config{MaxPool: 10, MaxTasks: 1, SweepInterval: time.Hour})
	defer p.Close()

	key := pconn.Key{Kind: pconn.DirectPlain, Host: "1.2.3.4", Port: 80}
	first := newPipeConn(t, key, p)
	second := newPipeConn(t, key, p)

	p.Recycle(first)
	p.Recycle(second)

	stats := p.Stats()
	if stats.IdleByBucket[key.String()] != 1 {
		t.Fatalf("expected MaxTasks=1 to cap the bucket at one idle conn, got %+v", stats)
	}
}

func TestGlobalBucketCapEnforced(t *testing.T) {
	p := New(Config{MaxPool: 1, MaxTasks: 10, SweepInterval: time.Hour})
	defer p.Close()

	keyA := pconn.Key{Kind: pconn.DirectPlain, Host: "1.1.1.1", Port: 80}
	keyB := pconn.Key{Kind: pconn.DirectPlain, Host: "2.2.2.2", Port: 80}

	p.Recycle(newPipeConn(t, keyA, p))
	p.Recycle(newPipeConn(t, keyB, p))

	stats := p.Stats()
	if stats.Buckets != 1 {
		t.Fatalf("expected MaxPool=1 to cap distinct buckets at one, got %d", stats.Buckets)
	}
}

func TestClosedConnectionNotRecycled(t *testing.T) {
	p := New(Config{MaxPool: 10, MaxTasks: 10, SweepInterval: time.Hour})
	defer p.Close()

	key := pconn.Key{Kind: pconn.DirectPlain, Host: "1.2.3.4", Port: 80}
	client, server := net.Pipe()
	defer server.Close()
	c := pconn.New(client, key, false, nil) // recycleAllowed=false closes for real
	c.Close()

	p.Recycle(c)

	if _, ok := p.Acquire(key); ok {
		t.Fatalf("a closed connection should never be handed back out")
	}
}
