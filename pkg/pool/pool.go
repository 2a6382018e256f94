// Package pool implements the connection pool: a keyed multimap of idle
// connections with per-key and global caps, staleness eviction, and a
// background keep-alive sweep.
//
// Unlike the teacher's process-wide sync.Map of host pools, Pool is an
// explicitly-owned value: a Session constructs one and holds the only
// reference, per spec.md's design note on turning singletons into values.
package pool

import (
	"sync"
	"time"

	"github.com/mugenhq/mugen/pkg/constants"
	"github.com/mugenhq/mugen/pkg/logging"
	"github.com/mugenhq/mugen/pkg/pconn"
)

// Config configures pool capacity. The zero value is not valid; use
// DefaultConfig.
type Config struct {
	MaxPool       int
	MaxTasks      int
	SweepInterval time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxPool:       constants.MaxConnectionPool,
		MaxTasks:      constants.MaxPoolTasks,
		SweepInterval: constants.KeepAliveCeiling,
	}
}

type bucket struct {
	mu    sync.Mutex
	conns []*pconn.Conn // head = index 0 (oldest idle), tail = end (most recently released)
}

// Stats reports a snapshot of pool occupancy.
type Stats struct {
	Buckets     int
	IdleByBucket map[string]int
}

// Pool is the connection pool. Construct with New; call Close to stop its
// background sweeper.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// New builds a pool and starts its background sweeper goroutine.
func New(cfg Config) *Pool {
	if cfg.MaxPool <= 0 {
		cfg.MaxPool = constants.MaxConnectionPool
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = constants.MaxPoolTasks
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = constants.KeepAliveCeiling
	}

	p := &Pool{
		cfg:      cfg,
		buckets:  make(map[string]*bucket),
		stopChan: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.watch()

	return p
}

// Acquire pops the head of buckets[key] if it is non-stale; stale entries
// are discarded and the search continues until the bucket is exhausted.
// Acquire itself never dials — it returns ok=false when no idle connection
// is available and the caller must produce a fresh one.
func (p *Pool) Acquire(key pconn.Key) (conn *pconn.Conn, ok bool) {
	k := key.String()

	p.mu.Lock()
	b, exists := p.buckets[k]
	p.mu.Unlock()
	if !exists {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.conns) > 0 {
		candidate := b.conns[0]
		b.conns = b.conns[1:]

		if !candidate.Stale() && !candidate.IsTimeout() {
			if len(b.conns) == 0 {
				p.removeBucket(k)
			}
			return candidate, true
		}
		logging.Debugf("pool: dropping stale idle connection for %s", k)
		candidate.SetRecycleAllowed(false)
		candidate.Close()
	}

	p.removeBucket(k)
	return nil, false
}

func (p *Pool) removeBucket(k string) {
	p.mu.Lock()
	delete(p.buckets, k)
	p.mu.Unlock()
}

// Recycle implements pconn.Releaser. It is the single admission path for
// returning a connection to idle, used by Conn.Close; the sweeper applies
// the same staleness and keep-alive check inline rather than calling it.
func (p *Pool) Recycle(c *pconn.Conn) {
	if c.Stale() || c.IsTimeout() {
		c.SetRecycleAllowed(false)
		c.Close()
		return
	}

	k := c.Key.String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.SetRecycleAllowed(false)
		c.Close()
		return
	}
	b, exists := p.buckets[k]
	if !exists {
		// Admission uses the conjunction, not the disjunction the Python
		// source's recycle path drifted to across revisions.
		if len(p.buckets) >= p.cfg.MaxPool {
			p.mu.Unlock()
			c.SetRecycleAllowed(false)
			c.Close()
			return
		}
		b = &bucket{}
		p.buckets[k] = b
	}
	p.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) < p.cfg.MaxTasks {
		b.conns = append(b.conns, c)
		return
	}

	c.SetRecycleAllowed(false)
	c.Close()
}

// sweep re-checks every idle connection with the same staleness and
// keep-alive test Recycle applies, closing the ones that fail and keeping
// the rest in place; buckets left empty are removed.
func (p *Pool) sweep() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.mu.Lock()
		b, exists := p.buckets[k]
		p.mu.Unlock()
		if !exists {
			continue
		}

		b.mu.Lock()
		conns := b.conns
		b.conns = nil
		b.mu.Unlock()

		for _, c := range conns {
			if c.Stale() || c.IsTimeout() {
				c.SetRecycleAllowed(false)
				c.Close()
				continue
			}
			b.mu.Lock()
			b.conns = append(b.conns, c)
			b.mu.Unlock()
		}

		b.mu.Lock()
		empty := len(b.conns) == 0
		b.mu.Unlock()
		if empty {
			p.removeBucket(k)
		}
	}
}

// watch is the background keep-alive sweeper: exactly one per pool
// instance, holding no strong reference beyond its own goroutine's
// lifetime, stopped by Close via stopChan.
func (p *Pool) watch() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Errorf("pool: sweep panic recovered: %v", r)
					}
				}()
				p.sweep()
			}()
		}
	}
}

// Stats returns a snapshot of idle connection counts per bucket.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Buckets: len(p.buckets), IdleByBucket: make(map[string]int, len(p.buckets))}
	for k, b := range p.buckets {
		b.mu.Lock()
		s.IdleByBucket[k] = len(b.conns)
		b.mu.Unlock()
	}
	return s
}

// Close stops the background sweeper and closes every idle connection.
// Close does not block on in-flight requests; connections currently
// in-use are unaffected and will tear themselves down on their own
// Close call once released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	buckets := p.buckets
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	for _, b := range buckets {
		b.mu.Lock()
		for _, c := range b.conns {
			c.SetRecycleAllowed(false)
			c.Close()
		}
		b.mu.Unlock()
	}
}
