// Package dnscache resolves host:port pairs to dialable addresses and
// caches the result in a bounded FIFO, mirroring mugen's DNSCache.
package dnscache

import (
	"context"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/idna"

	"github.com/mugenhq/mugen/pkg/constants"
	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
	"github.com/mugenhq/mugen/pkg/logging"
)

// Entry is a single resolved record: the dialable IP and the port the
// caller asked about.
type Entry struct {
	IP   string
	Port int
}

// Cache is a bounded, FIFO-evicting host resolution cache. The zero value
// is not usable; construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	order   []string
	max     int
	resolve func(ctx context.Context, host string) ([]net.IPAddr, error)
}

type key = string

func makeKey(host string, port int) key {
	return host + "|" + strconv.Itoa(port)
}

// New builds a cache bounded at max entries. max <= 0 falls back to
// constants.DNSCacheMax.
func New(max int) *Cache {
	if max <= 0 {
		max = constants.DNSCacheMax
	}
	c := &Cache{
		entries: make(map[string]Entry),
		max:     max,
	}
	c.resolve = c.defaultResolve
	return c
}

func (c *Cache) defaultResolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	var r net.Resolver
	return r.LookupIPAddr(ctx, host)
}

// Resolve returns the dialable (ip, port) for host:port. A literal IP
// bypasses the cache and the resolver entirely. bypassCache forces a fresh
// lookup even if an entry is cached.
func (c *Cache) Resolve(ctx context.Context, host string, port int, bypassCache bool) (Entry, error) {
	if ip := net.ParseIP(host); ip != nil {
		return Entry{IP: host, Port: port}, nil
	}

	normalized, err := idna.Lookup.ToASCII(host)
	if err != nil {
		normalized = host
	}

	k := makeKey(normalized, port)

	if !bypassCache {
		c.mu.Lock()
		entry, ok := c.entries[k]
		c.mu.Unlock()
		if ok {
			return entry, nil
		}
	}

	addrs, err := c.resolve(ctx, normalized)
	if err != nil {
		logging.Warnf("dnscache: lookup failed for %s: %v", normalized, err)
		return Entry{}, mugenerrors.NewDNSError(normalized, err)
	}

	var picked net.IPAddr
	found := false
	for _, a := range addrs {
		if a.IP.To4() != nil {
			picked = a
			found = true
			break
		}
	}
	if !found {
		return Entry{}, mugenerrors.NewDNSError(normalized, nil)
	}

	entry := Entry{IP: picked.IP.String(), Port: port}
	c.insert(k, entry)
	return entry, nil
}

func (c *Cache) insert(k key, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists {
		c.order = append(c.order, k)
	}
	c.entries[k] = entry

	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.order = nil
}
