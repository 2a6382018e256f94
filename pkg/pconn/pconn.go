// Package pconn implements the pooled Connection: a single TCP, optionally
// TLS, duplex stream with the read/write/staleness operations the pool and
// proxy engine drive directly.
package pconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mugenhq/mugen/pkg/constants"
	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
	"github.com/mugenhq/mugen/pkg/logging"
)

// Key identifies the pool bucket a Conn belongs to. It is a tagged variant
// over the four endpoint-key shapes spec.md names, rather than an untyped
// tuple.
type Key struct {
	Kind       KeyKind
	Host       string // IP for direct plaintext/HTTP-proxy keys, hostname for TLS keys
	Port       int
	TargetHost string // set only for HttpProxyTls
}

// KeyKind enumerates the endpoint-key variants.
type KeyKind int

const (
	DirectPlain KeyKind = iota
	DirectTLS
	HTTPProxyPlain
	HTTPProxyTLS
)

func (k Key) String() string {
	switch k.Kind {
	case DirectTLS:
		return fmt.Sprintf("tls:%s:%d", k.Host, k.Port)
	case HTTPProxyTLS:
		return fmt.Sprintf("proxy:%s:%d>%s", k.Host, k.Port, k.TargetHost)
	case HTTPProxyPlain:
		return fmt.Sprintf("proxy:%s:%d", k.Host, k.Port)
	default:
		return fmt.Sprintf("plain:%s:%d", k.Host, k.Port)
	}
}

// Releaser recycles or discards a Conn once a request is done with it. The
// pool implements this; pconn only depends on the interface to avoid an
// import cycle.
type Releaser interface {
	Recycle(c *Conn)
}

// Conn is a single pooled connection.
type Conn struct {
	Key Key

	mu             sync.Mutex
	raw            net.Conn
	reader         *bufio.Reader
	tlsEstablished bool
	socksEstablished bool
	recycleAllowed bool
	lastActivity   time.Time
	keepAliveCeil  time.Duration
	closed         bool
	eof            bool
	extDeadline    time.Time // caller-supplied ceiling, e.g. from a context.Context

	pool Releaser
}

// New wraps an already-dialed net.Conn. recycleAllowed controls whether
// Close returns the connection to pool instead of tearing it down.
func New(raw net.Conn, key Key, recycleAllowed bool, pool Releaser) *Conn {
	return &Conn{
		Key:            key,
		raw:            raw,
		reader:         bufio.NewReader(raw),
		recycleAllowed: recycleAllowed,
		lastActivity:   time.Now(),
		keepAliveCeil:  constants.KeepAliveCeiling,
		pool:           pool,
	}
}

// SSLHandshake wraps the connection's raw socket in TLS with the given SNI
// server name, used both for HTTPS-over-HTTP-proxy after CONNECT and for
// SOCKS5+TLS.
func (c *Conn) SSLHandshake(ctx context.Context, serverName string, tlsConfig *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	tlsConn := tls.Client(c.raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.closeLocked()
		return mugenerrors.NewTLSError(serverName, 0, err)
	}

	c.raw = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.tlsEstablished = true
	return nil
}

// MarkSocksEstablished records that the SOCKS5 CONNECT handshake succeeded.
func (c *Conn) MarkSocksEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socksEstablished = true
}

// TLSEstablished reports whether a TLS handshake has completed on this
// connection.
func (c *Conn) TLSEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsEstablished
}

// Send writes data to the connection. Must not be called on a closed or
// stale connection.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	raw := c.raw
	closed := c.closed
	c.mu.Unlock()

	if closed || raw == nil {
		return mugenerrors.NewConnectionStaleError(c.Key.String())
	}

	n := 0
	for n < len(data) {
		written, err := raw.Write(data[n:])
		if err != nil {
			c.guardIO(err)
			return mugenerrors.NewIOError("write", err)
		}
		n += written
	}
	c.touch()
	return nil
}

// SetDeadline sets a ceiling Read/ReadLine will not wait past, in addition
// to their own CONN_READ_TIMEOUT — the tighter of the two applies. Passing
// the zero Time clears it. Used to let an outer context.Context deadline
// cut a blocking read short.
func (c *Conn) SetDeadline(d time.Time) {
	c.mu.Lock()
	c.extDeadline = d
	c.mu.Unlock()
}

func (c *Conn) readDeadline() time.Time {
	c.mu.Lock()
	ext := c.extDeadline
	c.mu.Unlock()

	d := time.Now().Add(constants.ConnReadTimeout)
	if !ext.IsZero() && ext.Before(d) {
		return ext
	}
	return d
}

// Read reads exactly n bytes (n >= 0) or reads to EOF (n < 0), bounded by
// CONN_READ_TIMEOUT or an earlier SetDeadline, whichever is sooner.
func (c *Conn) Read(n int) ([]byte, error) {
	if c.Stale() {
		return nil, mugenerrors.NewConnectionStaleError(c.Key.String())
	}

	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	raw.SetReadDeadline(c.readDeadline())
	defer raw.SetReadDeadline(time.Time{})

	var buf []byte
	var err error
	if n < 0 {
		buf, err = io.ReadAll(c.reader)
	} else {
		buf = make([]byte, n)
		_, err = io.ReadFull(c.reader, buf)
	}

	if err != nil {
		if err == io.EOF {
			c.mu.Lock()
			c.eof = true
			c.mu.Unlock()
		}
		c.guardIO(err)
		return nil, mugenerrors.NewIOError("read", err)
	}
	c.touch()
	return buf, nil
}

// ReadLine reads up to and including '\n', under the same timeout and
// staleness rules as Read.
func (c *Conn) ReadLine() ([]byte, error) {
	if c.Stale() {
		return nil, mugenerrors.NewConnectionStaleError(c.Key.String())
	}

	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()

	raw.SetReadDeadline(c.readDeadline())
	defer raw.SetReadDeadline(time.Time{})

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			c.mu.Lock()
			c.eof = true
			c.mu.Unlock()
		}
		c.guardIO(err)
		return nil, mugenerrors.NewIOError("readline", err)
	}
	c.touch()
	return line, nil
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// guardIO closes the connection on any I/O failure; a connection that has
// errored mid-stream can never be safely recycled.
func (c *Conn) guardIO(err error) {
	if err == nil {
		return
	}
	logging.Debugf("pconn: closing %s after I/O error: %v", c.Key, err)
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

// IsTimeout reports whether the connection has been idle longer than its
// keep-alive ceiling.
func (c *Conn) IsTimeout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity) > c.keepAliveCeil
}

// Stale reports whether the read half is absent or has reached EOF.
func (c *Conn) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw == nil || c.closed || c.eof
}

// RecycleAllowed reports whether the pool may return this connection to
// idle on Close.
func (c *Conn) RecycleAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recycleAllowed
}

// SetRecycleAllowed toggles recyclability, e.g. after seeing
// "Connection: close" on a response.
func (c *Conn) SetRecycleAllowed(allowed bool) {
	c.mu.Lock()
	c.recycleAllowed = allowed
	c.mu.Unlock()
}

// Close is idempotent. If the connection is still recycleable, not stale,
// and within its keep-alive ceiling, it is handed back to the owning pool
// instead of being torn down.
func (c *Conn) Close() error {
	c.mu.Lock()
	recyclable := c.recycleAllowed && !c.closed && !c.eof && time.Since(c.lastActivity) <= c.keepAliveCeil
	c.mu.Unlock()

	if recyclable && c.pool != nil {
		c.pool.Recycle(c)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Conn) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// Closed reports whether the underlying stream has been torn down.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RawConn exposes the underlying net.Conn, for the proxy engine and
// transport layer to drive handshakes directly.
func (c *Conn) RawConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}
