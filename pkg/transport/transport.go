// Package transport implements the Adapter: it derives the endpoint key
// for a request, obtains a connection from the pool (dialing and driving
// proxy/TLS setup on a miss), writes the request, and parses the response.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mugenhq/mugen/pkg/constants"
	"github.com/mugenhq/mugen/pkg/dnscache"
	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
	"github.com/mugenhq/mugen/pkg/logging"
	"github.com/mugenhq/mugen/pkg/pconn"
	"github.com/mugenhq/mugen/pkg/pool"
	"github.com/mugenhq/mugen/pkg/proxyengine"
	"github.com/mugenhq/mugen/pkg/rawbuf"
	"github.com/mugenhq/mugen/pkg/request"
	"github.com/mugenhq/mugen/pkg/response"
	"github.com/mugenhq/mugen/pkg/timing"
	"github.com/mugenhq/mugen/pkg/tlsconfig"
)

// Options configures connection production: dial timeout and the TLS
// profile applied to direct or tunneled TLS connections.
type Options struct {
	ConnTimeout time.Duration
	TLSConfig   *tls.Config

	// TLSProfile, when set, applies its Min/Max version bounds and the
	// matching recommended cipher suites to TLSConfig (a fresh one is
	// allocated if TLSConfig is nil). TLSConfig's own MinVersion/
	// MaxVersion/CipherSuites, if already set, take precedence.
	TLSProfile *tlsconfig.VersionProfile

	// Dialer overrides how raw TCP connections are produced. Nil uses a
	// net.Dialer with ConnTimeout; tests substitute a fake dialer to drive
	// the adapter over net.Pipe without touching a real socket.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultOptions returns the package defaults.
func DefaultOptions() Options {
	return Options{ConnTimeout: constants.DefaultConnTimeout}
}

// Adapter assembles endpoint keys, acquires or produces connections, and
// drives the request/response round trip.
type Adapter struct {
	pool   *pool.Pool
	dns    *dnscache.Cache
	opts   Options
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New builds an Adapter over a shared pool and DNS cache.
func New(p *pool.Pool, dns *dnscache.Cache, opts Options) *Adapter {
	if opts.ConnTimeout <= 0 {
		opts.ConnTimeout = constants.DefaultConnTimeout
	}
	if opts.TLSProfile != nil {
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{}
		}
		if opts.TLSConfig.MinVersion == 0 && opts.TLSConfig.MaxVersion == 0 {
			tlsconfig.ApplyVersionProfile(opts.TLSConfig, *opts.TLSProfile)
		}
		if opts.TLSConfig.CipherSuites == nil {
			tlsconfig.ApplyCipherSuites(opts.TLSConfig, opts.TLSProfile.Min)
		}
	}
	a := &Adapter{pool: p, dns: dns, opts: opts}
	if opts.Dialer != nil {
		a.dialer = opts.Dialer
	} else {
		a.dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: opts.ConnTimeout}
			return d.DialContext(ctx, network, addr)
		}
	}
	return a
}

// Target describes where a request is going: the direct endpoint, or a
// proxy plus the ultimate target.
type Target struct {
	URL   *url.URL
	TLS   bool
	Proxy *proxyengine.Config
}

// Obtain returns a ready-to-write connection for target: pooled if one is
// idle and still good, freshly dialed (and proxy/TLS-tunneled) otherwise.
// recycle=false always produces a fresh, non-poolable connection.
func (a *Adapter) Obtain(ctx context.Context, target Target, recycle bool) (*pconn.Conn, *timing.Timer, error) {
	timer := timing.NewTimer()
	key, err := a.deriveKey(ctx, target, timer)
	if err != nil {
		return nil, timer, err
	}

	if recycle {
		if c, ok := a.pool.Acquire(key); ok {
			logging.Debugf("transport: reusing pooled connection for %s", key)
			return c, timer, nil
		}
	}

	conn, err := a.dial(ctx, target, key, recycle, timer)
	if err != nil {
		return nil, timer, err
	}
	return conn, timer, nil
}

func (a *Adapter) deriveKey(ctx context.Context, target Target, timer *timing.Timer) (pconn.Key, error) {
	host := target.URL.Hostname()
	port := portOf(target.URL, target.TLS)

	if target.Proxy == nil {
		if ip := net.ParseIP(host); ip != nil {
			kind := pconn.DirectPlain
			if target.TLS {
				kind = pconn.DirectTLS
			}
			return pconn.Key{Kind: kind, Host: host, Port: port}, nil
		}

		if target.TLS {
			// TLS endpoints key on hostname rather than resolved IP so SNI
			// and session reuse line up across repeated calls to a host.
			return pconn.Key{Kind: pconn.DirectTLS, Host: host, Port: port}, nil
		}

		timer.StartDNS()
		entry, err := a.dns.Resolve(ctx, host, port, false)
		timer.EndDNS()
		if err != nil {
			return pconn.Key{}, err
		}
		return pconn.Key{Kind: pconn.DirectPlain, Host: entry.IP, Port: entry.Port}, nil
	}

	timer.StartDNS()
	proxyEntry, err := a.dns.Resolve(ctx, target.Proxy.Host, target.Proxy.Port, false)
	timer.EndDNS()
	if err != nil {
		return pconn.Key{}, err
	}

	if target.TLS {
		return pconn.Key{Kind: pconn.HTTPProxyTLS, Host: proxyEntry.IP, Port: proxyEntry.Port, TargetHost: host}, nil
	}
	return pconn.Key{Kind: pconn.HTTPProxyPlain, Host: proxyEntry.IP, Port: proxyEntry.Port}, nil
}

func portOf(u *url.URL, tlsTarget bool) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if tlsTarget {
		return 443
	}
	return 80
}

func (a *Adapter) dial(ctx context.Context, target Target, key pconn.Key, recycle bool, timer *timing.Timer) (*pconn.Conn, error) {
	host := target.URL.Hostname()
	port := portOf(target.URL, target.TLS)

	var dialAddr string
	if target.Proxy != nil {
		dialAddr = net.JoinHostPort(target.Proxy.Host, strconv.Itoa(target.Proxy.Port))
	} else {
		dialAddr = net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	}

	timer.StartTCP()
	raw, err := a.dialer(ctx, "tcp", dialAddr)
	timer.EndTCP()
	if err != nil {
		return nil, mugenerrors.NewConnectionError(host, port, err)
	}

	var releaser pconn.Releaser
	if recycle {
		releaser = a.pool
	}
	conn := pconn.New(raw, key, recycle, releaser)

	if target.Proxy == nil {
		if target.TLS {
			timer.StartTLS()
			err := conn.SSLHandshake(ctx, host, a.opts.TLSConfig)
			timer.EndTLS()
			if err != nil {
				return nil, err
			}
		}
		return conn, nil
	}

	switch target.Proxy.Scheme {
	case proxyengine.SchemeHTTP:
		if target.TLS {
			timer.StartTLS()
			err := proxyengine.ConnectHTTP(ctx, conn, target.Proxy, host, port, true, a.opts.TLSConfig)
			timer.EndTLS()
			if err != nil {
				conn.SetRecycleAllowed(false)
				conn.Close()
				return nil, err
			}
		}
		// A plaintext target behind an HTTP proxy skips the CONNECT
		// handshake entirely; the request is written in absolute form.
		return conn, nil
	case proxyengine.SchemeSocks5:
		timer.StartTLS()
		err := proxyengine.ConnectSocks5(ctx, conn, target.Proxy, host, port, target.TLS, a.opts.TLSConfig)
		timer.EndTLS()
		if err != nil {
			conn.SetRecycleAllowed(false)
			conn.Close()
			return nil, err
		}
		return conn, nil
	default:
		conn.SetRecycleAllowed(false)
		conn.Close()
		return nil, mugenerrors.NewUnknownProxySchemeError(string(target.Proxy.Scheme))
	}
}

// Send writes a built request to conn in a single write: request line,
// header block, blank line, then the body if present.
func (a *Adapter) Send(conn *pconn.Conn, built *request.Built) error {
	buf := make([]byte, 0, len(built.RequestLine)+len(built.HeaderBlock)+2+len(built.Body))
	buf = append(buf, built.RequestLine...)
	buf = append(buf, built.HeaderBlock...)
	buf = append(buf, "\r\n"...)
	buf = append(buf, built.Body...)
	return conn.Send(buf)
}

// Receive reads and parses a response from conn, marking it non-recyclable
// and closing it when the server asked for Connection: close. A deadline
// on ctx cuts the blocking reads short even when it's tighter than the
// connection's own CONN_READ_TIMEOUT.
func (a *Adapter) Receive(ctx context.Context, conn *pconn.Conn, method string, encoding string, timer *timing.Timer, rawCapture *rawbuf.Buffer) (*response.Response, error) {
	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
		defer conn.SetDeadline(time.Time{})
	}

	timer.StartTTFB()
	resp, err := response.Parse(conn, method, encoding, rawCapture)
	timer.EndTTFB()
	if err != nil {
		return nil, err
	}

	if resp.CloseWanted() {
		conn.SetRecycleAllowed(false)
		conn.Close()
	}

	m := timer.GetMetrics()
	resp.Timings = &m
	return resp, nil
}
