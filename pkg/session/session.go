// Package session implements the caller-facing Session: cookie-jar
// accumulation, default headers, redirect-loop detection, and per-call
// deadlines layered on top of the transport Adapter.
package session

import (
	"context"
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	"github.com/mugenhq/mugen/pkg/constants"
	"github.com/mugenhq/mugen/pkg/cookiejar"
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
	"github.com/mugenhq/mugen/pkg/transport"
)

// Options configures a Session.
type Options struct {
	Headers      *request.Header
	Cookies      map[string]string
	Recycle      bool
	Encoding     string
	MaxPool      int
	MaxTasks     int
	ConnTimeout  time.Duration
	MaxRedirects int
	TLSConfig    *tls.Config

	// TLSProfile sets the version/cipher-suite floor for every TLS
	// connection this session opens, direct or proxy-tunneled. See
	// tlsconfig.ProfileModern/Secure/Compatible/Legacy.
	TLSProfile *tlsconfig.VersionProfile
}

// Session holds the state a caller's requests accumulate across calls: the
// cookie jar, default headers, and the shared pool/adapter/DNS cache this
// session's requests all flow through.
type Session struct {
	headers      *request.Header
	jar          *cookiejar.Jar
	recycle      bool
	encoding     string
	maxRedirects int

	pool    *pool.Pool
	dns     *dnscache.Cache
	adapter *transport.Adapter
}

// New builds a Session with its own pool, DNS cache, and adapter — an
// explicitly-owned value rather than a process-wide singleton.
func New(opts Options) *Session {
	poolCfg := pool.DefaultConfig()
	if opts.MaxPool > 0 {
		poolCfg.MaxPool = opts.MaxPool
	}
	if opts.MaxTasks > 0 {
		poolCfg.MaxTasks = opts.MaxTasks
	}

	p := pool.New(poolCfg)
	dns := dnscache.New(constants.DNSCacheMax)
	adapterOpts := transport.DefaultOptions()
	if opts.ConnTimeout > 0 {
		adapterOpts.ConnTimeout = opts.ConnTimeout
	}
	if opts.TLSConfig != nil {
		adapterOpts.TLSConfig = opts.TLSConfig
	}
	if opts.TLSProfile != nil {
		adapterOpts.TLSProfile = opts.TLSProfile
	}

	headers := opts.Headers
	if headers == nil {
		headers = request.NewHeader()
	}

	jar := cookiejar.New()
	for k, v := range opts.Cookies {
		jar.Set(k, v)
	}

	encoding := opts.Encoding
	if encoding == "" {
		encoding = constants.DefaultEncoding
	}

	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = constants.MaxRedirections
	}

	return &Session{
		headers:      headers,
		jar:          jar,
		recycle:      opts.Recycle,
		encoding:     encoding,
		maxRedirects: maxRedirects,
		pool:         p,
		dns:          dns,
		adapter:      transport.New(p, dns, adapterOpts),
	}
}

// Cookies exposes the session's accumulated cookie jar as a plain map.
func (s *Session) Cookies() map[string]string {
	return s.jar.GetDict()
}

// Clear discards cookies and resets default headers, keeping the session
// otherwise usable.
func (s *Session) Clear() {
	s.jar.Clear()
	s.headers = request.NewHeader()
}

// Close stops the background sweeper and tears down idle connections.
func (s *Session) Close() {
	s.pool.Close()
}

// PoolStats reports a snapshot of this session's idle connection pool:
// bucket count and idle connections held per endpoint key.
func (s *Session) PoolStats() pool.Stats {
	return s.pool.Stats()
}

// Call describes a single request.
type Call struct {
	Method         string
	URL            string
	Params         map[string]string
	Headers        *request.Header
	Data           interface{} // map[string]interface{}, string, or []byte
	Cookies        map[string]string
	Proxy          string
	ProxyAuth      *request.ProxyAuth
	AllowRedirects *bool // nil uses the method's default
	Recycle        *bool // nil uses the session default
	Encoding       string
	Timeout        time.Duration
	Connection     *pconn.Conn // explicit connection, bypassing key derivation; after a CONNECT, Response.Request.Connection holds the open tunnel
	CaptureRaw     bool        // when true, Response.Raw holds the exact bytes read off the wire
}

// Response is a parsed response plus the redirect chain and echoed request
// that produced it.
type Response struct {
	*response.Response
	History []*Response
	Request *Call
}

// Request performs a single logical call: a redirect chain when
// AllowRedirects resolves true, a single hop otherwise. The whole chain is
// wrapped in one deadline when Timeout is set.
func (s *Session) Request(ctx context.Context, call Call) (*Response, error) {
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	allow := call.AllowRedirects == nil || *call.AllowRedirects
	if allow {
		resp, err := s.redirectLoop(ctx, call)
		return resp, wrapTimeout(ctx, call.Timeout, err)
	}
	resp, err := s.doRequest(ctx, call)
	return resp, wrapTimeout(ctx, call.Timeout, err)
}

func wrapTimeout(ctx context.Context, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		timeoutErr := mugenerrors.NewTimeoutError("request", timeout)
		timeoutErr.Cause = err
		return timeoutErr
	}
	return err
}

// Get issues a GET request.
func (s *Session) Get(ctx context.Context, rawURL string, opts ...func(*Call)) (*Response, error) {
	c := Call{Method: "GET", URL: rawURL}
	for _, o := range opts {
		o(&c)
	}
	return s.Request(ctx, c)
}

// Post issues a POST request.
func (s *Session) Post(ctx context.Context, rawURL string, data interface{}, opts ...func(*Call)) (*Response, error) {
	c := Call{Method: "POST", URL: rawURL, Data: data}
	for _, o := range opts {
		o(&c)
	}
	return s.Request(ctx, c)
}

// Head issues a HEAD request. Redirects are not followed unless the caller
// overrides AllowRedirects.
func (s *Session) Head(ctx context.Context, rawURL string, opts ...func(*Call)) (*Response, error) {
	no := false
	c := Call{Method: "HEAD", URL: rawURL, AllowRedirects: &no}
	for _, o := range opts {
		o(&c)
	}
	return s.Request(ctx, c)
}

func (s *Session) redirectLoop(ctx context.Context, call Call) (*Response, error) {
	visited := map[string]bool{call.URL: true}
	var history []*Response

	current := call
	for {
		resp, err := s.doRequest(ctx, current)
		if err != nil {
			return nil, err
		}

		location, ok := resp.Header("Location")
		if !ok {
			resp.History = history
			return resp, nil
		}

		history = append(history, resp)
		if len(history) > s.maxRedirects {
			return nil, mugenerrors.NewTooManyRedirectionsError(s.maxRedirects)
		}

		nextURL, err := resolveLocation(current.URL, location)
		if err != nil {
			return nil, err
		}
		if visited[nextURL] {
			return nil, mugenerrors.NewRedirectLoopError(nextURL)
		}
		visited[nextURL] = true
		logging.Debugf("session: redirecting %s -> %s", current.URL, nextURL)

		next := current
		next.URL = nextURL
		// A redirect response carries no body of its own to resend, and a
		// caller-pinned connection belonged to the prior hop's endpoint.
		next.Data = nil
		next.Connection = nil
		current = next
	}
}

func resolveLocation(currentURL, location string) (string, error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", mugenerrors.NewValidationError("invalid current URL: " + currentURL)
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", mugenerrors.NewValidationError("invalid Location header: " + location)
	}
	return base.ResolveReference(loc).String(), nil
}

func (s *Session) doRequest(ctx context.Context, call Call) (*Response, error) {
	u, err := url.Parse(call.URL)
	if err != nil {
		return nil, mugenerrors.NewValidationError("invalid URL: " + call.URL)
	}

	for k, v := range call.Cookies {
		s.jar.Set(k, v)
	}

	headers := call.Headers
	if headers == nil {
		headers = s.headers
	}

	var proxyCfg *proxyengine.Config
	var proxyAuth *request.ProxyAuth
	if call.Proxy != "" {
		proxyCfg, err = proxyengine.ParseProxyURL(call.Proxy)
		if err != nil {
			return nil, err
		}
		if proxyCfg.HasAuth {
			proxyAuth = &request.ProxyAuth{User: proxyCfg.User, Pass: proxyCfg.Pass}
		}
	}
	if call.ProxyAuth != nil {
		proxyAuth = call.ProxyAuth
	}

	isTLS := strings.EqualFold(u.Scheme, "https")
	// A plaintext request routed through an HTTP proxy is written in
	// absolute form so the proxy knows where to relay it. A TLS request
	// is only ever proxied via a CONNECT tunnel, after which the proxy is
	// invisible and the request is written in origin form like a direct
	// connection.
	isProxied := proxyCfg != nil && !isTLS && strings.ToUpper(call.Method) != "CONNECT"

	req := &request.Request{
		Method:    call.Method,
		URL:       u,
		Params:    call.Params,
		Headers:   headers,
		Body:      bodyOf(call.Data),
		CookieHdr: s.jar.FormatCookieHeader(),
		ProxyAuth: proxyAuth,
		IsProxied: isProxied,
	}

	built, err := req.Build()
	if err != nil {
		return nil, err
	}

	recycle := s.recycle
	if call.Recycle != nil {
		recycle = *call.Recycle
	}
	if strings.ToUpper(call.Method) == "CONNECT" {
		recycle = false
	}

	conn := call.Connection
	var timer *timing.Timer
	if conn == nil {
		target := transport.Target{URL: u, TLS: isTLS, Proxy: proxyCfg}
		var tErr error
		conn, timer, tErr = s.adapter.Obtain(ctx, target, recycle)
		if tErr != nil {
			return nil, tErr
		}
	} else {
		timer = timing.NewTimer()
	}

	// The call deadline bounds the request write as well as the reads, so
	// a peer that never reads cannot hold the call past its Timeout.
	raw := conn.RawConn()
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline && raw != nil {
		raw.SetWriteDeadline(deadline)
	}
	sendErr := s.adapter.Send(conn, built)
	if hasDeadline && raw != nil {
		raw.SetWriteDeadline(time.Time{})
	}
	if sendErr != nil {
		conn.SetRecycleAllowed(false)
		conn.Close()
		return nil, sendErr
	}

	encoding := call.Encoding
	if encoding == "" {
		encoding = s.encoding
		if encoding == constants.DefaultEncoding {
			encoding = "" // let Response.Text() sniff rather than force utf-8
		}
	}

	var rawCapture *rawbuf.Buffer
	if call.CaptureRaw {
		rawCapture = rawbuf.New(0)
	}
	resp, err := s.adapter.Receive(ctx, conn, call.Method, encoding, timer, rawCapture)
	if err != nil {
		conn.SetRecycleAllowed(false)
		conn.Close()
		return nil, err
	}

	if len(resp.SetCookies) > 0 {
		logging.Debugf("session: merging %d Set-Cookie header(s) from %s", len(resp.SetCookies), call.URL)
	}
	for _, line := range resp.SetCookies {
		s.jar.LoadSetCookie([]string{line})
	}

	if strings.ToUpper(call.Method) != "CONNECT" {
		conn.Close()
	} else {
		// The tunnel stays open and is handed back on the echoed Call.
		call.Connection = conn
	}

	return &Response{Response: resp, Request: &call}, nil
}

func bodyOf(data interface{}) *request.Body {
	if data == nil {
		return nil
	}
	switch v := data.(type) {
	case map[string]interface{}:
		return &request.Body{Form: v}
	case string:
		return &request.Body{Text: v}
	case []byte:
		return &request.Body{Bytes: v}
	default:
		return nil
	}
}
