// Package mugen is an asynchronous-feeling, synchronous-API HTTP/1.1
// client: a raw socket-level implementation of GET/POST/HEAD plus a
// Session type for cookie/connection reuse across calls, built the way
// the teacher built its raw HTTP client rather than on top of net/http.
package mugen

import (
	"context"

	"github.com/mugenhq/mugen/pkg/response"
	"github.com/mugenhq/mugen/pkg/session"
)

// Option mutates a single call before it's sent. The session package's
// Call fields are the mutation surface.
type Option = func(*session.Call)

// SessionOption mutates a Session's construction Options.
type SessionOption = func(*session.Options)

// NewSession builds a Session with its own connection pool, DNS cache,
// and cookie jar.
func NewSession(opts ...SessionOption) *session.Session {
	var o session.Options
	for _, fn := range opts {
		fn(&o)
	}
	return session.New(o)
}

var defaultSession = session.New(session.Options{})

// Get issues a one-off GET request against the package-level default
// session.
func Get(ctx context.Context, url string, opts ...Option) (*response.Response, error) {
	resp, err := defaultSession.Get(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// Post issues a one-off POST request against the package-level default
// session. data is a map[string]interface{} (form-encoded), a string, or
// a []byte.
func Post(ctx context.Context, url string, data interface{}, opts ...Option) (*response.Response, error) {
	resp, err := defaultSession.Post(ctx, url, data, opts...)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// Head issues a one-off HEAD request against the package-level default
// session. Redirects are not followed unless an Option overrides
// AllowRedirects.
func Head(ctx context.Context, url string, opts ...Option) (*response.Response, error) {
	resp, err := defaultSession.Head(ctx, url, opts...)
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}
