// Package request builds wire-format HTTP/1.1 requests: request line,
// header block, and body bytes, from high-level fields.
package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/mugenhq/mugen/pkg/constants"
	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
)

// Header is a case-insensitive, insertion-order-preserving header map.
// Lookup is by lowercased key; original casing survives for serialization.
type Header struct {
	order []string          // original-case keys, insertion order
	store map[string]string // lowercased key -> value
	cased map[string]string // lowercased key -> original-case key
}

// NewHeader returns an empty header map.
func NewHeader() *Header {
	return &Header{
		store: make(map[string]string),
		cased: make(map[string]string),
	}
}

// Set stores a header value, replacing any existing value for the same
// name regardless of casing.
func (h *Header) Set(name, value string) {
	lower := strings.ToLower(name)
	if _, exists := h.store[lower]; !exists {
		h.order = append(h.order, name)
	}
	h.cased[lower] = name
	h.store[lower] = value
}

// Get looks up a header case-insensitively.
func (h *Header) Get(name string) (string, bool) {
	v, ok := h.store[strings.ToLower(name)]
	return v, ok
}

// Has reports whether name is present, case-insensitively.
func (h *Header) Has(name string) bool {
	_, ok := h.store[strings.ToLower(name)]
	return ok
}

// Keys returns header names in insertion order, original casing.
func (h *Header) Keys() []string {
	return h.order
}

// DefaultHeaders returns mugen's default header set: overridable by the
// caller, applied only where not already set.
func DefaultHeaders() *Header {
	h := NewHeader()
	h.Set("User-Agent", constants.DefaultUserAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", "deflate, gzip")
	h.Set("Connection", "Keep-Alive")
	return h
}

// Body is the request body source before encoding.
type Body struct {
	Form  map[string]interface{} // form-encoded on send
	Bytes []byte
	Text  string
}

// IsEmpty reports whether the body carries no content.
func (b *Body) IsEmpty() bool {
	return b == nil || (len(b.Form) == 0 && len(b.Bytes) == 0 && b.Text == "")
}

// Request holds the fields needed to build a wire-format HTTP/1.1 message.
type Request struct {
	Method    string
	URL       *url.URL
	Params    map[string]string
	Headers   *Header
	Body      *Body
	CookieHdr string // pre-serialized Cookie header value, or ""
	ProxyAuth *ProxyAuth
	IsProxied bool // true when a non-CONNECT request goes through a proxy (absolute-form target)
}

// ProxyAuth carries Basic credentials for Proxy-Authorization.
type ProxyAuth struct {
	User string
	Pass string
}

// Built is the wire-format output: request line, header block (each line
// CRLF-terminated), and body bytes.
type Built struct {
	RequestLine string
	HeaderBlock string
	Body        []byte
}

// Build assembles the request line, headers, and body per spec.md's
// request-target and mandatory-header rules.
func (r *Request) Build() (*Built, error) {
	target := r.target()

	bodyBytes, contentType, err := r.encodeBody()
	if err != nil {
		return nil, err
	}

	headers := r.buildHeaders(bodyBytes, contentType)

	var headerBuf bytes.Buffer
	for _, name := range headers.Keys() {
		value, _ := headers.Get(name)
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, mugenerrors.NewValidationError(fmt.Sprintf("invalid header name %q", name))
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, mugenerrors.NewValidationError(fmt.Sprintf("invalid header value for %q", name))
		}
		fmt.Fprintf(&headerBuf, "%s: %s\r\n", name, value)
	}

	requestLine := fmt.Sprintf("%s %s %s\r\n", strings.ToUpper(r.Method), target, constants.HTTPVersion)

	return &Built{
		RequestLine: requestLine,
		HeaderBlock: headerBuf.String(),
		Body:        bodyBytes,
	}, nil
}

func (r *Request) target() string {
	if strings.ToUpper(r.Method) == "CONNECT" {
		port := r.URL.Port()
		if port == "" {
			port = "443"
		}
		return r.URL.Hostname() + ":" + port
	}

	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := r.mergedQuery()
	pathAndQuery := path
	if query != "" {
		pathAndQuery += "?" + query
	}

	if r.IsProxied {
		scheme := r.URL.Scheme
		hostport := r.URL.Host
		return fmt.Sprintf("%s://%s%s", scheme, hostport, pathAndQuery)
	}
	return pathAndQuery
}

func (r *Request) mergedQuery() string {
	q := r.URL.Query()
	for k, v := range r.Params {
		q.Set(k, v)
	}
	if len(q) == 0 {
		return r.URL.RawQuery
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range q[k] {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, "&")
}

func (r *Request) encodeBody() (data []byte, contentType string, err error) {
	if r.Body == nil {
		return nil, "", nil
	}
	switch {
	case len(r.Body.Form) > 0:
		encoded, err := formEncode(r.Body.Form)
		if err != nil {
			return nil, "", err
		}
		return []byte(encoded), "application/x-www-form-urlencoded", nil
	case len(r.Body.Bytes) > 0:
		return r.Body.Bytes, "", nil
	case r.Body.Text != "":
		return []byte(r.Body.Text), "", nil
	default:
		return nil, "", nil
	}
}

func formEncode(form map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := form[k]
		var s string
		if str, ok := v.(string); ok {
			s = str
		} else {
			b, err := json.Marshal(v)
			if err != nil {
				return "", mugenerrors.NewValidationError(fmt.Sprintf("cannot encode form value for %q: %v", k, err))
			}
			s = string(b)
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(s))
	}
	return strings.Join(parts, "&"), nil
}

func (r *Request) buildHeaders(bodyBytes []byte, contentType string) *Header {
	h := NewHeader()

	if r.Headers != nil {
		for _, name := range r.Headers.Keys() {
			value, _ := r.Headers.Get(name)
			h.Set(name, value)
		}
	}

	if !h.Has("Host") {
		h.Set("Host", r.URL.Host)
	}

	method := strings.ToUpper(r.Method)
	if len(bodyBytes) == 0 && method == "POST" {
		h.Set("Content-Length", "0")
	} else if len(bodyBytes) > 0 {
		h.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
		if contentType != "" && !h.Has("Content-Type") {
			h.Set("Content-Type", contentType)
		}
	}

	if r.ProxyAuth != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(r.ProxyAuth.User + ":" + r.ProxyAuth.Pass))
		h.Set("Proxy-Authorization", "Basic "+creds)
		h.Set("Proxy-Connection", "Keep-Alive")
	}

	if r.CookieHdr != "" && !h.Has("Cookie") {
		h.Set("Cookie", r.CookieHdr)
	}

	defaults := DefaultHeaders()
	for _, name := range defaults.Keys() {
		if !h.Has(name) {
			v, _ := defaults.Get(name)
			h.Set(name, v)
		}
	}

	return h
}
