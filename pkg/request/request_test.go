package request

import (
	"net/url"
	"strings"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestBuildOriginForm(t *testing.T) {
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com/path?a=1")}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.RequestLine != "GET /path?a=1 HTTP/1.1\r\n" {
		t.Fatalf("got %q", built.RequestLine)
	}
	if !strings.Contains(built.HeaderBlock, "Host: example.com\r\n") {
		t.Fatalf("expected Host header, got %q", built.HeaderBlock)
	}
}

func TestBuildEmptyPathBecomesSlash(t *testing.T) {
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com")}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.RequestLine != "GET / HTTP/1.1\r\n" {
		t.Fatalf("got %q", built.RequestLine)
	}
}

func TestBuildAbsoluteFormWhenProxied(t *testing.T) {
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com/path"), IsProxied: true}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.RequestLine != "GET http://example.com/path HTTP/1.1\r\n" {
		t.Fatalf("got %q", built.RequestLine)
	}
}

func TestBuildConnectTarget(t *testing.T) {
	r := &Request{Method: "CONNECT", URL: mustURL(t, "https://example.com")}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if built.RequestLine != "CONNECT example.com:443 HTTP/1.1\r\n" {
		t.Fatalf("got %q", built.RequestLine)
	}
}

func TestBuildPostEmptyBodyGetsContentLengthZero(t *testing.T) {
	r := &Request{Method: "POST", URL: mustURL(t, "http://example.com/post")}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(built.HeaderBlock, "Content-Length: 0\r\n") {
		t.Fatalf("expected Content-Length: 0, got %q", built.HeaderBlock)
	}
}

func TestBuildFormBody(t *testing.T) {
	r := &Request{
		Method: "POST",
		URL:    mustURL(t, "http://example.com/post"),
		Body:   &Body{Form: map[string]interface{}{"k": "v"}},
	}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if string(built.Body) != "k=v" {
		t.Fatalf("got body %q", built.Body)
	}
	if !strings.Contains(built.HeaderBlock, "Content-Type: application/x-www-form-urlencoded\r\n") {
		t.Fatalf("expected form content type, got %q", built.HeaderBlock)
	}
	if !strings.Contains(built.HeaderBlock, "Content-Length: 3\r\n") {
		t.Fatalf("expected Content-Length: 3, got %q", built.HeaderBlock)
	}
}

func TestBuildDefaultHeadersDoNotOverrideCaller(t *testing.T) {
	h := NewHeader()
	h.Set("User-Agent", "custom/1.0")
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com/"), Headers: h}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(built.HeaderBlock, "User-Agent: custom/1.0\r\n") {
		t.Fatalf("expected caller's User-Agent to survive, got %q", built.HeaderBlock)
	}
}

func TestBuildCookieHeader(t *testing.T) {
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com/"), CookieHdr: "k=v;"}
	built, err := r.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(built.HeaderBlock, "Cookie: k=v;\r\n") {
		t.Fatalf("expected Cookie header, got %q", built.HeaderBlock)
	}
}

func TestBuildInvalidHeaderNameRejected(t *testing.T) {
	h := NewHeader()
	h.Set("Bad Name", "x")
	r := &Request{Method: "GET", URL: mustURL(t, "http://example.com/"), Headers: h}
	if _, err := r.Build(); err == nil {
		t.Fatalf("expected invalid header name to be rejected")
	}
}
