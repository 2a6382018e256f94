package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"testing"

	"github.com/mugenhq/mugen/pkg/dnscache"
	"github.com/mugenhq/mugen/pkg/pool"
	"github.com/mugenhq/mugen/pkg/request"
	"github.com/mugenhq/mugen/pkg/tlsconfig"
)

func newTestAdapter(t *testing.T, serverConn net.Conn) *Adapter {
	t.Helper()
	p := pool.New(pool.DefaultConfig())
	t.Cleanup(p.Close)

	opts := DefaultOptions()
	opts.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return serverConn, nil
	}
	return New(p, dnscache.New(10), opts)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestObtainDirectPlainDialsFreshConnection(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	a := newTestAdapter(t, client)

	target := Target{URL: mustParseURL(t, "http://example.com/"), TLS: false}
	conn, timer, err := a.Obtain(context.Background(), target, true)
	if err != nil {
		t.Fatalf("obtain failed: %v", err)
	}
	if conn == nil || timer == nil {
		t.Fatalf("expected a connection and timer")
	}
}

func TestSendWritesRequestLineHeadersAndBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	a := newTestAdapter(t, client)

	target := Target{URL: mustParseURL(t, "http://example.com/"), TLS: false}
	conn, _, err := a.Obtain(context.Background(), target, false)
	if err != nil {
		t.Fatalf("obtain failed: %v", err)
	}

	built := &request.Built{
		RequestLine: "GET / HTTP/1.1\r\n",
		HeaderBlock: "Host: example.com\r\n",
		Body:        nil,
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	if err := a.Send(conn, built); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got := string(<-done)
	want := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReceiveClosesConnectionOnConnectionClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	a := newTestAdapter(t, client)

	target := Target{URL: mustParseURL(t, "http://example.com/"), TLS: false}
	conn, timer, err := a.Obtain(context.Background(), target, true)
	if err != nil {
		t.Fatalf("obtain failed: %v", err)
	}

	go func() {
		server.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	resp, err := a.Receive(context.Background(), conn, "GET", "", timer, nil)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if string(resp.Content) != "hello" {
		t.Fatalf("got body %q", resp.Content)
	}
	if !conn.Closed() {
		t.Fatalf("expected connection to be closed after Connection: close")
	}
}

func TestNewAppliesTLSProfileWhenConfigUnset(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	defer p.Close()

	opts := DefaultOptions()
	profile := tlsconfig.ProfileModern
	opts.TLSProfile = &profile

	a := New(p, dnscache.New(10), opts)
	if a.opts.TLSConfig == nil {
		t.Fatalf("expected a TLSConfig to be allocated for the profile")
	}
	if a.opts.TLSConfig.MinVersion != tlsconfig.VersionTLS13 || a.opts.TLSConfig.MaxVersion != tlsconfig.VersionTLS13 {
		t.Fatalf("expected TLS 1.3-only bounds from ProfileModern, got min=%x max=%x", a.opts.TLSConfig.MinVersion, a.opts.TLSConfig.MaxVersion)
	}
}

func TestNewLeavesExplicitTLSConfigVersionsAlone(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	defer p.Close()

	opts := DefaultOptions()
	profile := tlsconfig.ProfileModern
	opts.TLSProfile = &profile
	opts.TLSConfig = &tls.Config{MinVersion: tlsconfig.VersionTLS12}

	a := New(p, dnscache.New(10), opts)
	if a.opts.TLSConfig.MinVersion != tlsconfig.VersionTLS12 {
		t.Fatalf("expected caller's own MinVersion to win, got %x", a.opts.TLSConfig.MinVersion)
	}
}

func TestPortOfDefaultsByScheme(t *testing.T) {
	if got := portOf(mustParseURL(t, "http://example.com/"), false); got != 80 {
		t.Fatalf("got %d, want 80", got)
	}
	if got := portOf(mustParseURL(t, "https://example.com/"), true); got != 443 {
		t.Fatalf("got %d, want 443", got)
	}
	if got := portOf(mustParseURL(t, "http://example.com:9000/"), false); got != 9000 {
		t.Fatalf("got %d, want 9000", got)
	}
}
