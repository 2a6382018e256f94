// Package proxyengine drives HTTP CONNECT tunnels and byte-exact SOCKS5
// handshakes over an already-dialed pconn.Conn.
package proxyengine

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
	"github.com/mugenhq/mugen/pkg/logging"
	"github.com/mugenhq/mugen/pkg/pconn"
)

// Scheme is a supported proxy scheme.
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeSocks5 Scheme = "socks5"
)

// Config describes a parsed proxy URL.
type Config struct {
	Scheme  Scheme
	Host    string
	Port    int
	User    string
	Pass    string
	HasAuth bool
}

// ParseProxyURL parses `scheme://[user:pass@]host:port`, narrowed to the
// two schemes spec.md names. Any other scheme raises UnknownProxyScheme.
func ParseProxyURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, mugenerrors.NewValidationError(fmt.Sprintf("invalid proxy URL %q: %v", raw, err))
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case "http":
		scheme = SchemeHTTP
	case "socks5":
		scheme = SchemeSocks5
	default:
		return nil, mugenerrors.NewUnknownProxySchemeError(u.Scheme)
	}

	host := u.Hostname()
	portStr := u.Port()
	if host == "" {
		return nil, mugenerrors.NewValidationError(fmt.Sprintf("proxy URL %q has no host", raw))
	}

	port := 8080
	if scheme == SchemeSocks5 {
		port = 1080
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, mugenerrors.NewValidationError(fmt.Sprintf("invalid proxy port %q", portStr))
		}
		port = p
	}

	cfg := &Config{Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Pass, _ = u.User.Password()
		cfg.HasAuth = true
	}
	return cfg, nil
}

// ConnectHTTP performs the HTTP CONNECT handshake over conn, then upgrades
// it to TLS with SNI=targetHost if tlsTarget is true. conn must already be
// dialed plaintext to the proxy.
func ConnectHTTP(ctx context.Context, conn *pconn.Conn, cfg *Config, targetHost string, targetPort int, tlsTarget bool, tlsConfig *tls.Config) error {
	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	logging.Debugf("proxyengine: CONNECT %s via %s:%d", target, cfg.Host, cfg.Port)

	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", target)
	fmt.Fprintf(&b, "Host: %s\r\n", target)
	if cfg.HasAuth {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", creds)
		b.WriteString("Proxy-Connection: Keep-Alive\r\n")
	}
	b.WriteString("\r\n")

	if err := conn.Send([]byte(b.String())); err != nil {
		return err
	}

	statusLine, err := conn.ReadLine()
	if err != nil {
		return err
	}

	fields := strings.SplitN(strings.TrimSpace(string(statusLine)), " ", 3)
	if len(fields) < 2 {
		return mugenerrors.NewProxyProtocolError(target, "malformed CONNECT status line", nil)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 200 || code >= 300 {
		return mugenerrors.NewProxyProtocolError(target, fmt.Sprintf("proxy refused CONNECT: %s", strings.TrimSpace(string(statusLine))), nil)
	}

	// Drain header lines until the blank line that terminates the CONNECT response.
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return err
		}
		if string(line) == "\r\n" || string(line) == "\n" {
			break
		}
	}

	if tlsTarget {
		if err := conn.SSLHandshake(ctx, targetHost, tlsConfig); err != nil {
			return err
		}
	}
	return nil
}

// socks5 status/method constants, named after the RFC 1928 wire values.
const (
	socks5Version      = 0x05
	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	userPassVersion = 0x01
	authSuccess     = 0x00
)

// ConnectSocks5 performs the byte-exact SOCKS5 greeting, optional
// username/password subnegotiation, and CONNECT request over conn, then
// upgrades to TLS with SNI=targetHost if tlsTarget is true.
func ConnectSocks5(ctx context.Context, conn *pconn.Conn, cfg *Config, targetHost string, targetPort int, tlsTarget bool, tlsConfig *tls.Config) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	if err := socks5Greet(conn, cfg, addr); err != nil {
		return err
	}
	if err := socks5Connect(conn, targetHost, targetPort, addr); err != nil {
		return err
	}

	conn.MarkSocksEstablished()

	if tlsTarget {
		if err := conn.SSLHandshake(ctx, targetHost, tlsConfig); err != nil {
			return err
		}
	}
	return nil
}

func socks5Greet(conn *pconn.Conn, cfg *Config, addr string) error {
	var greeting []byte
	if cfg.HasAuth {
		greeting = []byte{socks5Version, 0x02, methodNoAuth, methodUserPass}
	} else {
		greeting = []byte{socks5Version, 0x01, methodNoAuth}
	}
	if err := conn.Send(greeting); err != nil {
		return err
	}

	reply, err := conn.Read(2)
	if err != nil {
		return err
	}
	if reply[0] != socks5Version {
		return mugenerrors.NewProxyProtocolError(addr, "unexpected SOCKS version in method reply", nil)
	}

	switch reply[1] {
	case methodNoAuth:
		return nil
	case methodUserPass:
		return socks5Auth(conn, cfg, addr)
	case methodNoAcceptable:
		return mugenerrors.NewProxyAuthError(addr, "all offered authentication methods were rejected")
	default:
		return mugenerrors.NewProxyProtocolError(addr, fmt.Sprintf("unsupported auth method 0x%02x", reply[1]), nil)
	}
}

func socks5Auth(conn *pconn.Conn, cfg *Config, addr string) error {
	req := make([]byte, 0, 3+len(cfg.User)+len(cfg.Pass))
	req = append(req, userPassVersion, byte(len(cfg.User)))
	req = append(req, cfg.User...)
	req = append(req, byte(len(cfg.Pass)))
	req = append(req, cfg.Pass...)

	if err := conn.Send(req); err != nil {
		return err
	}

	reply, err := conn.Read(2)
	if err != nil {
		return err
	}
	if reply[0] != userPassVersion || reply[1] != authSuccess {
		return mugenerrors.NewProxyAuthError(addr, "username/password authentication rejected")
	}
	return nil
}

func socks5Connect(conn *pconn.Conn, targetHost string, targetPort int, addr string) error {
	req := []byte{socks5Version, cmdConnect, 0x00}

	if ip := net.ParseIP(targetHost); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			req = append(req, atypIPv4)
			req = append(req, v4...)
		} else {
			req = append(req, atypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		req = append(req, atypDomain, byte(len(targetHost)))
		req = append(req, targetHost...)
	}

	req = append(req, byte(targetPort>>8), byte(targetPort))

	if err := conn.Send(req); err != nil {
		return err
	}

	head, err := conn.Read(3)
	if err != nil {
		return err
	}
	if head[0] != socks5Version {
		return mugenerrors.NewProxyProtocolError(addr, "unexpected SOCKS version in connect reply", nil)
	}
	if status := mugenerrors.Socks5Status(head[1]); status != mugenerrors.Socks5StatusSucceeded {
		return mugenerrors.NewSocks5Error(addr, status)
	}

	atyp, err := conn.Read(1)
	if err != nil {
		return err
	}
	switch atyp[0] {
	case atypIPv4:
		if _, err := conn.Read(4); err != nil {
			return err
		}
	case atypIPv6:
		if _, err := conn.Read(16); err != nil {
			return err
		}
	case atypDomain:
		lenByte, err := conn.Read(1)
		if err != nil {
			return err
		}
		if _, err := conn.Read(int(lenByte[0])); err != nil {
			return err
		}
	default:
		return mugenerrors.NewProxyProtocolError(addr, fmt.Sprintf("unsupported bound address type 0x%02x", atyp[0]), nil)
	}
	if _, err := conn.Read(2); err != nil { // bound port, discarded
		return err
	}

	return nil
}
