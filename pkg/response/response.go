// Package response drives response parsing: status line, headers,
// body acquisition (Content-Length / chunked / no-framing-means-empty),
// content decoding, and text/JSON views.
package response

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/mugenhq/mugen/pkg/constants"
	mugenerrors "github.com/mugenhq/mugen/pkg/errors"
	"github.com/mugenhq/mugen/pkg/pconn"
	"github.com/mugenhq/mugen/pkg/rawbuf"
	"github.com/mugenhq/mugen/pkg/timing"
)

// lineReader is the minimal surface response needs from a Connection.
type lineReader interface {
	ReadLine() ([]byte, error)
	Read(n int) ([]byte, error)
}

// Response is a parsed HTTP/1.1 response.
type Response struct {
	StatusCode  int
	HTTPVersion string
	Headers     map[string][]string
	SetCookies  []string
	Content     []byte
	Encoding    string // caller's explicit charset; empty means Text() sniffs Content-Type, then falls back to UTF-8
	Raw         *rawbuf.Buffer
	Timings     *timing.Metrics
	closeWanted bool
}

// Parse reads a response off conn: status line, headers, and body framed
// per Content-Length / chunked / HEAD-empty / no-framing-means-empty.
// method is the request method (HEAD suppresses body reading even when a
// Content-Length is present). explicitEncoding, if non-empty, overrides
// charset sniffing.
func Parse(conn lineReader, method string, explicitEncoding string, rawCapture *rawbuf.Buffer) (*Response, error) {
	r := &Response{Headers: make(map[string][]string), Encoding: explicitEncoding, Raw: rawCapture}

	statusLine, err := conn.ReadLine()
	if err != nil {
		return nil, err
	}
	if r.Raw != nil {
		r.Raw.Write(statusLine)
	}
	if err := r.parseStatusLine(string(statusLine)); err != nil {
		return nil, err
	}

	if err := r.readHeaders(conn); err != nil {
		return nil, err
	}

	if err := r.readBody(conn, method); err != nil {
		return nil, err
	}

	if r.headerEquals("Connection", "close") {
		r.closeWanted = true
	}

	if err := r.decodeContentEncoding(); err != nil {
		return nil, err
	}

	return r, nil
}

// CloseWanted reports whether the response carried Connection: close.
func (r *Response) CloseWanted() bool {
	return r.closeWanted
}

func (r *Response) parseStatusLine(line string) error {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	if len(fields) < 2 {
		return mugenerrors.NewProtocolError("invalid status line", nil)
	}
	r.HTTPVersion = fields[0]
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return mugenerrors.NewProtocolError("invalid status code", err)
	}
	r.StatusCode = code
	return nil
}

func (r *Response) readHeaders(conn lineReader) error {
	total := 0
	var lastKey string

	for {
		line, err := conn.ReadLine()
		if err != nil {
			return mugenerrors.NewProtocolError("reading headers", err)
		}
		if r.Raw != nil {
			r.Raw.Write(line)
		}

		total += len(line)
		if total > constants.MaxHeaderBytes {
			return mugenerrors.NewProtocolError("headers exceed maximum size", nil)
		}

		if string(line) == "\r\n" || string(line) == "\n" {
			break
		}

		// RFC 7230 section 3.2.4 header continuation: a line starting with
		// space or tab extends the previous header's value.
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			cont := strings.TrimSpace(string(line))
			vals := r.Headers[lastKey]
			if len(vals) > 0 {
				vals[len(vals)-1] = vals[len(vals)-1] + " " + cont
			}
			continue
		}

		trimmed := strings.TrimRight(string(line), "\r\n")
		colon := strings.IndexByte(trimmed, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(trimmed[:colon])
		value := strings.TrimSpace(trimmed[colon+1:])

		r.Headers[name] = append(r.Headers[name], value)
		lastKey = name

		if strings.EqualFold(name, "Set-Cookie") {
			r.SetCookies = append(r.SetCookies, value)
		}
	}
	return nil
}

func (r *Response) header(name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0], true
		}
	}
	return "", false
}

// Header looks up a response header case-insensitively, returning its
// first value.
func (r *Response) Header(name string) (string, bool) {
	return r.header(name)
}

func (r *Response) headerEquals(name, value string) bool {
	v, ok := r.header(name)
	return ok && strings.EqualFold(v, value)
}

func (r *Response) readBody(conn lineReader, method string) error {
	// RFC 9110 6.4.1: HEAD, 1xx, 204, and 304 never carry a body.
	if strings.EqualFold(method, "HEAD") ||
		(r.StatusCode >= 100 && r.StatusCode < 200) ||
		r.StatusCode == 204 ||
		r.StatusCode == 304 {
		return nil
	}

	if te, ok := r.header("Transfer-Encoding"); ok && strings.EqualFold(te, "chunked") {
		return r.readChunkedBody(conn)
	}

	if cl, ok := r.header("Content-Length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 || n > constants.MaxContentLength {
			return mugenerrors.NewProtocolError("invalid Content-Length", err)
		}
		if n == 0 {
			return nil
		}
		body, err := conn.Read(int(n))
		if err != nil {
			return err
		}
		if r.Raw != nil {
			r.Raw.Write(body)
		}
		r.Content = body
		return nil
	}

	// No framing: reading to EOF is disabled. A keep-alive response with
	// no Content-Length and no chunked framing would otherwise block
	// forever waiting for a close that never comes.
	return nil
}

func (r *Response) readChunkedBody(conn lineReader) error {
	var body []byte
	for {
		line, err := conn.ReadLine()
		if err != nil {
			return mugenerrors.NewProtocolError("reading chunk size", err)
		}
		if r.Raw != nil {
			r.Raw.Write(line)
		}

		sizeField := strings.SplitN(strings.TrimSpace(string(line)), ";", 2)[0]
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return mugenerrors.NewProtocolError("invalid chunk size", err)
		}
		if size == 0 {
			// Consume trailers up to and including the terminating blank line.
			for {
				trailer, err := conn.ReadLine()
				if err != nil {
					return mugenerrors.NewProtocolError("reading chunk trailer", err)
				}
				if r.Raw != nil {
					r.Raw.Write(trailer)
				}
				if string(trailer) == "\r\n" || string(trailer) == "\n" {
					break
				}
			}
			break
		}

		chunk, err := conn.Read(int(size))
		if err != nil {
			return mugenerrors.NewIOError("reading chunk body", err)
		}
		if r.Raw != nil {
			r.Raw.Write(chunk)
		}
		body = append(body, chunk...)

		crlf, err := conn.Read(2)
		if err != nil {
			return mugenerrors.NewIOError("reading chunk terminator", err)
		}
		if r.Raw != nil {
			r.Raw.Write(crlf)
		}
	}
	r.Content = body
	return nil
}

func (r *Response) decodeContentEncoding() error {
	enc, ok := r.header("Content-Encoding")
	if !ok || len(r.Content) == 0 {
		return nil
	}

	switch strings.ToLower(enc) {
	case "gzip":
		zr, err := gzip.NewReader(strings.NewReader(string(r.Content)))
		if err != nil {
			return mugenerrors.NewProtocolError("invalid gzip body", err)
		}
		defer zr.Close()
		decoded, err := io.ReadAll(zr)
		if err != nil {
			return mugenerrors.NewProtocolError("gzip decompression failed", err)
		}
		r.Content = decoded
	case "deflate":
		decoded, err := decodeDeflate(r.Content)
		if err != nil {
			return mugenerrors.NewProtocolError("deflate decompression failed", err)
		}
		r.Content = decoded
	}
	return nil
}

func decodeDeflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(strings.NewReader(string(data)))
	if err == nil {
		defer zr.Close()
		if decoded, err := io.ReadAll(zr); err == nil {
			return decoded, nil
		}
	}

	// Fall back to raw deflate, matching mugen's try-zlib-then-raw order.
	fr := flate.NewReader(strings.NewReader(string(data)))
	defer fr.Close()
	return io.ReadAll(fr)
}

// Text decodes Content using the explicit or sniffed charset, falling
// back to UTF-8.
func (r *Response) Text() (string, error) {
	if r.Encoding != "" {
		return decodeWith(r.Content, r.Encoding)
	}

	if ct, ok := r.header("Content-Type"); ok {
		if charset := sniffCharset(ct); charset != "" {
			return decodeWith(r.Content, charset)
		}
	}

	return string(r.Content), nil
}

func sniffCharset(contentType string) string {
	idx := strings.Index(strings.ToLower(contentType), "charset=")
	if idx < 0 {
		return ""
	}
	v := contentType[idx+len("charset="):]
	if semi := strings.IndexByte(v, ';'); semi >= 0 {
		v = v[:semi]
	}
	return strings.Trim(strings.TrimSpace(v), `"'`)
}

func decodeWith(data []byte, charset string) (string, error) {
	if strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, constants.DefaultEncoding) {
		return string(data), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(data), nil
	}
	decoded, err := decodeBytes(enc, data)
	if err != nil {
		return string(data), nil
	}
	return decoded, nil
}

func decodeBytes(enc encoding.Encoding, data []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// JSON unmarshals Content into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Content, v)
}

// Ensure pconn.Conn satisfies lineReader at compile time.
var _ lineReader = (*pconn.Conn)(nil)
