// Package constants defines magic numbers and default values used throughout mugen.
package constants

import "time"

// Connection pool limits.
const (
	// MaxConnectionPool bounds the number of distinct endpoint-key buckets
	// the pool will track at once.
	MaxConnectionPool = 100

	// MaxPoolTasks bounds the number of idle connections held per bucket.
	MaxPoolTasks = 100

	// MaxRedirections bounds a single redirect chain.
	MaxRedirections = 1000

	// DNSCacheMax bounds the number of entries kept in the DNS FIFO cache.
	DNSCacheMax = 5000
)

// Timeouts.
const (
	// ConnReadTimeout bounds a single Read/ReadLine call on a pooled connection.
	ConnReadTimeout = 60 * time.Second

	// KeepAliveCeiling is the idle-connection staleness ceiling and also the
	// sweep interval the pool's background watcher runs on.
	KeepAliveCeiling = 10 * time.Minute

	DefaultConnTimeout = 10 * time.Second
	DefaultDNSTimeout  = 5 * time.Second
)

// Protocol defaults.
const (
	HTTPVersion      = "HTTP/1.1"
	DefaultEncoding  = "utf-8"
	DefaultUserAgent = "mugen"

	// MaxHeaderBytes bounds the status line plus header block of a response
	// before it is treated as a protocol violation.
	MaxHeaderBytes = 64 * 1024

	// MaxContentLength rejects implausibly large Content-Length values.
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits, kept for the optional raw-wire capture.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB
)
