package server

import (
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kfcemployee/evhttp/server/protocol"
)

// Config is the whole server setup, zero fields take the defaults below.
type Config struct {
	KeepAliveTimeout time.Duration // idle time between requests
	RequestTimeout   time.Duration // reading one request, also the first one
	WriteTimeout     time.Duration // no progress while sending

	MaxURISize       int
	MaxMethodSize    int
	MaxHeaderBytes   int // request line + header block
	MaxFieldSize     int // one header line
	MaxHeaderCount   int
	MaxBodySize      int64
	MaxBufferSize    int // per connection and direction
	AllowDotSegments bool

	// MaxPipelineDepth bounds requests answered from one read burst, the
	// connection is closed after the response that reaches it.
	MaxPipelineDepth int
	// MaxRequestsPerConn closes the connection after that many requests, 0 is
	// unlimited.
	MaxRequestsPerConn int

	ServerName string // Server header, empty means none

	ClockResolution  time.Duration
	WatchdogInterval time.Duration
	ShutdownTimeout  time.Duration

	// Watchdog runs on the loop goroutine once per iteration. It may call
	// Shutdown.
	Watchdog  func(*Server)
	AccessLog AccessLogger
	ErrorLog  ErrorLogger
	Logger    zerolog.Logger

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	lim := protocol.DefaultLimits()
	return Config{
		KeepAliveTimeout: 5 * time.Second,
		RequestTimeout:   30 * time.Second,
		WriteTimeout:     30 * time.Second,

		MaxURISize:     lim.MaxURISize,
		MaxMethodSize:  lim.MaxMethodSize,
		MaxHeaderBytes: lim.MaxHeaderBytes,
		MaxFieldSize:   lim.MaxFieldSize,
		MaxHeaderCount: lim.MaxHeaderCount,
		MaxBodySize:    lim.MaxBodySize,

		MaxPipelineDepth: 64,

		ClockResolution:  time.Second,
		WatchdogInterval: time.Second,
		ShutdownTimeout:  5 * time.Second,

		AccessLog: NopLogger{},
		ErrorLog:  NopLogger{},
		Logger:    zerolog.Nop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	setDur(&c.KeepAliveTimeout, d.KeepAliveTimeout)
	setDur(&c.RequestTimeout, d.RequestTimeout)
	setDur(&c.WriteTimeout, d.WriteTimeout)
	setDur(&c.ClockResolution, d.ClockResolution)
	setDur(&c.WatchdogInterval, d.WatchdogInterval)
	setDur(&c.ShutdownTimeout, d.ShutdownTimeout)

	setInt(&c.MaxURISize, d.MaxURISize)
	setInt(&c.MaxMethodSize, d.MaxMethodSize)
	setInt(&c.MaxHeaderBytes, d.MaxHeaderBytes)
	setInt(&c.MaxFieldSize, d.MaxFieldSize)
	setInt(&c.MaxHeaderCount, d.MaxHeaderCount)
	setInt(&c.MaxPipelineDepth, d.MaxPipelineDepth)
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	// a full head, a full body and its chunk framing have to fit
	if need := c.MaxHeaderBytes + 2*int(c.MaxBodySize) + 64<<10; c.MaxBufferSize < need {
		c.MaxBufferSize = need
	}

	if c.AccessLog == nil {
		c.AccessLog = d.AccessLog
	}
	if c.ErrorLog == nil {
		c.ErrorLog = d.ErrorLog
	}
	return c
}

func (c *Config) limits() protocol.Limits {
	return protocol.Limits{
		MaxMethodSize:    c.MaxMethodSize,
		MaxURISize:       c.MaxURISize,
		MaxHeaderBytes:   c.MaxHeaderBytes,
		MaxFieldSize:     c.MaxFieldSize,
		MaxHeaderCount:   c.MaxHeaderCount,
		MaxBodySize:      c.MaxBodySize,
		// leaves a read chunk of room before In would be full
		MaxChunkedSize:   int64(c.MaxBufferSize-c.MaxHeaderBytes) - 32<<10,
		AllowDotSegments: c.AllowDotSegments,
	}
}
