package server

import (
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/evhttp/server/protocol"
)

// AccessRecord describes one finished request. Strings are reused for the
// next request on the connection, copy them to keep them.
type AccessRecord struct {
	RemoteAddr netip.AddrPort
	Method     string
	Path       string
	Query      string
	Proto      string
	Status     int
	Bytes      int64 // body bytes encoded
	Start      time.Time
	Duration   time.Duration
}

// ErrorRecord describes a connection level failure.
type ErrorRecord struct {
	RemoteAddr netip.AddrPort
	Kind       protocol.Kind
	Err        error
	Time       time.Time
}

// AccessLogger receives a record per completed request.
type AccessLogger interface {
	LogAccess(r *AccessRecord)
}

// ErrorLogger receives a record per connection failure.
type ErrorLogger interface {
	LogError(r *ErrorRecord)
}

// NopLogger discards everything. The server detects it and skips building
// records at all.
type NopLogger struct{}

func (NopLogger) LogAccess(*AccessRecord) {}
func (NopLogger) LogError(*ErrorRecord)   {}

type accessLog struct{ log zerolog.Logger }

// NewAccessLog writes access records as structured zerolog events.
func NewAccessLog(l zerolog.Logger) AccessLogger { return &accessLog{log: l} }

func (a *accessLog) LogAccess(r *AccessRecord) {
	a.log.Info().
		Str("remote", r.RemoteAddr.String()).
		Str("method", r.Method).
		Str("path", r.Path).
		Str("query", r.Query).
		Str("proto", r.Proto).
		Int("status", r.Status).
		Int64("bytes", r.Bytes).
		Time("start", r.Start).
		Dur("duration", r.Duration).
		Send()
}

type errorLog struct{ log zerolog.Logger }

// NewErrorLog writes error records as structured zerolog events.
func NewErrorLog(l zerolog.Logger) ErrorLogger { return &errorLog{log: l} }

func (e *errorLog) LogError(r *ErrorRecord) {
	e.log.Warn().
		Str("remote", r.RemoteAddr.String()).
		Stringer("kind", r.Kind).
		Err(r.Err).
		Time("time", r.Time).
		Send()
}

func isNop(v any) bool {
	switch v.(type) {
	case nil, NopLogger, *NopLogger:
		return true
	}
	return false
}
