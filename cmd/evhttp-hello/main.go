//go:build linux

// evhttp-hello serves a couple of routes on the event loop engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kfcemployee/evhttp/server"
	"github.com/kfcemployee/evhttp/server/protocol"
	"github.com/kfcemployee/evhttp/server/router"
)

func main() {
	def := server.DefaultConfig()

	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	keepAlive := flag.Duration("keepalive", def.KeepAliveTimeout, "idle keep-alive timeout")
	reqTimeout := flag.Duration("request-timeout", def.RequestTimeout, "time to receive one request")
	maxBody := flag.Int64("max-body", def.MaxBodySize, "request body limit in bytes")
	pipeline := flag.Int("pipeline", def.MaxPipelineDepth, "requests answered per read burst")
	name := flag.String("server-name", "evhttp", "Server header, empty to omit")
	access := flag.Bool("access-log", false, "log every request")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	cfg := server.Config{
		KeepAliveTimeout: *keepAlive,
		RequestTimeout:   *reqTimeout,
		MaxBodySize:      *maxBody,
		MaxPipelineDepth: *pipeline,
		ServerName:       *name,
		Logger:           log,
		ErrorLog:         server.NewErrorLog(log),
	}
	if *access {
		cfg.AccessLog = server.NewAccessLog(log)
	}

	r := router.NewHTTPRouter()
	r.Get("/", func(c *router.Context) *protocol.Response {
		return c.Text(200, "hello\n")
	})
	r.Get("/count/:n", func(c *router.Context) *protocol.Response {
		n, err := strconv.Atoi(c.Param("n"))
		if err != nil || n < 0 {
			return c.Text(400, "n must be a non-negative number\n")
		}
		resp := protocol.NewResponse(200)
		resp.AddHeader("Content-Type", "text/plain; charset=utf-8")
		// produced while the socket takes it
		resp.Stream(func(yield func([]byte) bool) {
			var line []byte
			for i := range n {
				line = strconv.AppendInt(line[:0], int64(i), 10)
				line = append(line, '\n')
				if !yield(line) {
					return
				}
			}
		})
		return resp
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg)
	if err := srv.Listen(*addr); err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("listen")
	}
	if err := srv.Run(ctx, r); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
	st := srv.Stats()
	log.Info().Uint64("accepted", st.Accepted).Uint64("requests", st.Requests).Msg("bye")
}
