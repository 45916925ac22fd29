package server

import "github.com/kfcemployee/evhttp/server/protocol"

// Handler answers one request. It runs on the loop goroutine, so it must
// return quickly and never block on I/O, every connection waits for it.
// A nil response is sent as 204.
type Handler interface {
	ServeRequest(req *protocol.Request) *protocol.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *protocol.Request) *protocol.Response

func (f HandlerFunc) ServeRequest(req *protocol.Request) *protocol.Response { return f(req) }
