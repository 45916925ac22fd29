// context is the request plus what the router found for it
package router

import (
	"github.com/kfcemployee/evhttp/server/protocol"
)

// HandlerFunc answers a routed request.
type HandlerFunc func(c *Context) *protocol.Response

// Param is one captured ":name" segment, Val is a substring of the path.
type Param struct {
	Key, Val string
}

// Context is valid only during the handler call, it is reused afterwards.
type Context struct {
	Req *protocol.Request

	params []Param
	pbuf   [8]Param
}

func (c *Context) reset(req *protocol.Request) {
	c.Req = req
	c.params = c.pbuf[:0]
}

// Method of the request.
func (c *Context) Method() string { return c.Req.Method }

// Path is the decoded request path.
func (c *Context) Path() string { return c.Req.Path }

// Params returns all captured params in path order.
func (c *Context) Params() []Param { return c.params }

// Param returns the value captured for key.
func (c *Context) Param(key string) string {
	for _, p := range c.params {
		if p.Key == key {
			return p.Val
		}
	}
	return ""
}

// QueryGet returns a query value.
func (c *Context) QueryGet(key string) string { return c.Req.QueryGet(key) }

// Header returns a request header.
func (c *Context) Header(key string) string { return c.Req.Header(key) }

// Body returns the request body.
func (c *Context) Body() []byte { return c.Req.BodyBytes() }

// Text answers with a plain text body.
func (c *Context) Text(code int, s string) *protocol.Response {
	return protocol.Text(code, s)
}

// Bytes answers with a body of the given content type.
func (c *Context) Bytes(code int, contentType string, body []byte) *protocol.Response {
	r := protocol.NewResponse(code)
	if contentType != "" {
		r.AddHeader("Content-Type", contentType)
	}
	r.SetBody(body)
	return r
}
