// Package router maps method and path to handlers on top of server.Handler.
package router

import (
	"slices"
	"strings"
	"sync"

	"github.com/kfcemployee/evhttp/server/protocol"
)

// HTTPRouter is a server.Handler dispatching on method and path.
type HTTPRouter struct {
	trees map[string]*node

	// NotFound and MethodNotAllowed replace the default plain text answers.
	NotFound         HandlerFunc
	MethodNotAllowed HandlerFunc

	ctxPool sync.Pool
}

// NewHTTPRouter makes an empty router.
func NewHTTPRouter() *HTTPRouter {
	r := &HTTPRouter{trees: make(map[string]*node)}
	r.ctxPool.New = func() any { return new(Context) }
	return r
}

// Handle registers h for method and path. Not safe once serving started.
func (r *HTTPRouter) Handle(method, path string, h HandlerFunc) {
	root, ok := r.trees[method]
	if !ok {
		root = &node{}
		r.trees[method] = root
	}
	root.insert(path, h)
}

func (r *HTTPRouter) Get(path string, h HandlerFunc)    { r.Handle("GET", path, h) }
func (r *HTTPRouter) Post(path string, h HandlerFunc)   { r.Handle("POST", path, h) }
func (r *HTTPRouter) Put(path string, h HandlerFunc)    { r.Handle("PUT", path, h) }
func (r *HTTPRouter) Patch(path string, h HandlerFunc)  { r.Handle("PATCH", path, h) }
func (r *HTTPRouter) Delete(path string, h HandlerFunc) { r.Handle("DELETE", path, h) }

// ServeRequest implements server.Handler.
func (r *HTTPRouter) ServeRequest(req *protocol.Request) *protocol.Response {
	c := r.ctxPool.Get().(*Context)
	defer func() {
		c.reset(nil)
		r.ctxPool.Put(c)
	}()
	c.reset(req)

	method := req.Method
	root := r.trees[method]
	if root == nil && method == "HEAD" {
		// HEAD falls back to GET, the engine drops the body
		root = r.trees["GET"]
	}
	if root != nil {
		if h := root.find(req.Path, c); h != nil {
			return h(c)
		}
	}

	if allow := r.allowed(req.Path, method); allow != "" {
		if r.MethodNotAllowed != nil {
			return r.MethodNotAllowed(c)
		}
		resp := protocol.Text(405, protocol.StatusText(405)+"\n")
		resp.AddHeader("Allow", allow)
		return resp
	}
	if r.NotFound != nil {
		return r.NotFound(c)
	}
	return protocol.Text(404, protocol.StatusText(404)+"\n")
}

// allowed lists the other methods that have a route for path
func (r *HTTPRouter) allowed(path, skip string) string {
	var methods []string
	var scratch Context
	for m, root := range r.trees {
		if m == skip {
			continue
		}
		scratch.reset(nil)
		if root.find(path, &scratch) != nil {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return ""
	}
	slices.Sort(methods)
	return strings.Join(methods, ", ")
}
