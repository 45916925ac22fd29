package router

import (
	"io"
	"testing"

	"github.com/kfcemployee/evhttp/server/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) HandlerFunc {
	return func(c *Context) *protocol.Response {
		return c.Text(200, name)
	}
}

func body(t *testing.T, r *protocol.Response) string {
	t.Helper()
	if r.Body == nil {
		return ""
	}
	var out []byte
	for chunk := range r.Body {
		out = append(out, chunk...)
	}
	return string(out)
}

func TestRouterMatch(t *testing.T) {
	r := NewHTTPRouter()

	var params []Param
	r.Get("/", named("root"))
	r.Get("/api/v1/user", named("users"))
	r.Get("/api/v1/order", named("orders"))
	r.Get("/api/v1/user/me", named("me"))
	r.Get("/api/v1/user/:id", func(c *Context) *protocol.Response {
		params = append(params[:0], c.Params()...)
		return c.Text(200, "user "+c.Param("id"))
	})
	r.Get("/api/v1/user/:id/posts/:post", func(c *Context) *protocol.Response {
		params = append(params[:0], c.Params()...)
		return c.Text(200, c.Param("id")+"/"+c.Param("post"))
	})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
		wantParams []Param
	}{
		{"root", "/", 200, "root", nil},
		{"static match", "/api/v1/user", 200, "users", nil},
		{"static match order", "/api/v1/order", 200, "orders", nil},
		{"trailing slash", "/api/v1/order/", 200, "orders", nil},
		{"static wins over param", "/api/v1/user/me", 200, "me", nil},
		{"param match", "/api/v1/user/123", 200, "user 123", []Param{{"id", "123"}}},
		{"two params", "/api/v1/user/7/posts/42", 200, "7/42", []Param{{"id", "7"}, {"post", "42"}}},
		{"no match", "/api/v1/unknown", 404, "Not Found\n", nil},
		{"partial match", "/api/v1", 404, "Not Found\n", nil},
		{"too deep", "/api/v1/user/7/posts", 404, "Not Found\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params = nil
			resp := r.ServeRequest(&protocol.Request{Method: "GET", Path: tt.path})
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantBody, body(t, resp))
			if tt.wantParams != nil {
				assert.Equal(t, tt.wantParams, params)
			}
		})
	}
}

func TestRouterParamBacktrack(t *testing.T) {
	r := NewHTTPRouter()
	r.Get("/files/:name/raw", func(c *Context) *protocol.Response {
		assert.Len(t, c.Params(), 1)
		return c.Text(200, "raw "+c.Param("name"))
	})
	r.Get("/files/:name", named("file"))

	resp := r.ServeRequest(&protocol.Request{Method: "GET", Path: "/files/a.txt/raw"})
	assert.Equal(t, "raw a.txt", body(t, resp))

	resp = r.ServeRequest(&protocol.Request{Method: "GET", Path: "/files/a.txt"})
	assert.Equal(t, "file", body(t, resp))
}

func TestRouterMethodNotAllowed(t *testing.T) {
	r := NewHTTPRouter()
	r.Get("/items/:id", named("get"))
	r.Delete("/items/:id", named("delete"))
	r.Put("/items/:id", named("put"))

	resp := r.ServeRequest(&protocol.Request{Method: "POST", Path: "/items/1"})
	assert.Equal(t, 405, resp.Status)

	var allow string
	for _, h := range resp.Headers {
		if h.Name == "Allow" {
			allow = h.Value
		}
	}
	assert.Equal(t, "DELETE, GET, PUT", allow)

	r.MethodNotAllowed = func(c *Context) *protocol.Response {
		return c.Text(405, "nope "+c.Method())
	}
	resp = r.ServeRequest(&protocol.Request{Method: "PATCH", Path: "/items/1"})
	assert.Equal(t, "nope PATCH", body(t, resp))
}

func TestRouterHeadFallsBackToGet(t *testing.T) {
	r := NewHTTPRouter()
	r.Get("/page", named("page"))

	resp := r.ServeRequest(&protocol.Request{Method: "HEAD", Path: "/page"})
	assert.Equal(t, 200, resp.Status)
	assert.EqualValues(t, 4, resp.Size)
}

func TestRouterCustomNotFound(t *testing.T) {
	r := NewHTTPRouter()
	r.NotFound = func(c *Context) *protocol.Response {
		return c.Bytes(404, "application/json", []byte(`{"error":"`+c.Path()+`"}`))
	}

	resp := r.ServeRequest(&protocol.Request{Method: "GET", Path: "/missing"})
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, `{"error":"/missing"}`, body(t, resp))
	assert.Equal(t, []protocol.Header{{Name: "Content-Type", Value: "application/json"}}, resp.Headers)
}

func TestContextRequestAccess(t *testing.T) {
	r := NewHTTPRouter()
	r.Post("/echo", func(c *Context) *protocol.Response {
		got, err := io.ReadAll(c.Req.Body())
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, c.Body())
		return c.Text(201, c.Header("x-token")+" "+c.QueryGet("lang")+" "+string(got))
	})

	req := &protocol.Request{
		Method:  "POST",
		Path:    "/echo",
		Query:   "lang=go%20lang",
		Headers: []protocol.Header{{Name: "X-Token", Value: "abc"}},
	}

	resp := r.ServeRequest(req)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, "abc go lang ", body(t, resp))
}

func BenchmarkRouterMatchStatic(b *testing.B) {
	r := NewHTTPRouter()
	r.Get("/api/v1/user/profile/settings", named("settings"))
	req := &protocol.Request{Method: "GET", Path: "/api/v1/user/profile/settings"}

	b.ReportAllocs()
	for b.Loop() {
		r.ServeRequest(req)
	}
}

func BenchmarkRouterMatchParam(b *testing.B) {
	r := NewHTTPRouter()
	resp := protocol.NewResponse(200)
	r.Get("/api/v1/user/:id/posts/:post_id", func(c *Context) *protocol.Response { return resp })
	req := &protocol.Request{Method: "GET", Path: "/api/v1/user/123/posts/456"}

	b.ReportAllocs()
	for b.Loop() {
		r.ServeRequest(req)
	}
}
