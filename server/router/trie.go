// prefix tree for router logic, it is not accessible from upper packages so use an abstraction: HTTPRouter
package router

import (
	"strings"
)

// tree node
type node struct {
	prefix  string
	ch      []node      // children in flat area for data locality to not miss the cache
	handler HandlerFunc // nil for inner nodes
	isparam bool        // is node prefix param?
}

// insert links path and handler, ":name" segments capture one path segment
func (n *node) insert(path string, h HandlerFunc) {
	cur := n
	for s := range strings.SplitSeq(strings.Trim(path, "/"), "/") {
		// skip empty route (/)
		if s == "" {
			continue
		}

		isparam, pref := s[0] == ':', s
		if isparam {
			pref = s[1:]
		}

		// find child index in flat child array
		idx := -1
		for i := range cur.ch {
			if cur.ch[i].prefix == pref && cur.ch[i].isparam == isparam {
				idx = i
				break
			}
		}
		if idx == -1 {
			cur.ch = append(cur.ch, node{prefix: pref, isparam: isparam})
			idx = len(cur.ch) - 1
		}
		cur = &cur.ch[idx]
	}
	cur.handler = h
}

// find walks the decoded path, static children win over params.
// captured params are appended to c and rolled back on a dead end
func (n *node) find(path string, c *Context) HandlerFunc {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if path == "" {
		return n.handler
	}

	end := strings.IndexByte(path, '/')
	if end == -1 {
		end = len(path)
	}
	seg, rem := path[:end], path[end:]

	for i := range n.ch {
		ch := &n.ch[i]
		if !ch.isparam && ch.prefix == seg {
			if h := ch.find(rem, c); h != nil {
				return h
			}
		}
	}

	for i := range n.ch {
		ch := &n.ch[i]
		if !ch.isparam {
			continue
		}
		mark := len(c.params)
		c.params = append(c.params, Param{Key: ch.prefix, Val: seg})
		if h := ch.find(rem, c); h != nil {
			return h
		}
		c.params = c.params[:mark]
	}

	return nil
}
