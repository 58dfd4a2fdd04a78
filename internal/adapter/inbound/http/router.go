package http

import (
	"sort"
	"strings"
)

// route maps a path prefix to a rate-limited endpoint.
type route struct {
	prefix   string
	endpoint string
}

// Router maps request paths to endpoint identifiers.
// The longest matching prefix wins; prefixes match on path segment boundaries.
type Router struct {
	routes []route
}

// NewRouter builds a router from prefix to endpoint pairs.
func NewRouter(routes map[string]string) *Router {
	r := &Router{routes: make([]route, 0, len(routes))}
	for prefix, endpoint := range routes {
		if prefix == "" || endpoint == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		r.routes = append(r.routes, route{prefix: strings.TrimSuffix(prefix, "/"), endpoint: endpoint})
	}
	sort.Slice(r.routes, func(i, j int) bool {
		if len(r.routes[i].prefix) != len(r.routes[j].prefix) {
			return len(r.routes[i].prefix) > len(r.routes[j].prefix)
		}
		return r.routes[i].prefix < r.routes[j].prefix
	})
	return r
}

// Match returns the endpoint for path, or false when no route covers it.
func (r *Router) Match(path string) (string, bool) {
	for _, rt := range r.routes {
		if rt.prefix == "" {
			return rt.endpoint, true
		}
		if path == rt.prefix || strings.HasPrefix(path, rt.prefix+"/") {
			return rt.endpoint, true
		}
	}
	return "", false
}

// Len returns the number of routes.
func (r *Router) Len() int {
	return len(r.routes)
}
