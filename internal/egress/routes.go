// Package egress maps ingress requests to configured dependencies and
// forwards them to the dependency's upstream inside the resilience pipeline.
package egress

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/dskow/shield-core/internal/config"
)

// Route binds one URL prefix to a protected dependency.
type Route struct {
	Dependency string
	Prefix     string
	Strip      bool
	Upstream   *url.URL
}

// Table resolves request paths to routes. It is immutable; reloads build a
// fresh table and swap it in.
type Table struct {
	routes []Route
}

// NewTable builds a route table from the configured dependencies, sorted by
// prefix length (longest first) so the most specific route wins.
func NewTable(deps map[string]*config.DependencyConfig) (*Table, error) {
	routes := make([]Route, 0, len(deps))
	for key, dep := range deps {
		u, err := url.Parse(dep.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL %q for dependency %q: %w", dep.Upstream, key, err)
		}
		routes = append(routes, Route{
			Dependency: key,
			Prefix:     dep.RoutePrefix,
			Strip:      dep.StripPrefix,
			Upstream:   u,
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return &Table{routes: routes}, nil
}

// Match returns the route for path, if any.
func (t *Table) Match(path string) (Route, bool) {
	for _, route := range t.routes {
		if MatchesPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}

// Routes returns the table's entries in match order.
func (t *Table) Routes() []Route {
	return t.routes
}

// UpstreamPath rewrites a request path for the upstream, honoring the
// route's strip setting.
func (r Route) UpstreamPath(path string) string {
	if !r.Strip {
		return path
	}
	stripped := strings.TrimPrefix(path, r.Prefix)
	if stripped == "" || stripped[0] != '/' {
		stripped = "/" + stripped
	}
	return stripped
}

// MatchesPrefix checks if path matches prefix with segment-boundary
// enforcement: the path must equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/". This keeps /llm
// from matching /llmx.
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
