// Package connection maps configured backend names to resolved targets.
package connection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llmbench/llmbench/internal/bench"
)

// Resolver holds the set of configured backends, keyed by name. Built once
// at startup from configuration; read-only afterwards.
type Resolver struct {
	backends map[string]bench.Connection
}

// NewResolver builds a resolver from the given connections. Names are
// case-insensitive; later duplicates overwrite earlier ones.
func NewResolver(conns []bench.Connection) *Resolver {
	backends := make(map[string]bench.Connection, len(conns))
	for _, conn := range conns {
		conn.BaseURL = strings.TrimRight(conn.BaseURL, "/")
		backends[strings.ToLower(conn.Name)] = conn
	}
	return &Resolver{backends: backends}
}

// Resolve returns the connection for the named backend.
func (r *Resolver) Resolve(name string) (bench.Connection, error) {
	conn, ok := r.backends[strings.ToLower(name)]
	if !ok {
		return bench.Connection{}, fmt.Errorf("%w: %q", bench.ErrUnknownBackend, name)
	}
	return conn, nil
}

// Names returns the configured backend names, sorted.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
