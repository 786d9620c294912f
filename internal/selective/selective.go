// Package selective decides which primary resources a secondary replicates.
//
// A scope either replicates everything, only resources owned by a set of
// namespaces (including their descendants), or only resources stored on a
// set of shards.
package selective

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/geosync/internal/geo"
)

// ScopeType selects how a scope restricts resources.
type ScopeType string

const (
	ScopeNone       ScopeType = ""
	ScopeNamespaces ScopeType = "namespaces"
	ScopeShards     ScopeType = "shards"
)

// Scope is the selective-sync configuration of a secondary.
type Scope struct {
	Type         ScopeType `mapstructure:"type" json:"type" yaml:"type"`
	NamespaceIDs []int64   `mapstructure:"namespace_ids" json:"namespace_ids,omitempty" yaml:"namespace_ids,omitempty"`
	Shards       []string  `mapstructure:"shards" json:"shards,omitempty" yaml:"shards,omitempty"`
}

// String renders the scope for logs.
func (s Scope) String() string {
	switch s.Type {
	case ScopeNamespaces:
		ids := make([]string, len(s.NamespaceIDs))
		for i, id := range s.NamespaceIDs {
			ids[i] = fmt.Sprint(id)
		}
		return "namespaces[" + strings.Join(ids, ",") + "]"
	case ScopeShards:
		return "shards[" + strings.Join(s.Shards, ",") + "]"
	}
	return "all"
}

// Filter answers InScope for one validated scope. It is immutable and safe
// for concurrent use.
type Filter struct {
	scope      Scope
	namespaces map[int64]struct{}
	shards     map[string]struct{}
}

// NewFilter validates scope and builds a filter for it.
func NewFilter(scope Scope) (*Filter, error) {
	f := &Filter{scope: scope}
	switch scope.Type {
	case ScopeNone:
		if len(scope.NamespaceIDs) > 0 || len(scope.Shards) > 0 {
			return nil, fmt.Errorf("selective sync: namespace_ids and shards require a scope type")
		}
	case ScopeNamespaces:
		if len(scope.Shards) > 0 {
			return nil, fmt.Errorf("selective sync: shards are not allowed with type %q", scope.Type)
		}
		f.namespaces = make(map[int64]struct{}, len(scope.NamespaceIDs))
		for _, id := range scope.NamespaceIDs {
			if id <= 0 {
				return nil, fmt.Errorf("selective sync: invalid namespace id %d", id)
			}
			f.namespaces[id] = struct{}{}
		}
	case ScopeShards:
		if len(scope.NamespaceIDs) > 0 {
			return nil, fmt.Errorf("selective sync: namespace_ids are not allowed with type %q", scope.Type)
		}
		f.shards = make(map[string]struct{}, len(scope.Shards))
		for _, shard := range scope.Shards {
			if shard == "" {
				return nil, fmt.Errorf("selective sync: empty shard name")
			}
			f.shards[shard] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("selective sync: unknown scope type %q", scope.Type)
	}
	return f, nil
}

// All returns a filter that admits every resource.
func All() *Filter {
	return &Filter{}
}

// Scope returns the scope the filter was built from.
func (f *Filter) Scope() Scope {
	return f.scope
}

// InScope reports whether res should be replicated.
//
// For namespace scopes a resource is in scope when its own namespace or any
// ancestor is configured. A resource without namespace metadata is out of
// scope. For shard scopes the resource's shard must be configured.
func (f *Filter) InScope(res geo.Resource) bool {
	switch f.scope.Type {
	case ScopeNamespaces:
		if _, ok := f.namespaces[res.NamespaceID]; ok && res.NamespaceID != 0 {
			return true
		}
		for _, id := range res.NamespacePath {
			if _, ok := f.namespaces[id]; ok {
				return true
			}
		}
		return false
	case ScopeShards:
		_, ok := f.shards[res.Shard]
		return ok
	}
	return true
}

// Narrows reports whether switching from old to next can exclude resources
// that old admitted. Pruning is only needed when it does.
func Narrows(old, next Scope) bool {
	if next.Type == ScopeNone {
		return false
	}
	if old.Type != next.Type {
		return true
	}
	switch next.Type {
	case ScopeNamespaces:
		for _, id := range old.NamespaceIDs {
			if !slices.Contains(next.NamespaceIDs, id) {
				return true
			}
		}
	case ScopeShards:
		for _, s := range old.Shards {
			if !slices.Contains(next.Shards, s) {
				return true
			}
		}
	}
	return false
}
