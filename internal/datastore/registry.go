package datastore

import (
	"fmt"
	"sort"

	"github.com/bassista/gitrecords/internal/config"
)

// Entity describes one kind of record: its stable type name, the top-level
// directory holding it and whether it is partitioned by organization.
type Entity struct {
	Type   string
	Path   string
	Scoped bool
}

// Registry is the entity table shared by the provider and the webhook invalidator.
type Registry struct {
	byType map[string]Entity
	byPath map[string]Entity
}

func NewRegistry(entities ...Entity) (*Registry, error) {
	r := &Registry{byType: map[string]Entity{}, byPath: map[string]Entity{}}
	for _, e := range entities {
		if e.Type == "" {
			return nil, fmt.Errorf("entity type is required: %w", ErrInvalidRecord)
		}
		if e.Path == "" {
			e.Path = e.Type
		}
		if _, dup := r.byType[e.Type]; dup {
			return nil, fmt.Errorf("entity type %s registered twice: %w", e.Type, ErrInvalidRecord)
		}
		if other, dup := r.byPath[e.Path]; dup {
			return nil, fmt.Errorf("entity types %s and %s share path %s: %w", other.Type, e.Type, e.Path, ErrInvalidRecord)
		}
		r.byType[e.Type] = e
		r.byPath[e.Path] = e
	}
	return r, nil
}

// RegistryFromConfig builds the registry from the configured entity table.
func RegistryFromConfig(entities map[string]config.EntityConfig) (*Registry, error) {
	list := make([]Entity, 0, len(entities))
	for name, ec := range entities {
		list = append(list, Entity{Type: name, Path: ec.Path, Scoped: ec.Scoped})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	return NewRegistry(list...)
}

// Lookup finds an entity by type name.
func (r *Registry) Lookup(entityType string) (Entity, bool) {
	e, ok := r.byType[entityType]
	return e, ok
}

// LookupPath finds the entity stored under a top-level directory.
func (r *Registry) LookupPath(dir string) (Entity, bool) {
	e, ok := r.byPath[dir]
	return e, ok
}

// Types returns the registered type names in lexical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
