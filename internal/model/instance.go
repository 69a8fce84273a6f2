package model

import (
	"context"
	"reflect"

	"github.com/bassista/gitrecords/internal/datastore"
)

// State is the lifecycle position of an instance.
type State int

const (
	Transient State = iota
	Persisted
	Deleted
)

func (s State) String() string {
	switch s {
	case Transient:
		return "transient"
	case Persisted:
		return "persisted"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Instance is a typed value plus the snapshot of what was last persisted.
type Instance[T any, PT Model[T]] struct {
	store    *Store[T, PT]
	value    PT
	original map[string]any
	state    State
}

// Value returns the typed value. Changes to it are written by the next Save.
func (i *Instance[T, PT]) Value() PT { return i.value }

func (i *Instance[T, PT]) State() State { return i.state }

func (i *Instance[T, PT]) Exists() bool { return i.state == Persisted }

// Save creates or updates the record. A persisted instance sends its whole
// attribute set, not just the dirty fields. It reports false without error
// when there was nothing to write to: the instance was deleted, or its record
// vanished from storage.
func (i *Instance[T, PT]) Save(ctx context.Context) (bool, error) {
	if i.state == Deleted {
		return false, nil
	}
	if err := i.store.check(i.value); err != nil {
		return false, err
	}
	attrs, err := attributes(i.value)
	if err != nil {
		return false, err
	}

	s := i.store
	if i.state == Transient {
		rec, err := s.provider.Create(ctx, s.entityType, attrs, i.scope())
		if err != nil {
			return false, err
		}
		return true, i.load(rec)
	}

	rec, found, err := s.provider.Update(ctx, s.entityType, i.value.Meta().ID, attrs, i.scope())
	if err != nil || !found {
		return false, err
	}
	return true, i.load(rec)
}

// Delete removes a persisted record. Transient and deleted instances report false.
func (i *Instance[T, PT]) Delete(ctx context.Context) (bool, error) {
	if i.state != Persisted {
		return false, nil
	}
	s := i.store
	ok, err := s.provider.Delete(ctx, s.entityType, i.value.Meta().ID, i.scope())
	if err != nil || !ok {
		return false, err
	}
	i.state = Deleted
	return true, nil
}

// Refresh reloads the instance from storage, discarding local changes.
func (i *Instance[T, PT]) Refresh(ctx context.Context) error {
	if i.state != Persisted {
		return nil
	}
	s := i.store
	rec, found, err := s.provider.Find(ctx, s.entityType, i.value.Meta().ID, i.scope())
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return i.load(rec)
}

// GetDirty returns the attributes that differ from the persisted snapshot.
func (i *Instance[T, PT]) GetDirty() map[string]any {
	attrs, err := attributes(i.value)
	if err != nil {
		return map[string]any{}
	}
	dirty := map[string]any{}
	for k, v := range attrs {
		prev, ok := i.original[k]
		if !ok || !reflect.DeepEqual(prev, v) {
			dirty[k] = v
		}
	}
	return dirty
}

// IsDirty reports whether any of fields, or any field at all when none are given, changed.
func (i *Instance[T, PT]) IsDirty(fields ...string) bool {
	dirty := i.GetDirty()
	if len(fields) == 0 {
		return len(dirty) > 0
	}
	for _, f := range fields {
		if _, ok := dirty[f]; ok {
			return true
		}
	}
	return false
}

func (i *Instance[T, PT]) scope() string {
	if org := i.value.Meta().OrganizationID; org != "" {
		return org
	}
	return i.store.organizationID
}

func (i *Instance[T, PT]) load(rec datastore.Record) error {
	value, err := decode[T, PT](rec)
	if err != nil {
		return err
	}
	original, err := attributes(value)
	if err != nil {
		return err
	}
	i.value = value
	i.original = original
	i.state = Persisted
	return nil
}
