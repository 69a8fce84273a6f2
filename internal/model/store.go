package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/bassista/gitrecords/internal/logger"
	"github.com/go-playground/validator/v10"
)

// Store reads and creates instances of one entity type, optionally bound to an organization.
type Store[T any, PT Model[T]] struct {
	provider       Provider
	entityType     string
	organizationID string
	validate       *validator.Validate
}

func NewStore[T any, PT Model[T]](provider Provider, entityType string) *Store[T, PT] {
	return &Store[T, PT]{
		provider:   provider,
		entityType: entityType,
		validate:   validator.New(),
	}
}

// For returns a copy of the store bound to an organization.
func (s *Store[T, PT]) For(organizationID string) *Store[T, PT] {
	cp := *s
	cp.organizationID = organizationID
	return &cp
}

func (s *Store[T, PT]) EntityType() string { return s.entityType }

func (s *Store[T, PT]) OrganizationID() string { return s.organizationID }

// New wraps an unsaved value. Nothing is written until Save.
func (s *Store[T, PT]) New(value PT) *Instance[T, PT] {
	if value == nil {
		value = PT(new(T))
	}
	return &Instance[T, PT]{store: s, value: value, state: Transient}
}

// Create builds an instance and saves it immediately.
func (s *Store[T, PT]) Create(ctx context.Context, value PT) (*Instance[T, PT], error) {
	inst := s.New(value)
	if _, err := inst.Save(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Find returns nil, nil when no record has the id.
func (s *Store[T, PT]) Find(ctx context.Context, id string) (*Instance[T, PT], error) {
	rec, found, err := s.provider.Find(ctx, s.entityType, id, s.organizationID)
	if err != nil || !found {
		return nil, err
	}
	return s.wrap(rec)
}

// FindOrFail is Find with absence reported as ErrNotFound.
func (s *Store[T, PT]) FindOrFail(ctx context.Context, id string) (*Instance[T, PT], error) {
	inst, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%s %s: %w", s.entityType, id, ErrNotFound)
	}
	return inst, nil
}

func (s *Store[T, PT]) All(ctx context.Context) ([]*Instance[T, PT], error) {
	records, err := s.provider.GetAll(ctx, s.entityType, s.organizationID)
	if err != nil {
		return nil, err
	}
	return s.wrapAll(records), nil
}

// Where returns the instances whose fields equal every filter value.
func (s *Store[T, PT]) Where(ctx context.Context, filters map[string]any) ([]*Instance[T, PT], error) {
	records, err := s.provider.Query(ctx, s.entityType, filters, s.organizationID)
	if err != nil {
		return nil, err
	}
	return s.wrapAll(records), nil
}

// Values unwraps instances into their typed values.
func Values[T any, PT Model[T]](instances []*Instance[T, PT]) []PT {
	out := make([]PT, len(instances))
	for i, inst := range instances {
		out[i] = inst.value
	}
	return out
}

// wrapAll skips records whose fields do not fit the entity struct.
func (s *Store[T, PT]) wrapAll(records []datastore.Record) []*Instance[T, PT] {
	out := make([]*Instance[T, PT], 0, len(records))
	for _, rec := range records {
		inst, err := s.wrap(rec)
		if err != nil {
			logger.WithEntity("model", s.entityType, s.organizationID).Warnf("skipping %s: %v", rec.ID(), err)
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (s *Store[T, PT]) wrap(rec datastore.Record) (*Instance[T, PT], error) {
	inst := &Instance[T, PT]{store: s}
	if err := inst.load(rec); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Store[T, PT]) check(value PT) error {
	if err := s.validate.Struct(value); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%s: %v: %w", s.entityType, verrs, ErrInvalid)
		}
		return fmt.Errorf("%s: %w", s.entityType, err)
	}
	return nil
}
