// Package model gives typed entities a uniform persistence lifecycle on top of
// the data provider. Concrete entities only declare their fields; finding,
// saving, deleting and dirty tracking live here.
package model

import (
	"context"
	"fmt"

	"github.com/bassista/gitrecords/internal/datastore"
	"github.com/containerd/errdefs"
)

var (
	ErrNotFound = fmt.Errorf("record not found: %w", errdefs.ErrNotFound)
	ErrInvalid  = fmt.Errorf("record failed validation: %w", errdefs.ErrInvalidArgument)
)

// Base holds the fields every stored record carries. Entity structs embed it.
type Base struct {
	ID             string `json:"id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`

	// Extra keeps stored fields the entity struct does not declare, so they
	// survive a load/save cycle.
	Extra map[string]any `json:"-"`
}

// Meta gives the model layer access to the embedded Base.
func (b *Base) Meta() *Base { return b }

// Model is satisfied by a pointer to any struct embedding Base.
type Model[T any] interface {
	*T
	Meta() *Base
}

// Provider is the subset of the data provider the model layer needs.
type Provider interface {
	GetAll(ctx context.Context, entityType, organizationID string) ([]datastore.Record, error)
	Find(ctx context.Context, entityType, id, organizationID string) (datastore.Record, bool, error)
	Query(ctx context.Context, entityType string, filters map[string]any, organizationID string) ([]datastore.Record, error)
	Create(ctx context.Context, entityType string, data map[string]any, organizationID string) (datastore.Record, error)
	Update(ctx context.Context, entityType, id string, partial map[string]any, organizationID string) (datastore.Record, bool, error)
	Delete(ctx context.Context, entityType, id, organizationID string) (bool, error)
}

var _ Provider = (*datastore.Provider)(nil)
