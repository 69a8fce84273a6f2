package datastore

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	ErrUnknownEntity       = fmt.Errorf("unknown entity type: %w", errdefs.ErrInvalidArgument)
	ErrMissingOrganization = fmt.Errorf("organization_id is required for scoped entity types: %w", errdefs.ErrInvalidArgument)
	ErrInvalidRecord       = fmt.Errorf("invalid record: %w", errdefs.ErrInvalidArgument)
)

// IsInvalidArgument reports whether err was caused by caller input.
func IsInvalidArgument(err error) bool { return errdefs.IsInvalidArgument(err) }
