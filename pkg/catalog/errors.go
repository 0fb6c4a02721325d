package catalog

import (
	"errors"

	"github.com/kubeflow/data-catalog/pkg/catalog/query"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrKeyConflict              = errors.New("key already exists")
	ErrInvalidPatch             = errors.New("invalid patch")
	ErrAssetAssociationConflict = errors.New("asset association conflict")
	ErrUnsupported              = errors.New("unsupported")
	ErrAccessDenied             = errors.New("access denied")
	ErrConflict                 = errors.New("concurrent update conflict")
	ErrMigrationConflict        = errors.New("migration conflict")
	ErrPolicyUnavailable        = errors.New("access policy unavailable")
	ErrInvalidKey               = errors.New("invalid key")
	ErrIncompatiblePolicy       = errors.New("access policy is incompatible with this catalog")
	ErrNotWritable              = errors.New("data source is not writable")
	ErrOutOfRange               = errors.New("out of range")

	// ErrInvalidQuery is shared with the query package so callers can
	// test for it without importing both.
	ErrInvalidQuery = query.ErrInvalidQuery
)
