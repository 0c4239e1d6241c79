package rbac

import "errors"

var (
	ErrForbidden           = errors.New("rbac: forbidden")
	ErrOutOfScope          = errors.New("rbac: target outside actor scope")
	ErrUnknownResourceType = errors.New("rbac: unknown resource type")
	ErrUnknownPermission   = errors.New("rbac: unknown permission")
	ErrUnknownRole         = errors.New("rbac: unknown role")
	ErrCorruptScope        = errors.New("rbac: corrupted scope data")
	ErrInvalidInput        = errors.New("rbac: invalid input")
	ErrNotFound            = errors.New("rbac: not found")
	ErrConflict            = errors.New("rbac: conflict")
)
