package plansync

import "errors"

var (
	// ErrUserNotFound is returned when a user does not exist in the identity store
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidPlan is returned for unknown plan values
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidPatch is returned when a metadata patch is malformed
	ErrInvalidPatch = errors.New("invalid metadata patch")

	// ErrStoreUnavailable is returned when the identity store cannot be reached
	ErrStoreUnavailable = errors.New("identity store unavailable")
)
