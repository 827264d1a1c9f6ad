package report

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is shared by id and token lookups, and by reports owned by
	// another radiologist, so a caller cannot tell which check failed.
	ErrNotFound        = errors.New("not found")
	ErrFinalized       = errors.New("report is finalized")
	ErrVersionConflict = errors.New("report was modified by another request")

	// ErrTokenTaken is returned by a repository when the minted patient token
	// collides with an existing one.
	ErrTokenTaken = errors.New("patient token already issued")
)
