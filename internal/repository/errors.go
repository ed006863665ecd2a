// Package repository defines the persistence layer.  Sentinel values let the
// booking engine and handlers tell failure scenarios apart without looking
// at driver errors.
package repository

import "errors"

// ErrNotFound is returned when a tour, session, reservation or payment row
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own.  Handlers translate this into 403.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when a write cannot be performed because of
// conflicting state, such as a duplicate external payment id.
var ErrConflict = errors.New("conflict")
