package store

import "errors"

// ErrNotFound is returned by store methods when the requested record does
// not exist. Callers should check with errors.Is.
var ErrNotFound = errors.New("store: record not found")

// ErrConflict is returned when a passive agent insert or update violates a
// unique constraint (name or address). Agent renames report a name
// conflict through Rename's bool result instead.
var ErrConflict = errors.New("store: record already exists")
