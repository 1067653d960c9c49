package store

import "errors"

// ErrDuplicate is returned when a row with the same primary key already exists.
var ErrDuplicate = errors.New("duplicate key")
