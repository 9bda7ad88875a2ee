package services

import (
	"errors"

	"github.com/DavidNemeth/TimeSheet-App/database"
)

var (
	// ErrNotFound is returned when the entry does not exist.
	ErrNotFound = database.ErrNotFound
	// ErrIDMismatch is returned when the path id and the body id of an update differ.
	ErrIDMismatch = errors.New("id in path does not match id in body")
	// ErrForbidden is returned when the acting user may not perform the transition.
	ErrForbidden = errors.New("not allowed to perform this action")
)
