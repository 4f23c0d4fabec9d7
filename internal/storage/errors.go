package storage

import "errors"

// ErrPositionNotFound is returned when no active position exists for the
// requested underlying or ID.
var ErrPositionNotFound = errors.New("position not found")

// ErrUnderlyingBusy is returned when a second position is stored for an
// underlying that already carries an active one.
var ErrUnderlyingBusy = errors.New("underlying already has an active position")
