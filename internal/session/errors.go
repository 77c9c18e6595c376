package session

import (
	"errors"
	"fmt"
)

// ErrInvalidRecord prefixes the panic raised when Register receives a record
// without its identity fields.
const ErrInvalidRecord = "session: invalid record"

// ErrDuplicateSession matches any *DuplicateSessionError via errors.Is.
var ErrDuplicateSession = errors.New("session already active for this user and connection")

// ErrMissingField is returned by Record.Validate.
var ErrMissingField = errors.New("missing required field")

// DuplicateSessionError is returned by Register when the (user, connection)
// pair already owns a live session. It is an expected, user-facing outcome
// and must not be retried automatically.
type DuplicateSessionError struct {
	Key        Key
	ExistingID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("user %q already has session %s on connection %q",
		e.Key.UserID, e.ExistingID, e.Key.ConnectionID)
}

func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateSession
}

func fieldError(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}
