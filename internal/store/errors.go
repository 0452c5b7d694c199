package store

import (
	"errors"
	"fmt"

	"github.com/joss/kado/internal/apperr"
)

var (
	ErrNotFound     = errors.New("not in archive")
	ErrConnection   = errors.New("archive unavailable")
	ErrClosed       = errors.New("archive closed")
	ErrInvalidID    = errors.New("invalid run id")
	ErrInvalidQuery = errors.New("invalid query")
)

// MissingError names a run id (or prefix) with no match.
type MissingError struct {
	ID string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("no run matching %q in archive", e.ID)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *MissingError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports a lookup that matched nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConnection reports an archive that could not be opened or reached.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsClosed reports use of a closed archive.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// Classify tags archive errors for exit codes: bad ids, misses and bad
// queries are the caller's fault, anything else is infrastructure.
func Classify(op string, err error) error {
	var tagged *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tagged):
		return err
	case IsNotFound(err), errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidQuery):
		return apperr.Wrap(apperr.KindValidation, op, err)
	default:
		return apperr.Infrastructure(op, err)
	}
}
