package objects

import (
	"github.com/forgelet/forgelet/pkg/errors"
)

var (
	// ErrObjectMissing indicates a get against an absent content address
	ErrObjectMissing = errors.New("object missing")

	// ErrRefMissing indicates a resolve against an unknown ref name
	ErrRefMissing = errors.New("ref missing")

	// ErrConflict indicates a ref compare-and-swap lost a race with a
	// concurrent writer. The caller is expected to re-negotiate and retry.
	ErrConflict = errors.New("ref update conflict")

	// ErrCorrupted indicates stored bytes do not hash back to their key
	ErrCorrupted = errors.New("object corrupted")
)

func errIs(err, target error) bool {
	return errors.Is(err, target)
}
