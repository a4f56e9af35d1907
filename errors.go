package idspace

import (
	"github.com/pkg/errors"

	"github.com/outofforest/idspace/record"
)

// Error kinds returned by the public operations. Internal retries are never
// visible; only terminal outcomes surface.
var (
	// ErrInvalidType means the type ID is out of range, not allocated, or
	// reserved for the host library where the operation is public-only.
	ErrInvalidType = errors.New("invalid type")

	// ErrInvalidID means the ID's type field is invalid, the record is absent,
	// or the record is marked.
	ErrInvalidID = errors.New("invalid id")

	// ErrNoSpace means no free type slot or index is left.
	ErrNoSpace = errors.New("no space")

	// ErrExists means the ID is already present.
	ErrExists = errors.New("id exists")

	// ErrCallbackFailed means a host callback returned failure.
	ErrCallbackFailed = errors.New("callback failed")

	// ErrBadArg means a required argument is missing or malformed.
	ErrBadArg = errors.New("bad argument")

	// ErrInternal means a kernel CAS inconsistency that indicates a protocol
	// bug.
	ErrInternal = errors.New("internal inconsistency")
)

// asIDError maps kernel-level outcomes to the public error kinds.
func asIDError(err error) error {
	switch {
	case errors.Is(err, record.ErrMarked):
		return errors.WithStack(ErrInvalidID)
	case errors.Is(err, record.ErrInconsistent):
		return errors.WithStack(ErrInternal)
	default:
		return err
	}
}
