package ext4

import "errors"

// ErrorKind is the core's single integer error space (spec.md §6/§9): every
// operation that can fail returns one of these, never a panic.
type ErrorKind int

const (
	EOK ErrorKind = iota
	EPERM
	ENOENT
	EIO
	ENOMEM
	EEXIST
	EXDEV
	ENODEV
	ENOTDIR
	EISDIR
	EINVAL
	ENOSPC
	EROFS
	ENOTEMPTY
	ENODATA
	ENOTSUP
	ERANGE
	// ErrBadDxDir is the distinguished sentinel for a corrupted HTree index
	// encountered while transparently reading through a dx directory (§4.L).
	ErrBadDxDir
)

func (k ErrorKind) String() string {
	switch k {
	case EOK:
		return "ok"
	case EPERM:
		return "operation not permitted"
	case ENOENT:
		return "no such entry"
	case EIO:
		return "i/o error"
	case ENOMEM:
		return "out of memory"
	case EEXIST:
		return "already exists"
	case EXDEV:
		return "cross-device link"
	case ENODEV:
		return "no such device"
	case ENOTDIR:
		return "not a directory"
	case EISDIR:
		return "is a directory"
	case EINVAL:
		return "invalid argument"
	case ENOSPC:
		return "no space left"
	case EROFS:
		return "read-only filesystem"
	case ENOTEMPTY:
		return "directory not empty"
	case ENODATA:
		return "no data available"
	case ENOTSUP:
		return "operation not supported"
	case ERANGE:
		return "result out of range"
	case ErrBadDxDir:
		return "corrupted hashed directory index"
	default:
		return "unknown error"
	}
}

// FsError wraps an ErrorKind with the operation-specific context that
// produced it, so callers keep the numeric code (for taxonomy-based
// handling per §7) while humans still get a useful message.
type FsError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *FsError) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *FsError) Unwrap() error { return e.Err }

func newErr(op string, kind ErrorKind, err error) error {
	return &FsError{Op: op, Kind: kind, Err: err}
}

// Is reports whether target is, or wraps, a *FsError whose Kind is k.
func (k ErrorKind) Is(target error) bool {
	var fe *FsError
	if errors.As(target, &fe) {
		return fe.Kind == k
	}
	return false
}

// KindOf extracts the ErrorKind carried by err, or EIO if err does not
// originate from this package (a defensive default: unrecognized errors
// are treated as the most conservative structural failure per §7).
func KindOf(err error) ErrorKind {
	if err == nil {
		return EOK
	}
	var fe *FsError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return EIO
}
