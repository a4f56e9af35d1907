package record

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/idspace/types"
)

// ErrMarked is returned when an operation reaches a record that is logically
// deleted. Marked records are absent for every purpose except free-list
// bookkeeping.
var ErrMarked = errors.New("record is marked")

// ErrInconsistent reports a kernel CAS failure on a path where the calling
// thread holds exclusive access. It indicates a protocol bug.
var ErrInconsistent = errors.New("kernel inconsistency")

type (
	// MutexHeldFn reports whether the current thread holds the host global
	// mutex.
	MutexHeldFn func() bool

	// RealizeFn produces the real object backing a future ID.
	RealizeFn func(future any) (any, error)

	// DiscardFn disposes of the object backing a future ID that is destroyed
	// before being realized.
	DiscardFn func(future any) error
)

// State is one snapshot of the kernel. Snapshots are immutable once published;
// every mutation builds a fresh copy and installs it with a single CAS.
type State struct {
	Object   any
	Count    uint32
	AppCount uint32

	// Marked means logically deleted. It is never unset.
	Marked bool

	// DoNotDisturb means one thread is running an operation that cannot be
	// rolled back and owns the kernel exclusively.
	DoNotDisturb bool

	// IsFuture means Object is a placeholder to be realized on first access.
	IsFuture bool

	// HolderHasMutex means the do-not-disturb holder entered while owning the
	// host global mutex. Threads that also own it may read the snapshot
	// without yielding.
	HolderHasMutex bool
}

// Record is the per-ID registry entry. Everything except the kernel is
// immutable between Init and retirement.
type Record struct {
	id      types.ID
	realize RealizeFn
	discard DiscardFn
	kernel  atomic.Pointer[State]
}

// Init prepares a fresh or recycled record before it is published.
func (r *Record) Init(id types.ID, s State, realize RealizeFn, discard DiscardFn) {
	r.id = id
	r.realize = realize
	r.discard = discard
	r.kernel.Store(lo.ToPtr(s))
}

// ID returns the ID the record was published under.
func (r *Record) ID() types.ID {
	return r.id
}

// Realize returns the realize callback of a future ID.
func (r *Record) Realize() RealizeFn {
	return r.realize
}

// Discard returns the discard callback of a future ID.
func (r *Record) Discard() DiscardFn {
	return r.discard
}

// Dead tells whether the record is marked, without yielding on
// do-not-disturb. Used to revalidate cached pointers.
func (r *Record) Dead() bool {
	s := r.kernel.Load()
	return s == nil || s.Marked
}

// View returns the current kernel snapshot. It yields while another thread
// holds the kernel, except when that thread entered owning the host global
// mutex and the caller owns it too. Marked records report ErrMarked.
func (r *Record) View(held MutexHeldFn) (State, error) {
	for {
		s := r.kernel.Load()
		if s.Marked {
			return State{}, errors.WithStack(ErrMarked)
		}
		if s.DoNotDisturb {
			if s.HolderHasMutex && held != nil && held() {
				return *s, nil
			}
			runtime.Gosched()
			continue
		}
		return *s, nil
	}
}

// Pin bumps the reference count so the object outlives the caller's use of
// it; the caller drops the pin through the regular decrement path. When the
// kernel is held by a thread owning the host global mutex and the caller owns
// it too, the held snapshot is returned unpinned instead of waiting, the same
// escape View takes. Marked records report ErrMarked.
func (r *Record) Pin(held MutexHeldFn) (State, bool, error) {
	for {
		s := r.kernel.Load()
		if s.Marked {
			return State{}, false, errors.WithStack(ErrMarked)
		}
		if s.DoNotDisturb {
			if s.HolderHasMutex && held != nil && held() {
				return *s, false, nil
			}
			runtime.Gosched()
			continue
		}

		next := *s
		next.Count++
		if r.kernel.CompareAndSwap(s, lo.ToPtr(next)) {
			return next, true, nil
		}
	}
}

// Update applies a roll-backable mutation: load, modify a local copy, CAS.
// The loop restarts on contention and yields while the kernel is held by
// another thread. If the mutation drives Count to zero, the record is marked
// in the same CAS. The committed state is returned.
func (r *Record) Update(apply func(s State) (State, error)) (State, error) {
	for {
		s := r.kernel.Load()
		if s.Marked {
			return State{}, errors.WithStack(ErrMarked)
		}
		if s.DoNotDisturb {
			runtime.Gosched()
			continue
		}

		next, err := apply(*s)
		if err != nil {
			return State{}, err
		}
		if next.Count == 0 {
			next.Marked = true
		}
		next.DoNotDisturb = false
		next.HolderHasMutex = false

		if r.kernel.CompareAndSwap(s, lo.ToPtr(next)) {
			return next, nil
		}
	}
}

// Acquire takes exclusive ownership of the kernel for an operation that
// cannot be rolled back. withMutex must be true iff the calling thread owns
// the host global mutex; it is recorded so that reads reentering from the
// holder's callbacks can proceed. The snapshot at the moment of acquisition
// is returned; the caller must finish with Release.
func (r *Record) Acquire(withMutex bool) (State, error) {
	for {
		s := r.kernel.Load()
		if s.Marked {
			return State{}, errors.WithStack(ErrMarked)
		}
		if s.DoNotDisturb {
			runtime.Gosched()
			continue
		}

		next := *s
		next.DoNotDisturb = true
		next.HolderHasMutex = withMutex

		if r.kernel.CompareAndSwap(s, lo.ToPtr(next)) {
			return next, nil
		}
		runtime.Gosched()
	}
}

// Release publishes the outcome of an acquired operation and drops the
// exclusive ownership. To abort, pass the snapshot returned by Acquire
// unchanged. The CAS must succeed because the caller holds the kernel;
// a failure is reported as ErrInconsistent.
func (r *Record) Release(next State) (State, error) {
	if next.Count == 0 {
		next.Marked = true
	}
	next.DoNotDisturb = false
	next.HolderHasMutex = false

	s := r.kernel.Load()
	if !s.DoNotDisturb || !r.kernel.CompareAndSwap(s, lo.ToPtr(next)) {
		return State{}, errors.WithStack(ErrInconsistent)
	}
	return next, nil
}
