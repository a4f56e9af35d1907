package idspace

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/idspace/lfmap"
	"github.com/outofforest/idspace/record"
	"github.com/outofforest/idspace/types"
)

// Class describes the static behavior of a type.
type Class struct {
	// Reserved is the number of low indices excluded from assignment.
	Reserved uint64

	// Free disposes of an object when its ID dies. It runs with exclusive
	// access to the record and may reenter the registry.
	Free func(object any) error
}

// typeInfo is the per-type registry record. It is recycled through the type
// free list; everything is reinitialized before republication.
type typeInfo struct {
	class *Class

	// initCount is the number of times the type was registered minus the
	// times its reference was dropped.
	initCount atomic.Int64

	// members is the number of live IDs of the type.
	members atomic.Int64

	nextIndex  atomic.Uint64
	lastLookup atomic.Pointer[record.Record]

	// cleared means the type is being torn down; registrations that slip in
	// concurrently back themselves out.
	cleared atomic.Bool

	// marking counts clears in flight. Advisory.
	marking atomic.Int64

	table lfmap.Map[record.Record]
}

// RegisterType allocates a new user type and publishes it. A fixed-slot
// registration may publish a freshly cursor-allocated slot before the publish
// here lands; such a slot is surrendered and another one taken.
func (r *Registry) RegisterType(class *Class) (types.TypeID, error) {
	r.enter()
	defer r.exit()

	if class == nil {
		return 0, errors.WithStack(ErrBadArg)
	}

	fresh := r.newTypeInfo(class)
	for {
		t, err := r.allocTypeSlot()
		if err != nil {
			r.typeRecs.Retire(fresh)
			return 0, err
		}
		if r.typeSlots[t].CompareAndSwap(nil, fresh) {
			return t, nil
		}
	}
}

// RegisterTypeID publishes a class at a fixed type ID, the way the host
// registers its built-in types. Registering an already published type bumps
// its init count. When two threads publish the same slot concurrently the
// loser's record is dropped and the winner's init count is bumped instead.
func (r *Registry) RegisterTypeID(t types.TypeID, class *Class) error {
	r.enter()
	defer r.exit()

	if !t.Valid() {
		return errors.WithStack(ErrInvalidType)
	}
	if class == nil {
		return errors.WithStack(ErrBadArg)
	}

	r.allocated[t].CompareAndSwap(false, true)

	var fresh *typeInfo
	for {
		if ti := r.typeSlots[t].Load(); ti != nil {
			ti.initCount.Add(1)
			if fresh != nil {
				r.typeRecs.Retire(fresh)
			}
			return nil
		}
		if fresh == nil {
			fresh = r.newTypeInfo(class)
		}
		if r.typeSlots[t].CompareAndSwap(nil, fresh) {
			return nil
		}
	}
}

// IncTypeRef bumps the init count of a user type.
func (r *Registry) IncTypeRef(t types.TypeID) (int, error) {
	r.enter()
	defer r.exit()

	ti, err := r.userTypeAt(t)
	if err != nil {
		return 0, err
	}
	return int(ti.initCount.Add(1)), nil
}

// DecTypeRef drops one init count of a user type. The count reaching zero
// destroys the type.
func (r *Registry) DecTypeRef(t types.TypeID) (int, error) {
	r.enter()
	defer r.exit()

	ti, err := r.userTypeAt(t)
	if err != nil {
		return 0, err
	}

	for {
		c := ti.initCount.Load()
		if c <= 0 {
			return 0, errors.WithStack(ErrInvalidType)
		}
		if !ti.initCount.CompareAndSwap(c, c-1) {
			continue
		}
		if c > 1 {
			return int(c - 1), nil
		}
		return 0, r.destroy(t)
	}
}

// DestroyType logically deletes every ID of a user type, running the free
// functions, and retires the type record. The type ID is never reused.
func (r *Registry) DestroyType(t types.TypeID) error {
	r.enter()
	defer r.exit()

	if _, err := r.userTypeAt(t); err != nil {
		return err
	}
	return r.destroy(t)
}

// ClearType runs the free function on every ID of a user type. With force
// set every record is marked regardless of callback outcome; without it a
// failing callback leaves its record alive and the final status is
// ErrCallbackFailed.
func (r *Registry) ClearType(t types.TypeID, force bool) error {
	r.enter()
	defer r.exit()

	ti, err := r.userTypeAt(t)
	if err != nil {
		return err
	}
	return r.clearMembers(ti, force)
}

// TypeExists tells whether the type is published.
func (r *Registry) TypeExists(t types.TypeID) bool {
	r.enter()
	defer r.exit()

	_, err := r.typeAt(t)
	return err == nil
}

// NMembers returns the number of live IDs of the type.
func (r *Registry) NMembers(t types.TypeID) (uint64, error) {
	r.enter()
	defer r.exit()

	ti, err := r.typeAt(t)
	if err != nil {
		return 0, err
	}
	return uint64(ti.members.Load()), nil
}

// allocTypeSlot reserves a slot for a new user type: fetch-and-increment of
// the cursor first, linear scan of the allocation table once the cursor
// saturates.
func (r *Registry) allocTypeSlot() (types.TypeID, error) {
	for {
		t := types.TypeID(r.nextType.Add(1) - 1)
		if t >= types.TypeMax {
			break
		}
		if r.allocated[t].CompareAndSwap(false, true) {
			return t, nil
		}
		// Slot reserved through RegisterTypeID, move past it.
	}

	for t := types.FirstUserType; t < types.TypeMax; t++ {
		if r.allocated[t].CompareAndSwap(false, true) {
			return t, nil
		}
	}
	return 0, errors.WithStack(ErrNoSpace)
}

func (r *Registry) typeAt(t types.TypeID) (*typeInfo, error) {
	if !t.Valid() {
		return nil, errors.WithStack(ErrInvalidType)
	}
	ti := r.typeSlots[t].Load()
	if ti == nil {
		return nil, errors.WithStack(ErrInvalidType)
	}
	return ti, nil
}

func (r *Registry) userTypeAt(t types.TypeID) (*typeInfo, error) {
	if !t.User() {
		return nil, errors.WithStack(ErrInvalidType)
	}
	return r.typeAt(t)
}

// destroy tears a published type down: mark it cleared, dispose of every
// member, unpublish, retire the record. The allocation flag stays set.
func (r *Registry) destroy(t types.TypeID) error {
	ti, err := r.typeAt(t)
	if err != nil {
		return err
	}

	ti.cleared.Store(true)
	if err := r.clearMembers(ti, true); err != nil {
		return err
	}
	if !r.typeSlots[t].CompareAndSwap(ti, nil) {
		// Lost to a concurrent destroy.
		return errors.WithStack(ErrInvalidType)
	}
	ti.initCount.Store(0)
	r.typeRecs.Retire(ti)
	return nil
}

// clearMembers disposes of every member of a type. Individual callback
// failures do not stop the sweep.
func (r *Registry) clearMembers(ti *typeInfo, force bool) error {
	ti.marking.Add(1)
	defer ti.marking.Add(-1)

	var failed bool
	if force {
		ti.table.Clear(func(_ types.ID, rec *record.Record) {
			if err := r.reap(ti, rec, true); err != nil {
				failed = true
			}
		})
	} else {
		ti.table.Iterate(func(_ types.ID, rec *record.Record) bool {
			if err := r.reap(ti, rec, false); err != nil {
				failed = true
			}
			return true
		})
	}

	if failed && !force {
		return errors.WithStack(ErrCallbackFailed)
	}
	return nil
}

// reap marks one record and disposes of its object under exclusive kernel
// access; future IDs go through their discard callback instead of the free
// function. Without force a callback failure rolls the acquisition back and
// leaves the record alive.
func (r *Registry) reap(ti *typeInfo, rec *record.Record, force bool) error {
	s, err := rec.Acquire(r.mutexHeld())
	if err != nil {
		// Already marked, its owner disposes of it.
		return nil
	}

	var cbErr error
	switch {
	case s.IsFuture:
		if discard := rec.Discard(); discard != nil {
			cbErr = discard(s.Object)
		}
	case ti.class.Free != nil:
		cbErr = ti.class.Free(s.Object)
	}

	if cbErr != nil && !force {
		if _, err := rec.Release(s); err != nil {
			return asIDError(err)
		}
		return errors.Wrapf(ErrCallbackFailed, "freeing id %d: %s", rec.ID(), cbErr)
	}

	next := s
	next.Count = 0
	next.AppCount = 0
	if _, err := rec.Release(next); err != nil {
		return asIDError(err)
	}
	r.detach(ti, rec)
	if cbErr != nil {
		return errors.Wrapf(ErrCallbackFailed, "freeing id %d: %s", rec.ID(), cbErr)
	}
	return nil
}

// detach finalizes a record whose kernel the caller has just marked: unlink
// from the table, drop the lookup cache, retire. Exactly one thread marks a
// kernel, so exactly one thread detaches it.
func (r *Registry) detach(ti *typeInfo, rec *record.Record) {
	ti.table.Delete(rec.ID())
	ti.lastLookup.CompareAndSwap(rec, nil)
	ti.members.Add(-1)
	r.records.Retire(rec)
}
