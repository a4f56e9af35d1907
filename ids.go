package idspace

import (
	"github.com/pkg/errors"

	"github.com/outofforest/idspace/lfmap"
	"github.com/outofforest/idspace/record"
	"github.com/outofforest/idspace/types"
)

// errLastReference aborts a roll-backable decrement so the final reference
// can be dropped under exclusive access instead.
var errLastReference = errors.New("last reference")

// Register assigns the next index of the type and publishes the object under
// the resulting ID. The new record starts with one reference, counted as an
// application reference.
func (r *Registry) Register(t types.TypeID, object any) (types.ID, error) {
	r.enter()
	defer r.exit()

	ti, err := r.typeAt(t)
	if err != nil {
		return types.Invalid, err
	}
	return r.publish(ti, t, record.State{Object: object, Count: 1, AppCount: 1}, nil, nil)
}

// RegisterFuture publishes a placeholder object whose real object is produced
// by realize on first access. discard disposes of the placeholder if the ID
// dies unrealized.
func (r *Registry) RegisterFuture(
	t types.TypeID,
	object any,
	realize record.RealizeFn,
	discard record.DiscardFn,
) (types.ID, error) {
	r.enter()
	defer r.exit()

	if realize == nil || discard == nil {
		return types.Invalid, errors.WithStack(ErrBadArg)
	}
	ti, err := r.typeAt(t)
	if err != nil {
		return types.Invalid, err
	}
	return r.publish(ti, t, record.State{Object: object, Count: 1, AppCount: 1, IsFuture: true}, realize, discard)
}

// RegisterExisting publishes an object under a caller-chosen ID. The index
// cursor of the type is not advanced; a later cursor collision surfaces as
// ErrExists there.
func (r *Registry) RegisterExisting(id types.ID, object any) error {
	r.enter()
	defer r.exit()

	if !id.Valid() {
		return errors.WithStack(ErrInvalidID)
	}
	ti, err := r.typeAt(id.Type())
	if err != nil {
		return err
	}

	rec := r.newRecord()
	rec.Init(id, record.State{Object: object, Count: 1, AppCount: 1}, nil, nil)
	return r.insert(ti, rec)
}

// ObjectVerify returns the object behind an ID after checking it belongs to
// the expected type. A future ID is realized first.
func (r *Registry) ObjectVerify(id types.ID, t types.TypeID) (any, error) {
	r.enter()
	defer r.exit()

	if id.Type() != t {
		return nil, errors.WithStack(ErrInvalidID)
	}
	_, rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.object(rec)
}

// Object returns the object behind an ID, realizing futures, without an
// expected-type check beyond ID validity.
func (r *Registry) Object(id types.ID) (any, error) {
	r.enter()
	defer r.exit()

	_, rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.object(rec)
}

// RemoveVerify marks the ID and detaches it from the index without running
// the free function; the object is handed back to the caller.
func (r *Registry) RemoveVerify(id types.ID, t types.TypeID) (any, error) {
	r.enter()
	defer r.exit()

	if id.Type() != t {
		return nil, errors.WithStack(ErrInvalidID)
	}
	ti, rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	s, err := rec.Acquire(r.mutexHeld())
	if err != nil {
		return nil, asIDError(err)
	}
	next := s
	next.Count = 0
	next.AppCount = 0
	if _, err := rec.Release(next); err != nil {
		return nil, asIDError(err)
	}
	r.detach(ti, rec)
	return s.Object, nil
}

// IncRef bumps the reference count; with app set the application count too.
// The new count of the requested kind is returned.
func (r *Registry) IncRef(id types.ID, app bool) (uint32, error) {
	r.enter()
	defer r.exit()

	_, rec, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	s, err := rec.Update(func(s record.State) (record.State, error) {
		s.Count++
		if app {
			s.AppCount++
		}
		return s, nil
	})
	if err != nil {
		return 0, asIDError(err)
	}
	if app {
		return s.AppCount, nil
	}
	return s.Count, nil
}

// DecRef drops one reference. Dropping the final one runs the free function
// (or the discard callback of an unrealized future) under exclusive access
// and marks the record; a callback failure rolls the decrement back.
func (r *Registry) DecRef(id types.ID) (uint32, error) {
	r.enter()
	defer r.exit()

	ti, rec, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return r.decRecord(ti, rec, true)
}

// GetRef returns the current reference count of the requested kind.
func (r *Registry) GetRef(id types.ID, app bool) (uint32, error) {
	r.enter()
	defer r.exit()

	_, rec, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	s, err := rec.View(r.config.MutexHeld)
	if err != nil {
		return 0, asIDError(err)
	}
	if app {
		return s.AppCount, nil
	}
	return s.Count, nil
}

// TypeOf returns the type of a live ID.
func (r *Registry) TypeOf(id types.ID) (types.TypeID, error) {
	r.enter()
	defer r.exit()

	_, rec, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if _, err := rec.View(r.config.MutexHeld); err != nil {
		return 0, asIDError(err)
	}
	return id.Type(), nil
}

// IsValid tells whether the ID refers to a live record.
func (r *Registry) IsValid(id types.ID) bool {
	_, err := r.TypeOf(id)
	return err == nil
}

// Iterate visits the live IDs of a type; with app set, only those holding
// application references. Returning false stops the iteration without error;
// a non-nil error aborts it and is returned. The visited record is pinned
// with an extra reference for the duration of the visit, so its free function
// cannot run mid-visit; the visitor is free to register, remove or
// dereference other IDs, or delete the visited one. A record held exclusively
// by a mutex-owning thread is visited on its read-only snapshot when the
// iterating thread owns the mutex too, so callbacks reentering from that
// holder do not wait on their own hold.
func (r *Registry) Iterate(t types.TypeID, app bool, visit func(object any, id types.ID) (bool, error)) error {
	r.enter()
	defer r.exit()

	ti, err := r.typeAt(t)
	if err != nil {
		return err
	}

	var visitErr error
	ti.table.Iterate(func(id types.ID, rec *record.Record) bool {
		s, pinned, err := rec.Pin(r.config.MutexHeld)
		if err != nil {
			// Marked concurrently, treat as absent.
			return true
		}
		unpin := func() {
			if !pinned {
				return
			}
			// The pin is dropped through the regular decrement path: if the
			// visitor (or anyone else) released the last real reference, the
			// record dies here, after the visit. A visitor removing the
			// visited ID outright leaves the pin nothing to drop.
			if _, decErr := r.decRecord(ti, rec, false); decErr != nil &&
				!errors.Is(decErr, ErrInvalidID) && visitErr == nil {
				visitErr = decErr
			}
		}
		if app && s.AppCount == 0 {
			unpin()
			return visitErr == nil
		}

		more, err := visit(s.Object, id)

		unpin()
		if err != nil {
			visitErr = err
			return false
		}
		return more
	})
	return visitErr
}

// Search iterates a type and returns the first object satisfying the
// predicate, together with its ID. ErrInvalidID is returned when nothing
// matches.
func (r *Registry) Search(t types.TypeID, match func(object any, id types.ID) bool) (any, types.ID, error) {
	var (
		found   any
		foundID = types.Invalid
	)
	err := r.Iterate(t, false, func(object any, id types.ID) (bool, error) {
		if match(object, id) {
			found = object
			foundID = id
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, types.Invalid, err
	}
	if foundID == types.Invalid {
		return nil, types.Invalid, errors.WithStack(ErrInvalidID)
	}
	return found, foundID, nil
}

// GetFileID resolves the containing file's ID of an object through the host.
func (r *Registry) GetFileID(id types.ID) (types.ID, error) {
	r.enter()
	defer r.exit()

	if r.config.FileID == nil {
		return types.Invalid, errors.WithStack(ErrBadArg)
	}
	_, rec, err := r.lookup(id)
	if err != nil {
		return types.Invalid, err
	}
	s, err := rec.View(r.config.MutexHeld)
	if err != nil {
		return types.Invalid, asIDError(err)
	}
	return r.config.FileID(s.Object)
}

// GetName resolves an object's name through the host.
func (r *Registry) GetName(id types.ID) (string, error) {
	r.enter()
	defer r.exit()

	if r.config.Name == nil {
		return "", errors.WithStack(ErrBadArg)
	}
	_, rec, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	s, err := rec.View(r.config.MutexHeld)
	if err != nil {
		return "", asIDError(err)
	}
	return r.config.Name(s.Object)
}

// publish assigns the next index and inserts a fresh record.
func (r *Registry) publish(
	ti *typeInfo,
	t types.TypeID,
	s record.State,
	realize record.RealizeFn,
	discard record.DiscardFn,
) (types.ID, error) {
	index := ti.nextIndex.Add(1) - 1
	if index > types.MaxIndex {
		return types.Invalid, errors.WithStack(ErrNoSpace)
	}
	id := types.Make(t, index)

	rec := r.newRecord()
	rec.Init(id, s, realize, discard)
	if err := r.insert(ti, rec); err != nil {
		return types.Invalid, err
	}
	return id, nil
}

// insert publishes an initialized record in its type's table, backing out if
// the type is concurrently torn down.
func (r *Registry) insert(ti *typeInfo, rec *record.Record) error {
	if err := ti.table.Insert(rec.ID(), rec); err != nil {
		r.records.Retire(rec)
		if errors.Is(err, lfmap.ErrExists) {
			return errors.WithStack(ErrExists)
		}
		return err
	}
	ti.members.Add(1)

	if ti.cleared.Load() {
		r.backout(ti, rec)
		return errors.WithStack(ErrInvalidType)
	}

	r.cache(ti, rec)
	return nil
}

// backout withdraws a registration that raced with a type teardown. The free
// function is not run; if the teardown sweep got to the record first, it has
// already disposed of it.
func (r *Registry) backout(ti *typeInfo, rec *record.Record) {
	s, err := rec.Acquire(false)
	if err != nil {
		return
	}
	s.Count = 0
	s.AppCount = 0
	if _, err := rec.Release(s); err != nil {
		return
	}
	r.detach(ti, rec)
}

// lookup finds the record of an ID, trying the type's last-lookup cache
// before the table. A cached pointer may be stale or marked; it is used only
// after revalidation against the record itself.
func (r *Registry) lookup(id types.ID) (*typeInfo, *record.Record, error) {
	if !id.Valid() {
		return nil, nil, errors.WithStack(ErrInvalidID)
	}
	ti := r.typeSlots[id.Type()].Load()
	if ti == nil {
		return nil, nil, errors.WithStack(ErrInvalidID)
	}

	if rec := ti.lastLookup.Load(); rec != nil && rec.ID() == id && !rec.Dead() {
		return ti, rec, nil
	}

	rec, ok := ti.table.Find(id)
	if !ok {
		return nil, nil, errors.WithStack(ErrInvalidID)
	}
	r.cache(ti, rec)
	return ti, rec, nil
}

// cache publishes a record in the last-lookup slot. The store is undone if
// the record died in the meantime; this keeps dead records out of the cache
// once their owner has cleared it, so no stale pointer survives past a
// quiescence advance.
func (r *Registry) cache(ti *typeInfo, rec *record.Record) {
	ti.lastLookup.Store(rec)
	if rec.Dead() {
		ti.lastLookup.CompareAndSwap(rec, nil)
	}
}

// object extracts the object from a live record, realizing futures.
func (r *Registry) object(rec *record.Record) (any, error) {
	s, err := rec.View(r.config.MutexHeld)
	if err != nil {
		return nil, asIDError(err)
	}
	if !s.IsFuture {
		return s.Object, nil
	}
	return r.realizeFuture(rec)
}

// realizeFuture swaps the placeholder of a future ID for the real object
// produced by the realize callback. The callback runs under exclusive kernel
// access; if some other thread realized the ID first, its object is returned.
func (r *Registry) realizeFuture(rec *record.Record) (any, error) {
	s, err := rec.Acquire(r.mutexHeld())
	if err != nil {
		return nil, asIDError(err)
	}
	if !s.IsFuture {
		if _, err := rec.Release(s); err != nil {
			return nil, asIDError(err)
		}
		return s.Object, nil
	}

	object, cbErr := rec.Realize()(s.Object)
	if cbErr != nil {
		if _, err := rec.Release(s); err != nil {
			return nil, asIDError(err)
		}
		return nil, errors.Wrapf(ErrCallbackFailed, "realizing id %d: %s", rec.ID(), cbErr)
	}

	next := s
	next.Object = object
	next.IsFuture = false
	if _, err := rec.Release(next); err != nil {
		return nil, asIDError(err)
	}
	return object, nil
}

// decRecord drops one reference of a record. The final reference switches
// from the roll-backable path to exclusive access so the object can be
// disposed of exactly once.
func (r *Registry) decRecord(ti *typeInfo, rec *record.Record, app bool) (uint32, error) {
	for {
		s, err := rec.Update(func(s record.State) (record.State, error) {
			if s.Count == 1 {
				return s, errLastReference
			}
			s.Count--
			if app && s.AppCount > 0 {
				s.AppCount--
			}
			if s.AppCount > s.Count {
				s.AppCount = s.Count
			}
			return s, nil
		})
		switch {
		case err == nil:
			return s.Count, nil
		case errors.Is(err, errLastReference):
		default:
			return 0, asIDError(err)
		}

		s, err = rec.Acquire(r.mutexHeld())
		if err != nil {
			return 0, asIDError(err)
		}
		if s.Count > 1 {
			// Raced with an IncRef, roll the acquisition back and retry.
			if _, err := rec.Release(s); err != nil {
				return 0, asIDError(err)
			}
			continue
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
		if cbErr != nil {
			// The reference stays; the caller owns the compensation.
			if _, err := rec.Release(s); err != nil {
				return 0, asIDError(err)
			}
			return 0, errors.Wrapf(ErrCallbackFailed, "freeing id %d: %s", rec.ID(), cbErr)
		}

		next := s
		next.Count = 0
		next.AppCount = 0
		if _, err := rec.Release(next); err != nil {
			return 0, asIDError(err)
		}
		r.detach(ti, rec)
		return 0, nil
	}
}
