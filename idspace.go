package idspace

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/idspace/freelist"
	"github.com/outofforest/idspace/record"
	"github.com/outofforest/idspace/types"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const (
	defaultMaxFreeRecords  = 4096
	defaultMaxFreeTypes    = 16
	defaultReclaimInterval = 100 * time.Millisecond
)

// Config stores registry configuration.
type Config struct {
	// MutexHeld reports whether the current thread owns the host global
	// mutex. It enables host callbacks holding that mutex to reenter the
	// registry read-only while a record is held exclusively.
	MutexHeld record.MutexHeldFn

	// FileID resolves the containing file's ID for an object. Supplied by the
	// host; GetFileID fails with ErrBadArg without it.
	FileID func(object any) (types.ID, error)

	// Name resolves an object's name. Supplied by the host; GetName fails
	// with ErrBadArg without it.
	Name func(object any) (string, error)

	// MaxFreeRecords bounds how many retired ID records are kept for reuse.
	MaxFreeRecords int64

	// MaxFreeTypes bounds how many retired type records are kept for reuse.
	MaxFreeTypes int64

	// ReclaimInterval is the period of the background reclaimer run by Run.
	ReclaimInterval time.Duration
}

// New creates new registry.
func New(config Config) *Registry {
	if config.MaxFreeRecords <= 0 {
		config.MaxFreeRecords = defaultMaxFreeRecords
	}
	if config.MaxFreeTypes <= 0 {
		config.MaxFreeTypes = defaultMaxFreeTypes
	}
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = defaultReclaimInterval
	}

	r := &Registry{
		config:   config,
		records:  freelist.New[record.Record](freelist.Config{MaxLength: config.MaxFreeRecords}),
		typeRecs: freelist.New[typeInfo](freelist.Config{MaxLength: config.MaxFreeTypes}),
	}
	r.nextType.Store(int64(types.FirstUserType))
	return r
}

// Registry maps IDs to user objects, organized into independently managed
// type registries. There is no global lock on the data path; every mutation
// goes through the per-record kernel CAS protocols, and retired records are
// reused only after the registry has been observed idle.
type Registry struct {
	config Config

	typeSlots [types.TypeMax]atomic.Pointer[typeInfo]
	allocated [types.TypeMax]atomic.Bool
	nextType  atomic.Int64

	// active counts threads currently inside a public operation. It gates
	// free-list reallocability.
	active atomic.Int32

	records  *freelist.List[record.Record]
	typeRecs *freelist.List[typeInfo]
}

// Run runs the background reclaimer. The registry is fully functional without
// it; retired records are then advanced only opportunistically when the last
// active thread leaves.
func (r *Registry) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reclaimer", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			ticker := time.NewTicker(r.config.ReclaimInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					r.records.Advance(r.quiescent)
					r.typeRecs.Advance(r.quiescent)
					if freed := r.records.Evict() + r.typeRecs.Evict(); freed > 0 {
						log.Debug("Released retired records", zap.Int("count", freed))
					}
				}
			}
		})
		return nil
	})
}

// Close destroys every published type, library types included. IDs still
// registered are freed through their type's free function.
func (r *Registry) Close() error {
	r.enter()
	defer r.exit()

	var firstErr error
	for t := types.TypeID(1); t < types.TypeMax; t++ {
		if r.typeSlots[t].Load() == nil {
			continue
		}
		if err := r.destroy(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) enter() {
	r.active.Add(1)
}

func (r *Registry) exit() {
	if r.active.Add(-1) == 0 {
		r.records.Advance(r.quiescent)
		r.typeRecs.Advance(r.quiescent)
	}
}

func (r *Registry) quiescent() bool {
	return r.active.Load() == 0
}

func (r *Registry) mutexHeld() bool {
	return r.config.MutexHeld != nil && r.config.MutexHeld()
}

func (r *Registry) newRecord() *record.Record {
	if rec := r.records.Get(); rec != nil {
		return rec
	}
	return &record.Record{}
}

func (r *Registry) newTypeInfo(class *Class) *typeInfo {
	ti := r.typeRecs.Get()
	if ti == nil {
		ti = &typeInfo{}
	}
	ti.class = class
	ti.table.Init()
	ti.nextIndex.Store(class.Reserved)
	ti.initCount.Store(1)
	return ti
}
