package test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/idspace"
	"github.com/outofforest/idspace/types"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig)))
	t.Cleanup(cancel)
	return ctx
}

func TestConcurrentRegisterAndRelease(t *testing.T) {
	requireT := require.New(t)
	ctx := testContext(t)
	r := idspace.RunInTest(t, idspace.Config{})

	const (
		workers   = 8
		perWorker = 1000
		numTypes  = 3
	)

	freeCounts := make([]atomic.Int32, workers*perWorker)
	free := func(object any) error {
		if freeCounts[object.(int)].Add(1) > 1 {
			return errors.New("object freed twice")
		}
		return nil
	}

	typs := make([]types.TypeID, numTypes)
	for i := range typs {
		typ, err := r.RegisterType(&idspace.Class{Free: free})
		requireT.NoError(err)
		typs[i] = typ
	}

	ids := make([][]types.ID, workers)
	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range workers {
			spawn(fmt.Sprintf("worker-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i := range perWorker {
					n := w*perWorker + i
					id, err := r.Register(typs[n%numTypes], n)
					if err != nil {
						return err
					}
					ids[w] = append(ids[w], id)

					if _, err := r.IncRef(id, false); err != nil {
						return err
					}
					if _, err := r.DecRef(id); err != nil {
						return err
					}
					if i%3 == 0 {
						if _, err := r.DecRef(id); err != nil {
							return err
						}
					}
				}
				return nil
			})
		}
		return nil
	}))

	// Every assigned ID is unique.
	seen := map[types.ID]struct{}{}
	for w := range workers {
		requireT.Len(ids[w], perWorker)
		for _, id := range ids[w] {
			_, ok := seen[id]
			requireT.False(ok)
			seen[id] = struct{}{}
		}
	}

	// IDs freed during the run are dead, the rest are live and resolvable.
	var live int
	for w := range workers {
		for i, id := range ids[w] {
			if i%3 == 0 {
				requireT.False(r.IsValid(id))
				continue
			}
			live++
			object, err := r.Object(id)
			requireT.NoError(err)
			requireT.Equal(w*perWorker+i, object)
		}
	}
	var members int
	for _, typ := range typs {
		n, err := r.NMembers(typ)
		requireT.NoError(err)
		members += int(n)
	}
	requireT.Equal(live, members)

	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range workers {
			spawn(fmt.Sprintf("releaser-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i, id := range ids[w] {
					if i%3 == 0 {
						continue
					}
					if _, err := r.DecRef(id); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return nil
	}))

	for i := range freeCounts {
		requireT.Equal(int32(1), freeCounts[i].Load())
	}
	for _, typ := range typs {
		n, err := r.NMembers(typ)
		requireT.NoError(err)
		requireT.Equal(uint64(0), n)

		collected, err := CollectIDs(r, typ)
		requireT.NoError(err)
		requireT.Empty(collected)
	}
}

func TestFullScaleRegisterHammer(t *testing.T) {
	if testing.Short() {
		t.Skip("full-scale hammer takes a while")
	}

	requireT := require.New(t)
	ctx := testContext(t)
	r := idspace.RunInTest(t, idspace.Config{})

	const (
		workers   = 32
		perWorker = 20000
		numTypes  = 3
	)

	freeCounts := make([]atomic.Int32, workers*perWorker)
	free := func(object any) error {
		if freeCounts[object.(int)].Add(1) > 1 {
			return errors.New("object freed twice")
		}
		return nil
	}

	typs := make([]types.TypeID, numTypes)
	for i := range typs {
		typ, err := r.RegisterType(&idspace.Class{Free: free})
		requireT.NoError(err)
		typs[i] = typ
	}

	ids := make([][]types.ID, workers)
	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := range workers {
			spawn(fmt.Sprintf("worker-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for i := range perWorker {
					n := w*perWorker + i
					id, err := r.Register(typs[n%numTypes], n)
					if err != nil {
						return err
					}
					ids[w] = append(ids[w], id)

					c, err := r.IncRef(id, false)
					if err != nil {
						return err
					}
					if c != 2 {
						return errors.Errorf("unexpected ref count %d", c)
					}
					object, err := r.Object(id)
					if err != nil {
						return err
					}
					if object.(int) != n {
						return errors.Errorf("unexpected object %v", object)
					}
					if _, err := r.DecRef(id); err != nil {
						return err
					}
					c, err = r.DecRef(id)
					if err != nil {
						return err
					}
					if c != 0 {
						return errors.Errorf("record still referenced: %d", c)
					}
				}
				return nil
			})
		}
		return nil
	}))

	seen := map[types.ID]struct{}{}
	for w := range workers {
		requireT.Len(ids[w], perWorker)
		for _, id := range ids[w] {
			_, ok := seen[id]
			requireT.False(ok)
			seen[id] = struct{}{}
		}
	}
	for i := range freeCounts {
		requireT.Equal(int32(1), freeCounts[i].Load())
	}
	for _, typ := range typs {
		n, err := r.NMembers(typ)
		requireT.NoError(err)
		requireT.Equal(uint64(0), n)
	}
}

func TestIterationDuringRemoval(t *testing.T) {
	requireT := require.New(t)
	ctx := testContext(t)
	r := idspace.RunInTest(t, idspace.Config{})

	const (
		n         = 4000
		iterators = 4
	)

	freeCounts := make([]atomic.Int32, n)
	typ, err := r.RegisterType(&idspace.Class{
		Free: func(object any) error {
			if freeCounts[object.(int)].Add(1) > 1 {
				return errors.New("object freed twice")
			}
			return nil
		},
	})
	requireT.NoError(err)

	ids := make([]types.ID, n)
	for i := range ids {
		id, err := r.Register(typ, i)
		requireT.NoError(err)
		ids[i] = id
	}

	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("remover", parallel.Continue, func(ctx context.Context) error {
			for _, id := range ids {
				if _, err := r.DecRef(id); err != nil {
					return err
				}
			}
			return nil
		})
		for k := range iterators {
			spawn(fmt.Sprintf("iterator-%d", k), parallel.Continue, func(ctx context.Context) error {
				for {
					seen := map[types.ID]struct{}{}
					err := r.Iterate(typ, false, func(object any, id types.ID) (bool, error) {
						// The visit pins the record, so its free function has
						// not run and cannot run until the visit ends.
						if freeCounts[object.(int)].Load() != 0 {
							return false, errors.New("visited a freed object")
						}
						if _, ok := seen[id]; ok {
							return false, errors.New("visited an id twice")
						}
						seen[id] = struct{}{}
						return true, nil
					})
					if err != nil {
						return err
					}

					members, err := r.NMembers(typ)
					if err != nil {
						return err
					}
					if members == 0 {
						return nil
					}
				}
			})
		}
		return nil
	}))

	for i := range freeCounts {
		requireT.Equal(int32(1), freeCounts[i].Load())
	}
	collected, err := CollectIDs(r, typ)
	requireT.NoError(err)
	requireT.Empty(collected)
}
