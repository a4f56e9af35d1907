package test

import (
	"sort"

	"golang.org/x/exp/constraints"

	"github.com/outofforest/idspace"
	"github.com/outofforest/idspace/types"
)

// CollectIDs collects the live IDs of a type, sorted.
func CollectIDs(r *idspace.Registry, t types.TypeID) ([]types.ID, error) {
	ids := []types.ID{}
	err := r.Iterate(t, false, func(_ any, id types.ID) (bool, error) {
		ids = append(ids, id)
		return true, nil
	})

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids, err
}

// CollectObjects collects the objects of a type, sorted.
func CollectObjects[V constraints.Ordered](r *idspace.Registry, t types.TypeID) ([]V, error) {
	objects := []V{}
	err := r.Iterate(t, false, func(object any, _ types.ID) (bool, error) {
		objects = append(objects, object.(V))
		return true, nil
	})

	sort.Slice(objects, func(i, j int) bool {
		return objects[i] < objects[j]
	})
	return objects, err
}
