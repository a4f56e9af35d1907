package lfmap

import (
	"math/bits"
	"sync/atomic"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/idspace/types"
	"github.com/outofforest/photon"
)

// ErrExists is returned when inserting an ID that is already present.
var ErrExists = errors.New("id already present")

const (
	segmentBits  = 10
	segmentSize  = 1 << segmentBits
	segmentCount = 1 << segmentBits
	maxBuckets   = segmentSize * segmentCount

	initialBuckets = 2
	loadFactor     = 4
)

// Map is a lock-free hash table keyed by ID, implemented as a split-ordered
// list: one sorted linked list of all entries, entered through lazily
// initialized per-bucket dummy nodes. Values are opaque pointers; the map
// never interprets or frees them. Deletion is logical - a marked link cell -
// and unlinking is lazy.
type Map[V any] struct {
	segments [segmentCount]atomic.Pointer[segment[V]]
	size     atomic.Uint64
	count    atomic.Int64
}

type segment[V any] [segmentSize]atomic.Pointer[node[V]]

// link is an immutable next cell. Marking a node deleted installs a fresh
// cell with the deleted flag, so a CAS expecting the old cell fails on any
// predecessor whose successor changed or died. This is Harris's tagged next
// pointer, with allocation standing in for the tag bit.
type link[V any] struct {
	next    *node[V]
	deleted bool
}

type node[V any] struct {
	sokey uint64
	id    types.ID
	value *V
	link  atomic.Pointer[link[V]]
}

func (n *node[V]) dummy() bool {
	return n.sokey&1 == 0
}

// Init prepares the map for use. It must be called before any other method,
// and again after the enclosing record is recycled.
func (m *Map[V]) Init() {
	head := &node[V]{}
	head.link.Store(&link[V]{})
	seg := &segment[V]{}
	seg[0].Store(head)
	m.segments[0].Store(seg)
	m.size.Store(initialBuckets)
	m.count.Store(0)
}

// Insert publishes a value under an ID. It fails with ErrExists if the ID is
// already present and not logically deleted.
func (m *Map[V]) Insert(id types.ID, v *V) error {
	sokey := regularKey(id)
	start := m.bucket(m.bucketOf(id))
	for {
		pred, pLink, curr := m.find(start, sokey, id)
		if curr != nil && curr.sokey == sokey && curr.id == id {
			return errors.WithStack(ErrExists)
		}

		n := &node[V]{sokey: sokey, id: id, value: v}
		n.link.Store(&link[V]{next: curr})
		if pred.link.CompareAndSwap(pLink, &link[V]{next: n}) {
			m.count.Add(1)
			m.maybeGrow()
			return nil
		}
	}
}

// Find returns the value published under an ID, or false if the ID is absent
// or logically deleted.
func (m *Map[V]) Find(id types.ID) (*V, bool) {
	sokey := regularKey(id)
	_, _, curr := m.find(m.bucket(m.bucketOf(id)), sokey, id)
	if curr != nil && curr.sokey == sokey && curr.id == id {
		return curr.value, true
	}
	return nil, false
}

// Delete logically removes an ID and returns its value. Concurrent readers
// that already reached the entry keep seeing a consistent value; the node is
// unlinked lazily.
func (m *Map[V]) Delete(id types.ID) (*V, bool) {
	sokey := regularKey(id)
	start := m.bucket(m.bucketOf(id))
	for {
		pred, pLink, curr := m.find(start, sokey, id)
		if curr == nil || curr.sokey != sokey || curr.id != id {
			return nil, false
		}

		cLink := curr.link.Load()
		if cLink.deleted {
			return nil, false
		}
		if curr.link.CompareAndSwap(cLink, &link[V]{next: cLink.next, deleted: true}) {
			m.count.Add(-1)
			// Best-effort unlink, find cleans up otherwise.
			pred.link.CompareAndSwap(pLink, &link[V]{next: cLink.next})
			return curr.value, true
		}
	}
}

// Iterate visits entries in split order. Every entry present for the whole
// iteration is visited exactly once; entries inserted or deleted concurrently
// may or may not be seen.
func (m *Map[V]) Iterate(yield func(id types.ID, v *V) bool) {
	n := m.bucket(0)
	for n != nil {
		l := n.link.Load()
		if !n.dummy() && !l.deleted {
			if !yield(n.id, n.value) {
				return
			}
		}
		n = l.next
	}
}

// Clear logically deletes every entry, invoking fn on each exactly once
// across all clearing threads.
func (m *Map[V]) Clear(fn func(id types.ID, v *V)) {
	n := m.bucket(0)
	for n != nil {
		l := n.link.Load()
		if !n.dummy() {
			for !l.deleted {
				if n.link.CompareAndSwap(l, &link[V]{next: l.next, deleted: true}) {
					m.count.Add(-1)
					if fn != nil {
						fn(n.id, n.value)
					}
					break
				}
				l = n.link.Load()
			}
		}
		n = l.next
	}
}

// Len returns the number of live entries.
func (m *Map[V]) Len() int64 {
	return m.count.Load()
}

// find positions at the first node with sokey greater than or equal to the
// target, skipping and unlinking logically deleted nodes. pLink is the link
// cell of pred observed to point at curr; it is the expected value for any
// CAS splicing at this position.
func (m *Map[V]) find(start *node[V], sokey uint64, id types.ID) (pred *node[V], pLink *link[V], curr *node[V]) {
retry:
	for {
		pred = start
		pLink = pred.link.Load()
		curr = pLink.next
		for {
			if curr == nil {
				return pred, pLink, nil
			}
			cLink := curr.link.Load()
			if cLink.deleted {
				spliced := &link[V]{next: cLink.next}
				if !pred.link.CompareAndSwap(pLink, spliced) {
					continue retry
				}
				pLink = spliced
				curr = cLink.next
				continue
			}
			if curr.sokey > sokey || (curr.sokey == sokey && curr.id == id) {
				return pred, pLink, curr
			}
			pred = curr
			pLink = cLink
			curr = cLink.next
		}
	}
}

// bucket returns the dummy node the bucket's sublist hangs off, initializing
// the bucket from its parent on first use.
func (m *Map[V]) bucket(b uint64) *node[V] {
	ptr := m.bucketPtr(b)
	if n := ptr.Load(); n != nil {
		return n
	}
	return m.initBucket(b, ptr)
}

func (m *Map[V]) initBucket(b uint64, ptr *atomic.Pointer[node[V]]) *node[V] {
	// The parent bucket is b with its highest set bit cleared.
	parent := b &^ (1 << (63 - uint(bits.LeadingZeros64(b))))
	start := m.bucket(parent)

	sokey := bits.Reverse64(b)
	for {
		pred, pLink, curr := m.find(start, sokey, 0)
		if curr != nil && curr.sokey == sokey && curr.dummy() {
			ptr.CompareAndSwap(nil, curr)
			return ptr.Load()
		}

		n := &node[V]{sokey: sokey}
		n.link.Store(&link[V]{next: curr})
		if pred.link.CompareAndSwap(pLink, &link[V]{next: n}) {
			ptr.CompareAndSwap(nil, n)
			return ptr.Load()
		}
	}
}

func (m *Map[V]) bucketPtr(b uint64) *atomic.Pointer[node[V]] {
	si := b >> segmentBits
	seg := m.segments[si].Load()
	if seg == nil {
		m.segments[si].CompareAndSwap(nil, &segment[V]{})
		seg = m.segments[si].Load()
	}
	return &seg[b&(segmentSize-1)]
}

func (m *Map[V]) bucketOf(id types.ID) uint64 {
	return hashKey(id) & (m.size.Load() - 1)
}

func (m *Map[V]) maybeGrow() {
	size := m.size.Load()
	if size < maxBuckets && m.count.Load() > int64(size)*loadFactor {
		m.size.CompareAndSwap(size, size<<1)
	}
}

func regularKey(id types.ID) uint64 {
	return bits.Reverse64(hashKey(id)) | 1
}

func hashKey(id types.ID) uint64 {
	return xxhash.Sum64(photon.NewFromValue(&id).B)
}
