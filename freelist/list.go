package freelist

import (
	"sync/atomic"
	"unsafe"

	"github.com/outofforest/photon"
)

// Config stores list configuration.
type Config struct {
	// MaxLength is the desired number of retired records kept for reuse.
	// Records beyond it are released to the heap once reallocable.
	MaxLength int64
}

// New creates new free list.
func New[T any](config Config) *List[T] {
	sentinel := &node[T]{}
	l := &List[T]{
		config: config,
	}
	l.head.Store(&end[T]{node: sentinel})
	l.tail.Store(&end[T]{node: sentinel})
	return l
}

// List is a FIFO of retired records. Records are appended on retirement but
// handed out again only after the subsystem has been observed quiescent, so
// no thread can still hold a pointer to a record it receives from Get.
type List[T any] struct {
	config Config

	head        atomic.Pointer[end[T]]
	tail        atomic.Pointer[end[T]]
	length      atomic.Int64
	reallocable atomic.Int64
}

// node links one retired record. Links are allocated per retirement and left
// to the garbage collector after dequeue, so endpoint CASes never observe a
// recycled link.
type node[T any] struct {
	rec  *T
	next atomic.Pointer[node[T]]
}

// end is an endpoint cell: a link pointer paired with a serial number bumped
// on every swing. Endpoint updates install a fresh cell.
type end[T any] struct {
	node   *node[T]
	serial uint64
}

// Retire appends a record. The record must already be unreachable from the
// index; it stays pinned on the list until a quiescence advance covers it.
func (l *List[T]) Retire(rec *T) {
	n := &node[T]{rec: rec}
	for {
		tail := l.tail.Load()
		next := tail.node.next.Load()
		if tail != l.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging, help it forward.
			l.tail.CompareAndSwap(tail, &end[T]{node: next, serial: tail.serial + 1})
			continue
		}
		if tail.node.next.CompareAndSwap(nil, n) {
			l.tail.CompareAndSwap(tail, &end[T]{node: n, serial: tail.serial + 1})
			l.length.Add(1)
			return
		}
	}
}

// Get returns a zeroed record from the reallocable prefix of the list, or nil
// if none is available and the caller should allocate from the heap.
func (l *List[T]) Get() *T {
	for {
		avail := l.reallocable.Load()
		if avail <= 0 {
			return nil
		}
		if !l.reallocable.CompareAndSwap(avail, avail-1) {
			continue
		}
		rec := l.dequeue()
		if rec == nil {
			// Length and reallocable are only softly consistent.
			return nil
		}
		clear(photon.SliceFromPointer[byte](unsafe.Pointer(rec), int(unsafe.Sizeof(*rec))))
		return rec
	}
}

// Advance marks every record currently on the list reallocable, provided the
// subsystem is quiescent. The counter is re-checked after the length read; if
// a thread entered in between, the advance is abandoned and retried later.
func (l *List[T]) Advance(quiescent func() bool) {
	if !quiescent() {
		return
	}
	length := l.length.Load()
	if !quiescent() {
		return
	}
	for {
		avail := l.reallocable.Load()
		if avail >= length {
			return
		}
		if l.reallocable.CompareAndSwap(avail, length) {
			return
		}
	}
}

// Evict releases reallocable records to the heap while the list is longer
// than desired. It returns the number of records released.
func (l *List[T]) Evict() int {
	var freed int
	for l.length.Load() > l.config.MaxLength {
		avail := l.reallocable.Load()
		if avail <= 0 {
			return freed
		}
		if !l.reallocable.CompareAndSwap(avail, avail-1) {
			continue
		}
		if l.dequeue() == nil {
			return freed
		}
		freed++
	}
	return freed
}

// Len returns the soft-consistent list length.
func (l *List[T]) Len() int64 {
	return l.length.Load()
}

// Reallocable returns the soft-consistent reallocable count.
func (l *List[T]) Reallocable() int64 {
	return l.reallocable.Load()
}

func (l *List[T]) dequeue() *T {
	for {
		head := l.head.Load()
		tail := l.tail.Load()
		next := head.node.next.Load()
		if head != l.head.Load() {
			continue
		}
		if head.node == tail.node {
			if next == nil {
				return nil
			}
			// Tail is lagging behind a half-finished append.
			l.tail.CompareAndSwap(tail, &end[T]{node: next, serial: tail.serial + 1})
			continue
		}
		rec := next.rec
		if l.head.CompareAndSwap(head, &end[T]{node: next, serial: head.serial + 1}) {
			l.length.Add(-1)
			return rec
		}
	}
}
