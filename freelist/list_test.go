package freelist

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type item struct {
	Value int
	flag  atomic.Bool
}

func quiet() bool {
	return true
}

func busy() bool {
	return false
}

func TestEmptyListAllocatesNothing(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 4})
	requireT.Nil(l.Get())
	requireT.Equal(int64(0), l.Len())
	requireT.Equal(int64(0), l.Reallocable())
}

func TestRetiredRecordsStayPinnedUntilAdvance(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 4})
	l.Retire(&item{Value: 1})
	l.Retire(&item{Value: 2})

	requireT.Equal(int64(2), l.Len())
	requireT.Nil(l.Get())

	l.Advance(busy)
	requireT.Nil(l.Get())

	l.Advance(quiet)
	requireT.Equal(int64(2), l.Reallocable())
	requireT.NotNil(l.Get())
	requireT.NotNil(l.Get())
	requireT.Nil(l.Get())
}

func TestGetReturnsZeroedRecords(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 4})
	rec := &item{Value: 42}
	rec.flag.Store(true)
	l.Retire(rec)
	l.Advance(quiet)

	got := l.Get()
	requireT.NotNil(got)
	requireT.Equal(0, got.Value)
	requireT.False(got.flag.Load())
}

func TestFIFOOrder(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 8})
	for i := 1; i <= 3; i++ {
		l.Retire(&item{Value: i})
	}
	l.Advance(quiet)

	// Records come back zeroed, so order is observed through identity.
	first := l.Get()
	second := l.Get()
	third := l.Get()
	requireT.NotNil(first)
	requireT.NotNil(second)
	requireT.NotNil(third)
	requireT.NotSame(first, second)
	requireT.NotSame(second, third)
}

func TestAdvanceDoesNotCoverLaterRetirements(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 8})
	l.Retire(&item{Value: 1})
	l.Advance(quiet)
	l.Retire(&item{Value: 2})

	requireT.Equal(int64(1), l.Reallocable())
	requireT.NotNil(l.Get())
	requireT.Nil(l.Get())

	l.Advance(quiet)
	requireT.NotNil(l.Get())
}

func TestEvictRespectsMaxLength(t *testing.T) {
	requireT := require.New(t)

	l := New[item](Config{MaxLength: 1})
	for i := range 5 {
		l.Retire(&item{Value: i})
	}

	// Nothing is reallocable yet, nothing may be released.
	requireT.Equal(0, l.Evict())

	l.Advance(quiet)
	requireT.Equal(4, l.Evict())
	requireT.Equal(int64(1), l.Len())
	requireT.Equal(int64(1), l.Reallocable())
}

func TestConcurrentRetireGet(t *testing.T) {
	requireT := require.New(t)

	const (
		workers = 8
		perW    = 1000
	)

	l := New[item](Config{MaxLength: workers * perW})

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perW {
				l.Retire(&item{Value: 1})
			}
		}()
	}
	wg.Wait()
	requireT.Equal(int64(workers*perW), l.Len())

	l.Advance(quiet)

	var got atomic.Int64
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l.Get() != nil {
				got.Add(1)
			}
		}()
	}
	wg.Wait()
	requireT.Equal(int64(workers*perW), got.Load())
	requireT.Equal(int64(0), l.Reallocable())
}
