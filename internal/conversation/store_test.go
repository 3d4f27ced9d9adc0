package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStoreAcquireCreatesOnce(t *testing.T) {
	store, err := NewStore(10)
	require.NoError(t, err)

	s, release := store.Acquire("abc")
	s.RecordMessage()
	release()

	s2, release2 := store.Acquire("abc")
	defer release2()
	assert.Equal(t, 1, s2.MessageCount)
	assert.Equal(t, 1, store.Len())
}

func TestStoreSerializesSameSession(t *testing.T) {
	store, err := NewStore(10)
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s, release := store.Acquire("shared")
			defer release()
			s.RecordMessage()
		}()
	}
	wg.Wait()

	snap, ok := store.Peek("shared")
	require.True(t, ok)
	assert.Equal(t, workers, snap.MessageCount)
}

func TestStoreDoesNotBlockUnrelatedSessions(t *testing.T) {
	store, err := NewStore(10)
	require.NoError(t, err)

	_, releaseA := store.Acquire("a")
	defer releaseA()

	acquired := make(chan struct{})
	go func() {
		_, releaseB := store.Acquire("b")
		releaseB()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquiring session b blocked on session a")
	}
}

func TestStorePruneSkipsBusyAndFresh(t *testing.T) {
	store, err := NewStore(10)
	require.NoError(t, err)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	_, r := store.Acquire("idle")
	r()
	_, rBusy := store.Acquire("busy")

	store.now = func() time.Time { return base.Add(3 * time.Hour) }
	_, r = store.Acquire("fresh")
	r()

	removed := store.Prune(2 * time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := store.Peek("idle")
	assert.False(t, ok)
	rBusy()
	_, ok = store.Peek("busy")
	assert.True(t, ok)
	_, ok = store.Peek("fresh")
	assert.True(t, ok)
}

func TestStoreCapacityEvictsLeastRecent(t *testing.T) {
	store, err := NewStore(2)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, r := store.Acquire(id)
		r()
	}
	assert.Equal(t, 2, store.Len())
	_, ok := store.Peek("a")
	assert.False(t, ok)
}

func TestStoreCapacityKeepsBusySession(t *testing.T) {
	store, err := NewStore(1)
	require.NoError(t, err)

	held, release := store.Acquire("a")
	held.RecordMessage()

	_, rb := store.Acquire("b")
	rb()

	acquired := make(chan *Session, 1)
	go func() {
		s, r := store.Acquire("a")
		defer r()
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire ran while the session was still held")
	case <-time.After(50 * time.Millisecond):
	}

	held.RecordMessage()
	release()

	s := <-acquired
	assert.Same(t, held, s)
	assert.Equal(t, 2, s.MessageCount)
}

func TestStoreParkedSessionReturnsOnRelease(t *testing.T) {
	store, err := NewStore(1)
	require.NoError(t, err)

	held, release := store.Acquire("a")
	held.RecordMessage()
	_, rb := store.Acquire("b")
	rb()

	assert.Equal(t, 2, store.Len())

	release()
	assert.Equal(t, 1, store.Len())
	snap, ok := store.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, snap.MessageCount)
	_, ok = store.Peek("b")
	assert.False(t, ok)
}

func TestStoreAcquireExisting(t *testing.T) {
	store, err := NewStore(10)
	require.NoError(t, err)

	_, _, ok := store.AcquireExisting("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())

	s, r := store.Acquire("present")
	s.RecordMessage()
	r()

	got, release, ok := store.AcquireExisting("present")
	require.True(t, ok)
	assert.Equal(t, 1, got.MessageCount)
	release()

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.Equal(t, 1, store.Prune(time.Minute))
	_, _, ok = store.AcquireExisting("present")
	assert.False(t, ok)
}

func TestStartPrunerStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	store, err := NewStore(10)
	require.NoError(t, err)
	_, r := store.Acquire("old")
	r()

	ctx, cancel := context.WithCancel(context.Background())
	done := StartPruner(ctx, store, 10*time.Millisecond, time.Nanosecond, nil)

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
