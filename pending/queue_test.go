package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaborage/go-bricks-datalayer/errs"
	"github.com/gaborage/go-bricks-datalayer/logger"
)

func recordingReplay(log *[]string, mu *sync.Mutex, name string, err error) func(context.Context) error {
	return func(context.Context) error {
		mu.Lock()
		*log = append(*log, name)
		mu.Unlock()
		return err
	}
}

func TestEnqueueAssignsOrderedIDs(t *testing.T) {
	q := New(logger.Nop())
	a := q.Enqueue(Change{Kind: KindCreate, Endpoint: "/experiments"})
	b := q.Enqueue(Change{Kind: KindDelete, Endpoint: "/experiments/1"})

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, q.Len())

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0].ID)
	assert.Equal(t, b, list[1].ID)
	assert.False(t, list[0].EnqueuedAt.IsZero())
}

func TestDrainReplaysInOrderAndDropsSuccesses(t *testing.T) {
	q := New(nil)
	var mu sync.Mutex
	var order []string
	q.Enqueue(Change{Kind: KindCreate, Replay: recordingReplay(&order, &mu, "c1", nil)})
	failing := q.Enqueue(Change{Kind: KindUpdate, Replay: recordingReplay(&order, &mu, "u1", errors.New("500"))})
	q.Enqueue(Change{Kind: KindDelete, Replay: recordingReplay(&order, &mu, "d1", nil)})

	var events []Event
	q.Subscribe(func(e Event) { events = append(events, e) })

	err := q.Drain(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), failing)
	assert.Equal(t, []string{"c1", "u1", "d1"}, order)

	remaining := q.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, failing, remaining[0].ID)
	assert.Equal(t, 1, remaining[0].Attempts)
	assert.EqualError(t, remaining[0].LastError, "500")

	require.Len(t, events, 3)
	assert.Equal(t, EventReplayed, events[0].Kind)
	assert.Equal(t, EventFailed, events[1].Kind)
	assert.Equal(t, EventReplayed, events[2].Kind)
}

func TestFailedChangeSurvivesUntilSuccess(t *testing.T) {
	q := New(nil)
	var calls atomic.Int32
	q.Enqueue(Change{Kind: KindCreate, Replay: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}})

	require.Error(t, q.Drain(context.Background()))
	require.Error(t, q.Drain(context.Background()))
	require.NoError(t, q.Drain(context.Background()))
	assert.Zero(t, q.Len())
	require.NoError(t, q.Drain(context.Background()))
	assert.Equal(t, int32(3), calls.Load(), "a replayed change is never sent again")
}

func TestDrainIsSerial(t *testing.T) {
	q := New(nil)
	var active, maxActive atomic.Int32
	replay := func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return nil
	}
	for i := 0; i < 5; i++ {
		q.Enqueue(Change{Kind: KindCreate, Replay: replay})
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Drain(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Zero(t, q.Len())
}

func TestDrainStopsOnCancellation(t *testing.T) {
	q := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	var second atomic.Bool
	q.Enqueue(Change{Kind: KindCreate, Replay: func(context.Context) error {
		cancel()
		return nil
	}})
	q.Enqueue(Change{Kind: KindCreate, Replay: func(context.Context) error {
		second.Store(true)
		return nil
	}})

	err := q.Drain(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err))
	assert.False(t, second.Load())
	assert.Equal(t, 1, q.Len())
}

func TestDropAndClear(t *testing.T) {
	q := New(nil)
	id := q.Enqueue(Change{Kind: KindCreate})
	q.Enqueue(Change{Kind: KindCreate})

	assert.True(t, q.Drop(id))
	assert.False(t, q.Drop(id))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Clear())
	assert.Zero(t, q.Len())
}

func TestReplayPanicAndMissingReplay(t *testing.T) {
	q := New(nil)
	q.Enqueue(Change{Kind: KindCreate})
	q.Enqueue(Change{Kind: KindCreate, Replay: func(context.Context) error { panic("boom") }})

	err := q.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, q.Len())
}

func TestQueuedError(t *testing.T) {
	var err error = &QueuedError{ChangeID: "01H"}
	assert.ErrorIs(t, err, ErrQueued)
	assert.Equal(t, "offline; queued", err.Error())
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
}
