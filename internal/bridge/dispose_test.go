package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/busworker/internal/core"
)

func TestCoordinatorAdmitsWhileActive(t *testing.T) {
	c := newCoordinator()
	release, err := c.admit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Pending())
	release()
	release()
	assert.Equal(t, int64(0), c.Pending())
}

func TestCoordinatorDrainsBeforeTeardown(t *testing.T) {
	c := newCoordinator()
	release, err := c.admit()
	require.NoError(t, err)

	var finished atomic.Bool
	go func() {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		release()
	}()

	var sawDrained bool
	err = c.dispose(context.Background(), time.Second, func(_ context.Context, drained bool) error {
		sawDrained = drained
		assert.True(t, finished.Load(), "teardown ran before the operation finished")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawDrained)
	assert.Equal(t, StateDisposed, c.State())
}

func TestCoordinatorRefusesAfterDispose(t *testing.T) {
	c := newCoordinator()
	require.NoError(t, c.dispose(context.Background(), time.Second, func(context.Context, bool) error { return nil }))

	_, err := c.admit()
	assert.ErrorIs(t, err, core.ErrUnexpectedResult)
	assert.True(t, core.IsTemporary(err))
	assert.Contains(t, err.Error(), "disposed")
	assert.Equal(t, int64(0), c.Pending())
}

func TestCoordinatorGraceElapses(t *testing.T) {
	c := newCoordinator()
	_, err := c.admit()
	require.NoError(t, err)

	start := time.Now()
	var drained = true
	require.NoError(t, c.dispose(context.Background(), 50*time.Millisecond, func(_ context.Context, d bool) error {
		drained = d
		return nil
	}))
	assert.False(t, drained)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCoordinatorTeardownRunsOnce(t *testing.T) {
	c := newCoordinator()
	var runs atomic.Int32
	gate := make(chan struct{})
	teardown := func(context.Context, bool) error {
		runs.Add(1)
		<-gate
		return errors.New("engine refused")
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.dispose(context.Background(), time.Second, teardown)
		}()
	}
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "only the first caller reports the teardown error")
	assert.NoError(t, c.dispose(context.Background(), time.Second, teardown))
}

func TestCoordinatorQuiescesBeforeDrain(t *testing.T) {
	c := newCoordinator()
	release, err := c.admit()
	require.NoError(t, err)

	var order []string
	c.quiesce = func(context.Context) {
		order = append(order, "quiesce:"+c.State().String())
		release()
	}
	require.NoError(t, c.dispose(context.Background(), time.Second, func(_ context.Context, drained bool) error {
		assert.True(t, drained)
		order = append(order, "teardown")
		return nil
	}))
	assert.Equal(t, []string{"quiesce:draining", "teardown"}, order)
}
