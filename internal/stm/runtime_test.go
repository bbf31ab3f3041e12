package stm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOnlyTransactionUsesFastPath(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(9)

	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		_, err := c.Read(tx)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, Stamp(0), rt.currentStamp(), "a fast-path commit must not allocate a write stamp")
}

func TestReclamationTrimsOldVersionsOnceUnreferenced(t *testing.T) {
	rt, err := NewRuntime(WithReclaimEveryN(1))
	require.NoError(t, err)
	c := NewCell(0)

	for i := 1; i <= 5; i++ {
		require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
			return c.Write(tx, i)
		}))
	}

	// No transaction is holding an old snapshot, so reclamation should have walked the chain
	// down to a single version.
	v := c.head.Load()
	count := 0
	for ; v != nil; v = v.older.Load() {
		count++
	}
	assert.Equal(t, 1, count)

	got, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestReclamationPreservesVersionVisibleToActiveSnapshot(t *testing.T) {
	rt, err := NewRuntime(WithReclaimEveryN(1))
	require.NoError(t, err)
	c := NewCell(0)

	var readerStart Stamp
	readerDone := make(chan struct{})
	readerRelease := make(chan struct{})

	go func() {
		_ = rt.RunTransaction(context.Background(), func(tx *Context) error {
			readerStart = tx.StartStamp()
			v, err := c.Read(tx)
			if err != nil {
				return err
			}
			close(readerDone)
			<-readerRelease
			_ = v
			return nil
		})
	}()
	<-readerDone

	for i := 1; i <= 5; i++ {
		require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
			return c.Write(tx, i)
		}))
	}

	got := snapshotAt(c.head.Load(), readerStart)
	assert.Equal(t, 0, got, "reclamation must not remove a version still visible to an active reader")

	close(readerRelease)
}

func TestDeferredCommuteAloneCommitsThroughIsolatedPhase(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell[int64](0)

	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		// c is not otherwise enlisted, so this stays deferred and runs in the isolated
		// commute phase at commit time rather than degenerating immediately.
		return c.Commute(tx, func(v int64) int64 { return v + 1 })
	})
	require.NoError(t, err)

	got, err := c.Read(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}
