package stm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime()
	require.NoError(t, err)
	return rt
}

func TestCellReadOutOfTransaction(t *testing.T) {
	c := NewCell(42)
	v, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCellWriteOutOfTransactionFails(t *testing.T) {
	c := NewCell(0)
	err := c.Write(nil, 1)
	assert.ErrorIs(t, err, ErrOutOfTransaction)
}

func TestReadYourOwnWrite(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(1)
	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		if err := c.Write(tx, 2); err != nil {
			return err
		}
		got, err := c.Read(tx)
		require.NoError(t, err)
		assert.Equal(t, 2, got)
		return nil
	})
	require.NoError(t, err)

	got, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestWriteCollisionRetries(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(0)

	started := make(chan struct{})
	release := make(chan struct{})
	var attempts int
	var startOnce sync.Once

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = rt.RunTransaction(context.Background(), func(tx *Context) error {
			attempts++
			v, err := c.Read(tx)
			if err != nil {
				return err
			}
			startOnce.Do(func() { close(started) })
			<-release
			return c.Write(tx, v+1)
		})
	}()

	<-started
	require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
		return c.Write(tx, 100)
	}))
	close(release)
	wg.Wait()

	assert.GreaterOrEqual(t, attempts, 2, "losing transaction should have retried at least once")

	got, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 101, got)
}

func TestModifyRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(10)
	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		return c.Modify(tx, func(v int) int { return v * 2 })
	})
	require.NoError(t, err)

	got, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 20, got)
}

func TestExplicitRollbackNoRetryPropagates(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(5)
	attempts := 0
	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		attempts++
		if err := c.Write(tx, 99); err != nil {
			return err
		}
		return tx.Rollback(false)
	})
	assert.ErrorIs(t, err, ErrExplicitRollback)
	assert.Equal(t, 1, attempts)

	got, _ := c.Read(nil)
	assert.Equal(t, 5, got, "rolled back write must not be visible")
}

func TestExplicitRollbackRetryReexecutes(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(0)
	attempts := 0
	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		attempts++
		if attempts < 3 {
			return tx.Rollback(true)
		}
		return c.Write(tx, 7)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	got, _ := c.Read(nil)
	assert.Equal(t, 7, got)
}

func TestSideEffectsFireOnOutcome(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(0)

	var committed, rolledBack bool
	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		tx.SideEffect(func() { committed = true }, func() { rolledBack = true })
		return c.Write(tx, 1)
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.False(t, rolledBack)

	committed, rolledBack = false, false
	wantErr := errors.New("boom")
	err = rt.RunTransaction(context.Background(), func(tx *Context) error {
		tx.SideEffect(func() { committed = true }, func() { rolledBack = true })
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, committed)
	assert.True(t, rolledBack)
}

func TestNestedRunTransactionJoinsEnclosing(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell(1)
	var innerSawOuterWrite bool

	err := rt.RunTransaction(context.Background(), func(tx *Context) error {
		if err := c.Write(tx, 2); err != nil {
			return err
		}
		return rt.RunTransaction(tx.Context(), func(inner *Context) error {
			v, err := c.Read(inner)
			if err != nil {
				return err
			}
			innerSawOuterWrite = v == 2
			return nil
		})
	})
	require.NoError(t, err)
	assert.True(t, innerSawOuterWrite)
}
