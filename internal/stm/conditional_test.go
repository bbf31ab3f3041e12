package stm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionalFiresImmediatelyWhenAlreadyTrue(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell[int64](5)

	fired := make(chan int64, 1)
	_, err := Conditional(context.Background(), rt,
		func(tx *Context) (bool, error) {
			v, err := c.Read(tx)
			return v >= 5, err
		},
		func(tx *Context) (bool, error) {
			v, err := c.Read(tx)
			fired <- v
			return true, err
		},
	)
	require.NoError(t, err)

	select {
	case v := <-fired:
		assert.EqualValues(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("conditional body never fired")
	}
}

func TestConditionalFiresOnTrigger(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell[int64](0)

	fired := make(chan int64, 1)
	sub, err := Conditional(context.Background(), rt,
		func(tx *Context) (bool, error) {
			v, err := c.Read(tx)
			return v >= 10, err
		},
		func(tx *Context) (bool, error) {
			v, err := c.Read(tx)
			fired <- v
			return true, err
		},
	)
	require.NoError(t, err)
	defer Cancel(rt, sub)

	select {
	case <-fired:
		t.Fatal("conditional body fired before condition became true")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
		return c.Write(tx, 10)
	}))

	select {
	case v := <-fired:
		assert.EqualValues(t, 10, v)
	case <-time.After(time.Second):
		t.Fatal("conditional body never fired after trigger")
	}
}

func TestConditionalEmptyReadSetFails(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := Conditional(context.Background(), rt,
		func(tx *Context) (bool, error) { return false, nil },
		func(tx *Context) (bool, error) { return true, nil },
	)
	assert.ErrorIs(t, err, ErrEmptyConditionalReadSet)
}

func TestCancelStopsFurtherFiring(t *testing.T) {
	rt := newTestRuntime(t)
	c := NewCell[int64](0)

	fired := make(chan struct{}, 4)
	sub, err := Conditional(context.Background(), rt,
		func(tx *Context) (bool, error) {
			v, err := c.Read(tx)
			return v >= 1, err
		},
		func(tx *Context) (bool, error) {
			fired <- struct{}{}
			return true, nil
		},
	)
	require.NoError(t, err)

	require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
		return c.Write(tx, 1)
	}))
	<-fired

	Cancel(rt, sub)

	require.NoError(t, rt.RunTransaction(context.Background(), func(tx *Context) error {
		return c.Write(tx, 2)
	}))

	select {
	case <-fired:
		t.Fatal("cancelled subscription should not fire again")
	case <-time.After(50 * time.Millisecond):
	}
}
