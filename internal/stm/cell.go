package stm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// version is a single immutable historical value in a Cell's chain, ordered by strictly
// decreasing stamp from the head. older is an atomic pointer so the reclaimer (the sole writer,
// via Trim) can detach it without racing readers that are mid-walk: a walker that already holds
// a *version never observes it mutate, only its older link resolving to nil once unreachable.
type version[T any] struct {
	stamp Stamp
	value T
	older atomic.Pointer[version[T]]
}

func newVersion[T any](stamp Stamp, value T, older *version[T]) *version[T] {
	v := &version[T]{stamp: stamp, value: value}
	if older != nil {
		v.older.Store(older)
	}
	return v
}

func snapshotAt[T any](head *version[T], s Stamp) T {
	for v := head; v != nil; v = v.older.Load() {
		if v.stamp <= s {
			return v.value
		}
	}
	var zero T
	return zero
}

// writeStampSlot is a cell's commit lock: non-empty means some transaction is between phase 1
// and phase 2 of committing this cell.
type writeStampSlot struct {
	stamp Stamp
}

// Cell is a generic, versioned container holding a single value of type T.
type Cell[T any] struct {
	head       atomic.Pointer[version[T]]
	writeStamp atomic.Pointer[writeStampSlot]
	parker     *parker
	owner      any

	mu      sync.Mutex
	pending map[*Context]*enlistment[T]
}

// NewCell creates a Cell holding initial at version 0, owned by itself.
func NewCell[T any](initial T) *Cell[T] {
	c := &Cell[T]{parker: newParker()}
	c.owner = c
	c.head.Store(newVersion[T](0, initial, nil))
	return c
}

// SetOwner assigns the opaque identity higher layers use to group cells belonging to the same
// logical object. It must be called before the cell is shared across goroutines.
func (c *Cell[T]) SetOwner(owner any) *Cell[T] {
	c.owner = owner
	return c
}

// enlistment is the per-transaction record backing a Cell's participation in one Context. It
// implements Enlistment, the narrow capability interface that lets heterogeneous Cell[T]s share
// a single enlisted-set representation despite Go generics not permitting Cell[T] itself to be
// the element type of a homogeneous collection.
type enlistment[T any] struct {
	cell *Cell[T]
	tx   *Context

	hasPending   bool
	pendingValue T

	claimedWriteStamp bool
	finalStamp        Stamp
}

func (e *enlistment[T]) Identity() any    { return e.cell }
func (e *enlistment[T]) Owner() any       { return e.cell.owner }
func (e *enlistment[T]) HasChanges() bool { return e.hasPending }

func (e *enlistment[T]) CanCommit(proposed Stamp) bool {
	c := e.cell
	if c.writeStamp.Load() != nil {
		return false
	}
	if head := c.head.Load(); head.stamp > e.tx.startStamp {
		return false
	}
	if e.hasPending {
		slot := &writeStampSlot{stamp: proposed}
		if !c.writeStamp.CompareAndSwap(nil, slot) {
			return false
		}
		e.claimedWriteStamp = true
		e.finalStamp = proposed
	}
	return true
}

func (e *enlistment[T]) Commit() {
	c := e.cell
	if e.hasPending {
		newHead := newVersion(e.finalStamp, e.pendingValue, c.head.Load())
		c.head.Store(newHead)
	}
	if e.claimedWriteStamp {
		c.writeStamp.Store(nil)
		c.parker.release()
		e.claimedWriteStamp = false
	}
	c.forget(e.tx)
}

func (e *enlistment[T]) Rollback() {
	c := e.cell
	e.hasPending = false
	if e.claimedWriteStamp {
		c.writeStamp.Store(nil)
		c.parker.release()
		e.claimedWriteStamp = false
	}
	c.forget(e.tx)
}

func (e *enlistment[T]) Trim(below Stamp) {
	c := e.cell
	v := c.head.Load()
	for v != nil && v.stamp > below {
		v = v.older.Load()
	}
	if v != nil {
		v.older.Store(nil)
	}
}

func (c *Cell[T]) forget(tx *Context) {
	c.mu.Lock()
	delete(c.pending, tx)
	c.mu.Unlock()
}

// enlist ensures a per-transaction enlistment record exists for tx, deduplicating repeated
// touches from within the same transaction, and registers a fresh one with tx (running commute
// degeneration and strict-enlist checks) the first time. It returns the enlistment record,
// whether this call was the first touch, and any error from a forbidden or blocked enlist.
func (c *Cell[T]) enlist(tx *Context) (*enlistment[T], bool, error) {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[*Context]*enlistment[T])
	}
	if e, ok := c.pending[tx]; ok {
		c.mu.Unlock()
		return e, false, nil
	}
	e := &enlistment[T]{cell: c, tx: tx}
	c.pending[tx] = e
	c.mu.Unlock()

	isNew, err := tx.enlist(c, e)
	if err != nil {
		c.forget(tx)
		return nil, false, err
	}
	return e, isNew, nil
}

// waitForWriter is the cell's suspension point: on first touch, a reader parks while a
// competing writer holds this cell's write stamp at a version visible to our snapshot.
func (c *Cell[T]) waitForWriter(tx *Context, start Stamp) bool {
	for {
		ws := c.writeStamp.Load()
		if ws == nil || ws.stamp > start {
			return true
		}
		if !c.parker.wait(tx.ctx) {
			return false
		}
	}
}

// Read returns the snapshot value of the cell as of tx's start stamp, or the head value if tx
// is nil (an out-of-transaction read). Within a transaction that has already written the cell,
// Read returns that pending value (read-your-writes), re-validating against a concurrently
// committed newer version and returning ErrWritableReadCollision if one landed.
func (c *Cell[T]) Read(tx *Context) (T, error) {
	if tx == nil {
		return c.head.Load().value, nil
	}
	e, isNew, err := c.enlist(tx)
	if err != nil {
		var zero T
		return zero, err
	}
	if isNew && !c.waitForWriter(tx, tx.startStamp) {
		var zero T
		return zero, fmt.Errorf("stm: waiting on cell owned by %v: %w", c.owner, tx.ctx.Err())
	}
	if e.hasPending {
		if head := c.head.Load(); head.stamp > tx.startStamp {
			var zero T
			return zero, writableReadCollisionError{owner: c.owner}
		}
		return e.pendingValue, nil
	}
	return snapshotAt(c.head.Load(), tx.startStamp), nil
}

// ReadOld behaves like Read but ignores any pending write this transaction has already made,
// returning the committed snapshot value instead.
func (c *Cell[T]) ReadOld(tx *Context) (T, error) {
	if tx == nil {
		return c.head.Load().value, nil
	}
	e, isNew, err := c.enlist(tx)
	if err != nil {
		var zero T
		return zero, err
	}
	_ = e
	if isNew && !c.waitForWriter(tx, tx.startStamp) {
		var zero T
		return zero, fmt.Errorf("stm: waiting on cell owned by %v: %w", c.owner, tx.ctx.Err())
	}
	return snapshotAt(c.head.Load(), tx.startStamp), nil
}

// Write stores v as this transaction's tentative new value for the cell. It fails with
// ErrWriteCollision if the cell's head version has already advanced past tx's start stamp.
func (c *Cell[T]) Write(tx *Context, v T) error {
	if tx == nil {
		return ErrOutOfTransaction
	}
	e, isNew, err := c.enlist(tx)
	if err != nil {
		return err
	}
	if isNew && !c.waitForWriter(tx, tx.startStamp) {
		return fmt.Errorf("stm: waiting on cell owned by %v: %w", c.owner, tx.ctx.Err())
	}
	if head := c.head.Load(); head.stamp > tx.startStamp {
		return writeCollisionError{owner: c.owner}
	}
	e.pendingValue = v
	e.hasPending = true
	return nil
}

// Modify reads the cell's current in-transaction value and writes back f applied to it.
func (c *Cell[T]) Modify(tx *Context, f func(T) T) error {
	cur, err := c.Read(tx)
	if err != nil {
		return err
	}
	return c.Write(tx, f(cur))
}

// Commute defers f until commit, registering the cell as the sole cell it affects. If the cell
// is already enlisted in this transaction, or block_commute is in effect (while broken commutes
// are being degenerated, or during the commit-time commute phase), it degenerates immediately: f runs now, under the same strict-commute enlist restriction it
// would have at commit time, and the cell behaves as an ordinary write from this point on.
func (c *Cell[T]) Commute(tx *Context, f func(T) T) error {
	if tx == nil {
		return ErrOutOfTransaction
	}
	cm := &commute{
		identity: c,
		state:    commuteOk,
		perform: func(ctx *Context) error {
			cur, err := c.Read(ctx)
			if err != nil {
				return err
			}
			return c.Write(ctx, f(cur))
		},
	}
	if tx.blockCommute || tx.isEnlisted(c) {
		cm.state = commuteExecuted
		tx.rt.metrics.incCommuteRun()
		tx.rt.metrics.incCommuteDegeneration()
		return tx.runCommuteStrict(cm)
	}
	tx.addCommute(cm)
	return nil
}
