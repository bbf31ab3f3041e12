package stm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// contextKey is unexported so only this package can stash a *Context on a context.Context,
// giving RunTransaction a way to detect that it is being called from within an already-running
// transaction, so a nested call simply joins the enclosing transaction instead of starting a
// second, independent one.
type contextKey struct{}

func fromStdContext(ctx context.Context) (*Context, bool) {
	tx, ok := ctx.Value(contextKey{}).(*Context)
	return tx, ok
}

func withStdContext(ctx context.Context, tx *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tx)
}

// InTransaction reports whether ctx carries an active transaction, e.g. because it was produced
// by Context.Context or by a context passed into a RunTransaction body. Code that can run either
// inside or outside a transaction can use it to choose between the two, without needing a
// *Context threaded in explicitly.
func InTransaction(ctx context.Context) bool {
	_, ok := fromStdContext(ctx)
	return ok
}

// CurrentStartStamp returns the start stamp of the transaction active on ctx, if any.
func CurrentStartStamp(ctx context.Context) (Stamp, bool) {
	tx, ok := fromStdContext(ctx)
	if !ok {
		return 0, false
	}
	return tx.startStamp, true
}

// AssertInTransaction panics if ctx does not carry an active transaction. Use it at the entry of
// helpers that only make sense called from within RunTransaction, to fail loudly at the call site
// that forgot to wrap its work in one rather than at whatever cell operation happens to run first.
func AssertInTransaction(ctx context.Context) {
	if !InTransaction(ctx) {
		panic("stm: operation requires an active transaction")
	}
}

// Option configures a Runtime at construction.
type Option func(*options) error

type options struct {
	logger        *zap.Logger
	registerer    prometheus.Registerer
	reclaimEveryN uint64
}

// WithLogger installs a structured logger for reclamation summaries. The default is a no-op
// logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return errors.New("logger must be non-nil")
		}
		o.logger = l
		return nil
	}
}

// WithMetricsRegisterer enables Prometheus metrics, registering the Runtime's counters against
// reg. Metrics stay disabled (and the commit path skips them entirely) unless this is supplied.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) error {
		if reg == nil {
			return errors.New("metrics registerer must be non-nil")
		}
		o.registerer = reg
		return nil
	}
}

// WithReclaimEveryN sets how many full (non-fast-path) commits elapse between reclamation
// sweeps. n must be positive.
func WithReclaimEveryN(n uint64) Option {
	return func(o *options) error {
		if n == 0 {
			return errors.New("reclaim cadence must be positive")
		}
		o.reclaimEveryN = n
		return nil
	}
}

// Runtime is the transaction manager: it sequences start stamps, coordinates two-phase commit
// under a single stamp lock, and reclaims obsolete versions. Rather than an implicit
// process-wide singleton, it is an explicit value a host constructs once and passes to
// RunTransaction and Conditional; nothing prevents constructing more than one, e.g. for tests.
type Runtime struct {
	id uuid.UUID

	lastStamp atomic.Uint64
	stampLock sync.Mutex

	starts  *activeStarts
	retired *retiredQueue

	subscriptions *registry

	logger        *zap.Logger
	metrics       *metrics
	reclaimEveryN uint64
	commitCounter atomic.Uint64
	reclaiming    atomic.Bool
}

// NewRuntime constructs a Runtime ready to run transactions.
func NewRuntime(opts ...Option) (*Runtime, error) {
	o := options{logger: zap.NewNop(), reclaimEveryN: 64}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	rt := &Runtime{
		id:            uuid.New(),
		starts:        newActiveStarts(),
		retired:       newRetiredQueue(),
		subscriptions: newRegistry(),
		logger:        o.logger,
		reclaimEveryN: o.reclaimEveryN,
	}
	if o.registerer != nil {
		rt.metrics = newMetrics(o.registerer, rt.id.String())
	}
	return rt, nil
}

// ID identifies this Runtime instance, useful when a host runs more than one concurrently.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

func (rt *Runtime) currentStamp() Stamp { return Stamp(rt.lastStamp.Load()) }

func (rt *Runtime) allocateStartStamp() Stamp {
	// Reading the last committed stamp and registering it as active must happen atomically as a
	// pair: otherwise the reclaimer could compute a threshold between the read and the insert
	// that is unsafe for the transaction about to start.
	rt.stampLock.Lock()
	s := Stamp(rt.lastStamp.Load())
	rt.starts.add(s)
	rt.stampLock.Unlock()
	return s
}

func (rt *Runtime) releaseStartStamp(s Stamp) {
	rt.starts.remove(s)
}

// RunTransaction runs body under the STM protocol. A nested call (one made while a *Context is
// already active on ctx) simply invokes body against the enclosing transaction, so callers can
// compose transactional helpers without worrying about whether they're already inside one.
func (rt *Runtime) RunTransaction(ctx context.Context, body func(tx *Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if outer, ok := fromStdContext(ctx); ok && outer.rt == rt {
		return body(outer)
	}
	for {
		start := rt.allocateStartStamp()
		tx := newContext(ctx, rt, start)
		tx.ctx = withStdContext(ctx, tx)

		bodyErr := body(tx)
		var trigger map[any]struct{}
		var finalErr error
		if bodyErr == nil {
			tx.pruneCommutes()
			trigger, finalErr = rt.commit(tx)
		} else {
			rollbackAll(tx.enlisted)
			finalErr = bodyErr
		}
		// Close the transaction before notifying or reclaiming, so that reclamation (including any
		// that runs inside a conditional re-fired from notify) is not held back by this
		// transaction's start stamp.
		rt.releaseStartStamp(start)

		if finalErr == nil {
			runOnCommit(tx.sideEffects)
			rt.subscriptions.notify(ctx, rt, trigger)
			if trigger != nil {
				// commit returns a non-nil trigger set only for full commits; the fast path does
				// not advance the reclamation clock.
				rt.maybeReclaim()
			}
			return nil
		}
		runOnRollback(tx.sideEffects)
		if isRetryable(finalErr) {
			rt.metrics.incRetry()
			continue
		}
		return finalErr
	}
}

// commit performs the two-phase commit protocol for tx, whose body has already returned
// successfully and whose broken commutes have already been pruned. It returns the set of
// identities that actually changed, for the caller to notify once the transaction is closed.
func (rt *Runtime) commit(tx *Context) (map[any]struct{}, error) {
	if len(tx.commutes) == 0 && !hasAnyChanges(tx.enlisted) {
		// Nothing to validate: a read-only transaction (and one with no live commutes) commits
		// trivially, skipping the stamp lock and the write-stamp dance entirely.
		for _, e := range tx.enlisted {
			e.Commit()
		}
		rt.metrics.incFastPathCommit()
		return nil, nil
	}

	for {
		commuteCtx, err := rt.runCommutesIsolated(tx)
		if err != nil {
			rollbackAll(tx.enlisted)
			return nil, err
		}

		if overlap := disjointIdentity(commuteCtx, tx); overlap != nil {
			rollbackAll(commuteCtx.enlisted)
			rollbackAll(tx.enlisted)
			return nil, invalidCommuteError{owner: overlap.Owner()}
		}

		rt.stampLock.Lock()
		proposed := Stamp(rt.lastStamp.Load() + 1)

		acked, ok := ackAll(commuteCtx.enlisted, proposed)
		if !ok {
			rollbackAll(acked)
			rollbackAll(subtract(commuteCtx.enlisted, acked))
			rt.stampLock.Unlock()
			continue // a commute cell was claimed by someone else: restart only the commute phase, under a newer stamp.
		}

		outerAcked, ok := ackAll(tx.enlisted, proposed)
		if !ok {
			rollbackAll(acked)
			rollbackAll(outerAcked)
			rollbackAll(subtract(tx.enlisted, outerAcked))
			rt.stampLock.Unlock()
			return nil, writeCollisionError{owner: tx.enlisted[len(outerAcked)].Owner()}
		}

		rt.lastStamp.Store(uint64(proposed))
		rt.stampLock.Unlock()

		trigger := make(map[any]struct{}, len(acked)+len(outerAcked))
		retire := make([]Enlistment, 0, len(acked)+len(outerAcked))
		for _, e := range acked {
			changed := e.HasChanges()
			e.Commit()
			if changed {
				trigger[e.Identity()] = struct{}{}
				retire = append(retire, e)
			}
		}
		for _, e := range outerAcked {
			changed := e.HasChanges()
			e.Commit()
			if changed {
				trigger[e.Identity()] = struct{}{}
				retire = append(retire, e)
			}
		}
		rt.retired.enqueue(proposed, retire)
		rt.metrics.incFullCommit()
		return trigger, nil
	}
}

func hasAnyChanges(enlisted []Enlistment) bool {
	for _, e := range enlisted {
		if e.HasChanges() {
			return true
		}
	}
	return false
}

func ackAll(enlisted []Enlistment, proposed Stamp) ([]Enlistment, bool) {
	acked := make([]Enlistment, 0, len(enlisted))
	for _, e := range enlisted {
		if !e.CanCommit(proposed) {
			return acked, false
		}
		acked = append(acked, e)
	}
	return acked, true
}

func subtract(all, acked []Enlistment) []Enlistment {
	if len(acked) >= len(all) {
		return nil
	}
	return all[len(acked):]
}

// runCommutesIsolated executes tx's remaining (Ok) commutes in an isolated context under a
// freshly read start stamp, so each commute observes the latest committed values rather than
// tx's (possibly stale) snapshot. The isolated stamp is registered in active_starts for the duration of the closures' reads, so a
// concurrent reclamation sweep cannot trim a version they still need; it is released as soon as
// the closures finish, since everything commit() does afterward only inspects each cell's head,
// which reclamation never removes. A retry-class error rolls back the isolated context's cells
// and restarts under a newer stamp; any other error propagates.
func (rt *Runtime) runCommutesIsolated(tx *Context) (*Context, error) {
	if len(tx.commutes) == 0 {
		return newContext(tx.ctx, rt, rt.currentStamp()), nil
	}
	for {
		start := rt.allocateStartStamp()
		commuteCtx := newContext(tx.ctx, rt, start)
		commuteCtx.blockCommute = true

		var runErr error
		for _, cm := range tx.commutes {
			if cm.state != commuteOk {
				continue
			}
			rt.metrics.incCommuteRun()
			if err := commuteCtx.runCommuteStrict(cm); err != nil {
				runErr = err
				break
			}
		}
		rt.releaseStartStamp(start)
		if runErr == nil {
			return commuteCtx, nil
		}
		rollbackAll(commuteCtx.enlisted)
		if isRetryable(runErr) {
			continue
		}
		return nil, runErr
	}
}

func disjointIdentity(commuteCtx, outer *Context) Enlistment {
	for id, e := range commuteCtx.identities {
		if _, ok := outer.identities[id]; ok {
			return e
		}
	}
	return nil
}

// maybeReclaim runs a reclamation sweep every reclaimEveryN full commits, guarded by a
// single-executor flag so overlapping sweeps never run concurrently.
func (rt *Runtime) maybeReclaim() {
	if rt.commitCounter.Add(1)%rt.reclaimEveryN != 0 {
		return
	}
	if !rt.reclaiming.CompareAndSwap(false, true) {
		return
	}
	defer rt.reclaiming.Store(false)

	threshold, ok := rt.starts.min()
	if !ok {
		threshold = rt.currentStamp()
	}
	cells := rt.retired.drainBelow(threshold)
	if len(cells) == 0 {
		return
	}
	seen := make(map[any]struct{}, len(cells))
	for _, e := range cells {
		id := e.Identity()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e.Trim(threshold)
	}
	rt.metrics.incReclaimCycle(len(seen))
	rt.logger.Debug("stm reclamation cycle",
		zap.String("runtime", rt.id.String()),
		zap.Uint64("threshold", uint64(threshold)),
		zap.Int("cells_trimmed", len(seen)),
	)
}
