package stm

import "context"

// Subscription is a handle to a registered conditional transaction. It carries no exported
// fields; callers hold it only to pass to Cancel.
type Subscription struct {
	rt   *Runtime
	test func(tx *Context) (bool, error)
	body func(tx *Context) (bool, error)

	gate   rwGate
	reads  map[any]struct{}
	cancel bool
}

// registry indexes live subscriptions by the identity of every cell their test function last
// read, so a commit's trigger set can be intersected against it without scanning every
// subscription on every commit.
type registry struct {
	gate rwGate
	byID map[any]map[*Subscription]struct{}
}

func newRegistry() *registry {
	return &registry{gate: makeGate(), byID: make(map[any]map[*Subscription]struct{})}
}

func (r *registry) index(sub *Subscription, reads map[any]struct{}) {
	r.gate.Lock()
	defer r.gate.Unlock()
	for id := range sub.reads {
		delete(r.byID[id], sub)
	}
	sub.reads = reads
	for id := range reads {
		set := r.byID[id]
		if set == nil {
			set = make(map[*Subscription]struct{})
			r.byID[id] = set
		}
		set[sub] = struct{}{}
	}
}

func (r *registry) unindex(sub *Subscription) {
	r.gate.Lock()
	defer r.gate.Unlock()
	for id := range sub.reads {
		delete(r.byID[id], sub)
	}
	sub.reads = nil
}

func (r *registry) matching(trigger map[any]struct{}) []*Subscription {
	r.gate.RLock()
	defer r.gate.RUnlock()
	seen := make(map[*Subscription]struct{})
	var out []*Subscription
	for id := range trigger {
		for sub := range r.byID[id] {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				out = append(out, sub)
			}
		}
	}
	return out
}

// Conditional registers a reactive transaction: test runs first, read-only, to compute its read
// set and decide whether body should run. If test currently reports true, body runs immediately,
// atomically with test, exactly as an ordinary transaction body would, and its bool return
// decides whether the subscription stays registered (true) or is removed (false) — the
// equivalent of an ordinary subscription's own "stop watching" signal. If test reports false, the
// subscription is indexed against the cells test touched and fires again the next time any of
// them commits a change, re-evaluating test from scratch each time.
//
// It is an error — ErrEmptyConditionalReadSet — for test to enlist no cells, since such a
// subscription could never be triggered again.
func Conditional(ctx context.Context, rt *Runtime, test func(tx *Context) (bool, error), body func(tx *Context) (bool, error)) (*Subscription, error) {
	sub := &Subscription{rt: rt, test: test, body: body, gate: makeGate()}
	if err := fireOrIndex(ctx, rt, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel deregisters sub. It is idempotent.
func Cancel(rt *Runtime, sub *Subscription) {
	sub.gate.Lock()
	sub.cancel = true
	sub.gate.Unlock()
	rt.subscriptions.unindex(sub)
}

func isCancelled(sub *Subscription) bool {
	sub.gate.RLock()
	defer sub.gate.RUnlock()
	return sub.cancel
}

// fireOrIndex runs test (and body, if test passes) inside one transaction, then indexes the
// subscription against exactly the identities test's read set touched, captured right after test
// returns and before body runs, so a later write made by body does not spuriously re-trigger the
// subscription against its own effects. If body ran and asked to stop watching, the subscription
// is removed from the registry instead of re-indexed.
func fireOrIndex(ctx context.Context, rt *Runtime, sub *Subscription) error {
	var reads map[any]struct{}
	keepWatching := true
	err := rt.RunTransaction(ctx, func(tx *Context) error {
		ok, err := sub.test(tx)
		if err != nil {
			return err
		}
		reads = tx.identitySet()
		if len(reads) == 0 {
			return ErrEmptyConditionalReadSet
		}
		if !ok {
			return nil
		}
		keepWatching, err = sub.body(tx)
		return err
	})
	if err != nil {
		return err
	}
	if !keepWatching {
		rt.subscriptions.unindex(sub)
		return nil
	}
	rt.subscriptions.index(sub, reads)
	return nil
}

// notify re-evaluates every subscription whose read set intersects trigger. Each re-evaluation
// is its own transaction via fireOrIndex, so a subscription that fires updates cells other
// subscriptions may depend on, cascading correctly rather than working from a stale snapshot.
func (r *registry) notify(ctx context.Context, rt *Runtime, trigger map[any]struct{}) {
	if len(trigger) == 0 {
		return
	}
	for _, sub := range r.matching(trigger) {
		if isCancelled(sub) {
			continue
		}
		// Errors surfacing from an asynchronous re-fire have no caller to report to; a test that
		// degrades into ErrEmptyConditionalReadSet or a body that fails outright simply leaves
		// the subscription at its last good index rather than panicking the committing goroutine.
		_ = fireOrIndex(ctx, rt, sub)
	}
}
