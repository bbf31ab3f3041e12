//go:build !stm_spinwait

package stm

import "context"

// parker is the per-cell suspension point: a reader waiting on a competing writer's write stamp
// blocks here until the writer releases it. This is the default build; the stm_spinwait build
// tag swaps in a busy-spin variant (parker_spin.go) for workloads where parking overhead
// dominates short critical sections.
type parker struct {
	mu chan struct{}
	ch chan struct{}
}

func newParker() *parker {
	p := &parker{mu: make(chan struct{}, 1), ch: make(chan struct{})}
	p.mu <- struct{}{}
	return p
}

// wait blocks until the next release, or ctx is done. It returns false only on cancellation.
func (p *parker) wait(ctx context.Context) bool {
	<-p.mu
	ch := p.ch
	p.mu <- struct{}{}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// release wakes every goroutine currently parked and resets the gate for the next waiter.
func (p *parker) release() {
	<-p.mu
	close(p.ch)
	p.ch = make(chan struct{})
	p.mu <- struct{}{}
}
