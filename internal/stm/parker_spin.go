//go:build stm_spinwait

package stm

import (
	"context"
	"runtime"
)

// This file implements the spin-wait side of a build-time toggle for cell write-stamp
// contention. Build with -tags stm_spinwait to select it over the default park/notify gate in
// parker.go.

type parker struct{}

func newParker() *parker { return &parker{} }

// wait never blocks: it yields the processor once and returns, letting the caller's own retry
// loop re-check the write stamp immediately. It only reports false once ctx is already done.
func (p *parker) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
		runtime.Gosched()
		return true
	}
}

func (p *parker) release() {}
