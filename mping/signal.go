package mping

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Signals bridges operator interrupts to the single-threaded engine. The
// watcher only bumps an atomic counter; the engine polls it between steps.
// One interrupt means finish the current iteration and drain; a second
// terminates the loops, and the default disposition is restored so a
// third kills the process outright.
type Signals struct {
	halt int32
}

func NewSignals() *Signals {
	return &Signals{}
}

// Watch installs the SIGINT handler and runs until the context is
// canceled or a second interrupt arrives.
func (s *Signals) Watch(ctx context.Context) error {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			if s.bump() >= 2 {
				signal.Reset(syscall.SIGINT)
				return nil
			}
		}
	}
}

func (s *Signals) bump() int {
	return int(atomic.AddInt32(&s.halt, 1))
}

// HaltCount reports how many interrupts have been observed.
func (s *Signals) HaltCount() int {
	return int(atomic.LoadInt32(&s.halt))
}

// Halting reports whether at least one interrupt is pending.
func (s *Signals) Halting() bool {
	return s.HaltCount() > 0
}

// ClearHalt consumes a single pending interrupt once the current
// iteration has drained. A second interrupt is never cleared.
func (s *Signals) ClearHalt() {
	atomic.CompareAndSwapInt32(&s.halt, 1, 0)
}
