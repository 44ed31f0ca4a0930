package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sheetqa/sheetqa/internal/qerr"
)

// pipeline is the single translate+execute token of one (user, dataset)
// pair. It outlives the sessions that use it, so a session re-created for the
// same dataset queues behind work started by its discarded predecessor.
type pipeline struct {
	opts Options
	// refs counts questions holding or waiting for the token. It is guarded
	// by the store lock, and a pipeline with refs > 0 is never forgotten.
	refs int

	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (p *pipeline) acquire(ctx context.Context) (func(), error) {
	p.mu.Lock()
	if !p.busy && len(p.waiters) == 0 {
		p.busy = true
		p.mu.Unlock()
		return p.releaser(), nil
	}
	if p.opts.Policy == PolicyReject {
		p.mu.Unlock()
		return nil, qerr.Busy("another question is still running for this dataset")
	}
	if len(p.waiters) >= p.opts.MaxQueue {
		p.mu.Unlock()
		return nil, qerr.Busy(fmt.Sprintf("%d questions are already waiting for this dataset", len(p.waiters)))
	}
	turn := make(chan struct{})
	p.waiters = append(p.waiters, turn)
	p.mu.Unlock()

	select {
	case <-turn:
		return p.releaser(), nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, waiter := range p.waiters {
			if waiter == turn {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, waitError(ctx)
			}
		}
		p.mu.Unlock()
		// The token was handed over while ctx expired; pass it on.
		p.releaser()()
		return nil, waitError(ctx)
	}
}

func waitError(ctx context.Context) error {
	if err := qerr.FromContext(ctx, "waiting for the session"); err != nil {
		return err
	}
	return context.Canceled
}

func (p *pipeline) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if len(p.waiters) > 0 {
				next := p.waiters[0]
				p.waiters = p.waiters[1:]
				close(next)
				return
			}
			p.busy = false
		})
	}
}

func (p *pipeline) waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// inUse is safe on a nil pipeline. Callers hold the store lock.
func (p *pipeline) inUse() bool {
	return p != nil && p.refs > 0
}
