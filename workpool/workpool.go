// Package workpool runs blocking work (decompression, reads of mapped
// memory) on a fixed set of goroutines so that the number of threads
// blocked in such work is bounded.
package workpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned by Do after Close
var ErrClosed = errors.New("pool is closed")

type job struct {
	fn   func()
	done chan struct{}
}

type Pool struct {
	jobs chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with n workers. If n <= 0 uses number of CPUs
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{
		jobs: make(chan job),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.fn()
		close(j.done)
	}
}

// Do runs fn on a worker and waits for it to finish.
// If ctx is cancelled before a worker picks up fn, fn is not run
// and ctx.Err() is returned. Once started, fn always runs to completion
func (p *Pool) Do(ctx context.Context, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	j := job{
		fn:   fn,
		done: make(chan struct{}),
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-j.done
	return nil
}

// Close waits for running jobs and stops workers
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
