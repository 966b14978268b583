package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned by Do after the pool has been stopped.
var ErrStopped = errors.New("server: worker pool stopped")

// workRequest represents a unit of work to be executed on a worker goroutine.
type workRequest struct {
	fn   func() any
	done chan workResult
}

// workResult holds the return value from a unit of work.
type workResult struct {
	value any
	err   error
}

// WorkerPool bounds the number of machines executing at once. Each machine
// is owned by exactly one request, so workers share nothing but the queue.
type WorkerPool struct {
	requests chan workRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool creates a pool of n workers and starts them.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

// loop processes requests sequentially on one worker goroutine.
func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case req := <-p.requests:
			req.done <- p.execute(req.fn)
		case <-p.quit:
			return
		}
	}
}

// execute runs fn, recovering from panics.
func (p *WorkerPool) execute(fn func() any) workResult {
	var result workResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn()
	}()
	return result
}

// Do submits fn to the pool and blocks until it completes. It gives up
// waiting for a free worker when ctx is done; once fn has started it runs
// to completion, so fn should honor ctx itself.
func (p *WorkerPool) Do(ctx context.Context, fn func() any) (any, error) {
	req := workRequest{
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case p.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrStopped
	}

	select {
	case result := <-req.done:
		return result.value, result.err
	case <-p.quit:
		return nil, ErrStopped
	}
}

// Stop shuts down the workers and waits for running work to finish.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}
