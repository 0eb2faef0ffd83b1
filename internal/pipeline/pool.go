package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"posting-pipeline/internal/shared/metrics"
	"posting-pipeline/internal/shared/telemetry"
)

// workerPool feeds items from a fifo to at most size concurrent handlers.
type workerPool struct {
	name   string
	queue  *fifo
	sem    *semaphore.Weighted
	handle func(ctx context.Context, it item)
	// drop is called for items that are discarded without running.
	drop func(it item)

	wg      sync.WaitGroup
	active  atomic.Int64
	started atomic.Bool
	done    chan struct{}
}

func newWorkerPool(name string, size int, handle func(context.Context, item), drop func(item)) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{
		name:   name,
		queue:  newFIFO(),
		sem:    semaphore.NewWeighted(int64(size)),
		handle: handle,
		drop:   drop,
		done:   make(chan struct{}),
	}
}

// start launches the dispatcher. Handlers receive ctx; cancelling it aborts
// waiting items and in-flight external calls.
func (p *workerPool) start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.dispatch(ctx)
}

func (p *workerPool) dispatch(ctx context.Context) {
	defer close(p.done)
	for {
		it, ok := p.queue.pop(ctx)
		if !ok {
			p.dropPending()
			return
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.dropItem(it)
			p.dropPending()
			return
		}
		p.wg.Add(1)
		p.active.Add(1)
		go func(it item) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.active.Add(-1)
			p.run(ctx, it)
		}(it)
	}
}

// run isolates a single item: a panic is logged and the pool keeps going.
func (p *workerPool) run(ctx context.Context, it item) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncError(string(CategoryProgramming))
			telemetry.Error("pipeline.worker.panic", map[string]any{
				"queue":      p.name,
				"posting_id": it.PostingID,
				"attempt":    it.Attempt,
				"trace_id":   it.TraceID,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
		}
	}()
	p.handle(ctx, it)
}

func (p *workerPool) dropPending() {
	for _, it := range p.queue.drain() {
		p.dropItem(it)
	}
}

func (p *workerPool) dropItem(it item) {
	if p.drop != nil {
		p.drop(it)
	}
}

// close stops intake. Queued items are still dispatched until the context ends.
func (p *workerPool) close() {
	p.queue.close()
	if !p.started.Load() {
		p.dropPending()
	}
}

// wait blocks until the dispatcher has exited and every handler returned.
func (p *workerPool) wait() {
	if p.started.Load() {
		<-p.done
	}
	p.wg.Wait()
}

func (p *workerPool) pending() int { return p.queue.len() }

func (p *workerPool) running() int { return int(p.active.Load()) }
