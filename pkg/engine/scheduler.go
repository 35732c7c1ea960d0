package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mkeeter/halfspace/pkg/world"
)

// readyQueue tracks which blocks of a pass can run. A block becomes ready
// once every distinct producer has a result.
type readyQueue struct {
	graph *Graph

	mu        sync.Mutex
	pending   map[world.BlockID]int
	remaining int
	ready     chan world.BlockID
}

func newReadyQueue(p *pass) *readyQueue {
	q := &readyQueue{
		graph:   p.graph,
		pending: make(map[world.BlockID]int),
		ready:   make(chan world.BlockID, len(p.graph.Order)),
	}

	for _, id := range p.graph.Order {
		if p.results[id] != nil {
			continue
		}
		waiting := 0
		for _, producer := range p.graph.producers[id] {
			if p.results[producer] == nil {
				waiting++
			}
		}
		q.pending[id] = waiting
		q.remaining++
	}

	// Seed in topological order so a single worker behaves like the
	// sequential walk.
	for _, id := range p.graph.Order {
		if n, ok := q.pending[id]; ok && n == 0 {
			q.ready <- id
		}
	}
	if q.remaining == 0 {
		close(q.ready)
	}
	return q
}

// done marks a block finished and enqueues dependents that became ready.
// The channel is closed after the last block.
func (q *readyQueue) done(id world.BlockID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dependent := range q.graph.dependents[id] {
		n, ok := q.pending[dependent]
		if !ok {
			continue
		}
		q.pending[dependent] = n - 1
		if n-1 == 0 {
			q.ready <- dependent
		}
	}

	q.remaining--
	if q.remaining == 0 {
		close(q.ready)
	}
}

// runParallel evaluates a pass with a bounded pool of workers consuming
// ready blocks. Independent blocks run concurrently; each Execute call uses
// its own interpreter state.
func (e *Evaluator) runParallel(ctx context.Context, p *pass) error {
	queue := newReadyQueue(p)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case id, ok := <-queue.ready:
					if !ok {
						return nil
					}
					p.store(e.evaluateBlock(gctx, p, id))
					queue.done(id)
				}
			}
		})
	}
	return g.Wait()
}
