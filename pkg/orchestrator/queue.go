package orchestrator

import "sync"

// fifo is an unbounded FIFO of job ids. Push never blocks; Pop blocks until
// an item is available. Unbounded because submissions must never be dropped
// or stalled behind a full buffer.
type fifo struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []string
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fifo) push(id string) {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *fifo) pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id
}

func (q *fifo) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.items {
		if id != stopSentinel {
			n++
		}
	}
	return n
}
