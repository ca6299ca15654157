package workers

import (
	"sync"

	"github.com/lckrugel/payment-dispatch/internal/dtos"
)

// PendingQueue holds accepted payments local to this instance until a
// worker picks them up. It is unbounded and FIFO.
type PendingQueue struct {
	mu    sync.Mutex
	items []dtos.PaymentRequest
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

func (q *PendingQueue) Enqueue(payments ...dtos.PaymentRequest) {
	q.mu.Lock()
	q.items = append(q.items, payments...)
	q.mu.Unlock()
}

// DequeueBatch removes up to limit payments from the head of the queue.
func (q *PendingQueue) DequeueBatch(limit int) []dtos.PaymentRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(limit, len(q.items))
	if n <= 0 {
		return nil
	}

	batch := make([]dtos.PaymentRequest, n)
	copy(batch, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return batch
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns what it held.
func (q *PendingQueue) Drain() []dtos.PaymentRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}
