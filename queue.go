// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkpress

import (
	"sync"

	"github.com/eapache/queue"
)

// messageQueue is a blocking FIFO of batches between the facade and the workers.
type messageQueue struct {
	// waking up pop callers on push and terminate
	cond *sync.Cond

	list *queue.Queue

	mu sync.Mutex

	terminated bool
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{
		list: queue.New(),
	}

	q.cond = sync.NewCond(&q.mu)

	return q
}

// push appends the batch and wakes up a single pop caller.
func (q *messageQueue) push(id batchID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.list.Add(id)
	q.cond.Signal()
}

// pop removes the batch at the head of the queue, blocking while the queue is empty.
//
// pop returns false once the queue is terminated and empty.
func (q *messageQueue) pop() (batchID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.list.Length() == 0 && !q.terminated {
		q.cond.Wait()
	}

	if q.list.Length() == 0 {
		return 0, false
	}

	return q.list.Remove().(batchID), true //nolint:forcetypeassert
}

// terminate wakes up all pop callers; it is safe to call terminate more than once.
func (q *messageQueue) terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.terminated = true
	q.cond.Broadcast()
}
