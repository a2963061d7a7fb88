package executor

import (
	"container/heap"
	"time"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/txn"
)

// task is one pending unit of work: a Select to turn into a Transaction
// and run against the driver once it reaches the front of the queue.
type task struct {
	method      core.Method
	sel         core.Select
	priority    core.Priority
	timeout     time.Duration
	seq         uint64
	done        chan *txn.Transaction
	writeValues txn.Data
}

// priorityQueue orders tasks by priority (higher first), then FIFO within
// a priority band (lower seq first).
type priorityQueue []*task

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*task))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return t
}

var _ heap.Interface = (*priorityQueue)(nil)
