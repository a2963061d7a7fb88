package executor

import (
	"container/heap"
	"testing"

	"github.com/moduledb/modbusdb/core"
	"github.com/moduledb/modbusdb/txn"
)

func TestPriorityQueueOrdersByPriorityThenSeq(t *testing.T) {
	pq := &priorityQueue{}
	heap.Init(pq)

	heap.Push(pq, &task{priority: core.Normal, seq: 1, done: make(chan *txn.Transaction, 1)})
	heap.Push(pq, &task{priority: core.High, seq: 2, done: make(chan *txn.Transaction, 1)})
	heap.Push(pq, &task{priority: core.Low, seq: 0, done: make(chan *txn.Transaction, 1)})
	heap.Push(pq, &task{priority: core.Normal, seq: 3, done: make(chan *txn.Transaction, 1)})

	var order []core.Priority
	var seqs []uint64
	for pq.Len() > 0 {
		tk := heap.Pop(pq).(*task)
		order = append(order, tk.priority)
		seqs = append(seqs, tk.seq)
	}

	wantOrder := []core.Priority{core.High, core.Normal, core.Normal, core.Low}
	for i, p := range wantOrder {
		if order[i] != p {
			t.Fatalf("pop order = %v, want priorities %v", order, wantOrder)
		}
	}

	// within the Normal band, seq 1 must dequeue before seq 3 (FIFO).
	if seqs[1] != 1 || seqs[2] != 3 {
		t.Errorf("FIFO within priority band violated: seqs = %v", seqs)
	}
}
