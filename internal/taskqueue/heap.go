package taskqueue

import "container/heap"

type heapItem struct {
	task *Task
	seq  uint64
}

// taskHeap is a max-heap on priority with FIFO order among equals.
type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue wraps taskHeap with a sequence counter. It is not safe for
// concurrent use; the broker holds its lock.
type priorityQueue struct {
	items taskHeap
	seq   uint64
}

func (q *priorityQueue) push(t *Task) {
	q.seq++
	heap.Push(&q.items, &heapItem{task: t, seq: q.seq})
}

func (q *priorityQueue) pop() *Task {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*heapItem).task
}

func (q *priorityQueue) len() int {
	return q.items.Len()
}
