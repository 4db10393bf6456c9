package workflow

import "container/heap"

// queueItem is a queued run awaiting dispatch.
type queueItem struct {
	runID    string
	priority int
	seq      uint64 // submission order
	index    int
}

// runQueue orders runs by priority ascending, then submission order.
type runQueue struct {
	items []*queueItem
	byID  map[string]*queueItem
}

func newRunQueue() *runQueue {
	return &runQueue{byID: make(map[string]*queueItem)}
}

// heap.Interface

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q *runQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *runQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *runQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

func (q *runQueue) add(runID string, priority int, seq uint64) {
	item := &queueItem{runID: runID, priority: priority, seq: seq}
	heap.Push(q, item)
	q.byID[runID] = item
}

// peek returns the head run id without removing it.
func (q *runQueue) peek() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0].runID, true
}

func (q *runQueue) next() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	item := heap.Pop(q).(*queueItem)
	delete(q.byID, item.runID)
	return item.runID, true
}

// remove drops a run from anywhere in the queue.
func (q *runQueue) remove(runID string) bool {
	item, ok := q.byID[runID]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.byID, runID)
	return true
}
