package services

import (
	"container/heap"
	"time"
)

type deferredSell struct {
	executionID string
	userID      string
	positionID  string
	due         time.Time
}

// deferredQueue orders scheduled sells by due time. It is not safe for
// concurrent use; the policy engine guards it.
type deferredQueue struct {
	items []deferredSell
	ids   map[string]struct{}
}

func newDeferredQueue() *deferredQueue {
	return &deferredQueue{ids: make(map[string]struct{})}
}

// push ignores an execution that is already queued.
func (q *deferredQueue) push(item deferredSell) bool {
	if _, ok := q.ids[item.executionID]; ok {
		return false
	}
	q.ids[item.executionID] = struct{}{}
	heap.Push((*sellHeap)(q), item)
	return true
}

// popDue removes and returns every item due at or before now, earliest
// first.
func (q *deferredQueue) popDue(now time.Time) []deferredSell {
	var due []deferredSell
	for len(q.items) > 0 && !q.items[0].due.After(now) {
		item := heap.Pop((*sellHeap)(q)).(deferredSell)
		delete(q.ids, item.executionID)
		due = append(due, item)
	}
	return due
}

func (q *deferredQueue) remove(executionID string) {
	if _, ok := q.ids[executionID]; !ok {
		return
	}
	for i, item := range q.items {
		if item.executionID == executionID {
			heap.Remove((*sellHeap)(q), i)
			break
		}
	}
	delete(q.ids, executionID)
}

func (q *deferredQueue) Len() int { return len(q.items) }

// sellHeap implements heap.Interface over the queue's items.
type sellHeap deferredQueue

func (h *sellHeap) Len() int           { return len(h.items) }
func (h *sellHeap) Less(i, j int) bool { return h.items[i].due.Before(h.items[j].due) }
func (h *sellHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *sellHeap) Push(x any) {
	h.items = append(h.items, x.(deferredSell))
}

func (h *sellHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
