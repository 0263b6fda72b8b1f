package delivery

import (
	"container/heap"
	"time"
)

type wakeup struct {
	id    string
	dueAt time.Time
}

// wakeHeap is a min-heap of wake-ups ordered by due time.
type wakeHeap []wakeup

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h wakeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *wakeHeap) Push(x any) { *h = append(*h, x.(wakeup)) }

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func heapPush(h *wakeHeap, w wakeup) { heap.Push(h, w) }

// heapPop removes the earliest wake-up. Panics if the heap is empty.
func heapPop(h *wakeHeap) wakeup { return heap.Pop(h).(wakeup) }

func heapRemoveByID(h *wakeHeap, id string) bool {
	for i, w := range *h {
		if w.id == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
