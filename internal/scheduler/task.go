package scheduler

import (
	"time"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Kind is the work a task performs on its record
type Kind string

const (
	KindSubmit Kind = "submit"
	KindPoll   Kind = "poll"
)

// Task is one unit of work for a record. Ready tasks run in CreatedAt order;
// tasks with a future NotBefore wait in the delayed heap.
type Task struct {
	RecordID     string
	Municipality model.MunicipalityCode
	Kind         Kind
	CreatedAt    time.Time
	NotBefore    time.Time
}

func (t Task) key() string {
	return t.RecordID + "|" + string(t.Kind)
}

type item struct {
	task Task
	seq  uint64
}

// readyHeap orders by record creation time, then by enqueue order
type readyHeap []item

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if !h[i].task.CreatedAt.Equal(h[j].task.CreatedAt) {
		return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// delayedHeap orders by release time
type delayedHeap []item

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].task.NotBefore.Before(h[j].task.NotBefore)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
