package extsort

import (
	"container/heap"
	"context"
	"io"

	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

// mergeItem is one run's head entry waiting in the merge heap.
type mergeItem struct {
	entry  keys.Entry
	source int // index into readers
}

// mergeHeap implements heap.Interface for the k-way merge. Less defers to
// the build's comparator, so the merged order is exactly the spill order.
type mergeHeap struct {
	items []mergeItem
	cmp   func(a, b keys.Entry) int
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].entry, h.items[j].entry) < 0
}

func (h *mergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergeHeap) Push(x interface{}) {
	h.items = append(h.items, x.(mergeItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// mergeIterator yields entries from all runs in ascending comparator order.
// Equal keys from different runs all flow through; resolving them is the
// consumer's concern, not the merge's.
type mergeIterator struct {
	readers []*runReader
	heap    *mergeHeap
	cur     keys.Entry
	err     error
	primed  bool
	closed  bool
}

// newMergeIterator opens every run and primes the heap with each run's first
// entry. On any open or read failure the already opened readers are closed.
func newMergeIterator(ctx context.Context, cmp func(a, b keys.Entry) int, paths []string, ctrl *Controller) (*mergeIterator, error) {
	m := &mergeIterator{
		heap: &mergeHeap{cmp: cmp, items: make([]mergeItem, 0, len(paths))},
	}

	for _, path := range paths {
		r, err := openRun(path, ctrl)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.readers = append(m.readers, r)

		e, err := r.next(ctx)
		if err == io.EOF {
			continue // empty run
		}
		if err != nil {
			m.Close()
			return nil, err
		}
		heap.Push(m.heap, mergeItem{entry: e, source: len(m.readers) - 1})
	}

	heap.Init(m.heap)
	m.primed = true
	return m, nil
}

func (m *mergeIterator) Next(ctx context.Context) bool {
	if m.err != nil || !m.primed {
		return false
	}
	if err := ctx.Err(); err != nil {
		m.err = err
		return false
	}
	if m.heap.Len() == 0 {
		return false
	}

	item := heap.Pop(m.heap).(mergeItem)
	m.cur = item.entry

	// Refill from the run the head came from.
	e, err := m.readers[item.source].next(ctx)
	if err == nil {
		heap.Push(m.heap, mergeItem{entry: e, source: item.source})
	} else if err != io.EOF {
		m.err = err
		return false
	}

	return true
}

func (m *mergeIterator) Entry() keys.Entry { return m.cur }

func (m *mergeIterator) Err() error { return m.err }

// Close closes all run readers. Idempotent; the first close error wins.
func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, r := range m.readers {
		if err := r.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
