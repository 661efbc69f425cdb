package extsort

import (
	"container/heap"
	"io"
)

// MergeIterator is a k-way merge over sorted run files. Records for the
// same email from different runs are merged into one.
type MergeIterator struct {
	readers []*RunFileReader
	heap    *mergeHeap
	err     error
}

type mergeItem struct {
	stat      *EmailStat
	readerIdx int
}

type mergeHeap struct {
	items []mergeItem
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	return h.items[i].stat.Email < h.items[j].stat.Email
}

func (h *mergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergeHeap) Push(x any) {
	h.items = append(h.items, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// NewMergeIterator opens every path and primes the heap. The caller must
// Close the iterator.
func NewMergeIterator(paths []string, bufferSize int) (*MergeIterator, error) {
	m := &MergeIterator{
		readers: make([]*RunFileReader, 0, len(paths)),
		heap:    &mergeHeap{items: make([]mergeItem, 0, len(paths))},
	}
	for _, path := range paths {
		r, err := OpenRunFile(path, bufferSize)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.readers = append(m.readers, r)
	}
	for i := range m.readers {
		if err := m.advance(i); err != nil && err != io.EOF {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Next returns the next merged record in ascending email order, or io.EOF.
func (m *MergeIterator) Next() (*EmailStat, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}

	item := heap.Pop(m.heap).(mergeItem)
	result := item.stat
	if err := m.advance(item.readerIdx); err != nil && err != io.EOF {
		m.err = err
		return nil, err
	}

	for m.heap.Len() > 0 && m.heap.items[0].stat.Email == result.Email {
		dup := heap.Pop(m.heap).(mergeItem)
		result.Merge(dup.stat)
		if err := m.advance(dup.readerIdx); err != nil && err != io.EOF {
			m.err = err
			return nil, err
		}
	}
	return result, nil
}

func (m *MergeIterator) advance(idx int) error {
	s, err := m.readers[idx].Read()
	if err != nil {
		return err
	}
	heap.Push(m.heap, mergeItem{stat: s, readerIdx: idx})
	return nil
}

// Close closes every reader.
func (m *MergeIterator) Close() error {
	var firstErr error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
