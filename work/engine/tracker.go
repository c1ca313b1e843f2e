package engine

import (
	"sync"

	"emeltv-player/work/logger"
)

// SegmentTracker remembers the most recently written segment URLs in a
// fixed-size ring so a live playlist refresh never writes a segment twice.
// The oldest entry is evicted once the ring is full.
type SegmentTracker struct {
	segments    []string
	index       map[string]int
	head        int
	maxSize     int
	currentSize int
	mutex       sync.RWMutex
}

// NewSegmentTracker creates a tracker holding at most maxSize URLs.
func NewSegmentTracker(maxSize int) *SegmentTracker {
	if maxSize < 1 {
		maxSize = 1
	}
	return &SegmentTracker{
		segments: make([]string, maxSize),
		index:    make(map[string]int, maxSize),
		maxSize:  maxSize,
	}
}

// HasProcessed reports whether segmentURL is still in the ring.
func (st *SegmentTracker) HasProcessed(segmentURL string) bool {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	_, ok := st.index[segmentURL]
	return ok
}

// MarkProcessed records segmentURL, evicting the oldest entry when full.
func (st *SegmentTracker) MarkProcessed(segmentURL string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, ok := st.index[segmentURL]; ok {
		return
	}

	if st.currentSize >= st.maxSize {
		if old := st.segments[st.head]; old != "" {
			delete(st.index, old)
		}
	} else {
		st.currentSize++
	}

	st.segments[st.head] = segmentURL
	st.index[segmentURL] = st.head
	st.head = (st.head + 1) % st.maxSize
}

// Size returns the number of tracked segments.
func (st *SegmentTracker) Size() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.currentSize
}

// Clear forgets every tracked segment.
func (st *SegmentTracker) Clear() {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	logger.Debug("{engine/tracker - Clear} Clearing %d tracked segments", st.currentSize)
	st.index = make(map[string]int, st.maxSize)
	for i := range st.segments {
		st.segments[i] = ""
	}
	st.head = 0
	st.currentSize = 0
}
