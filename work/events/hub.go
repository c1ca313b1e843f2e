package events

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"emeltv-player/work/types"
)

// Hub fans playback events out to subscribed listeners. It is safe for
// concurrent Subscribe, Emit and unsubscribe calls.
type Hub struct {
	listeners *xsync.MapOf[uint64, types.Listener]
	nextID    atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: xsync.NewMapOf[uint64, types.Listener]()}
}

// Subscribe registers l and returns a function that removes it again.
func (h *Hub) Subscribe(l types.Listener) func() {
	id := h.nextID.Add(1)
	h.listeners.Store(id, l)
	return func() { h.listeners.Delete(id) }
}

// Emit delivers e to every current listener.
func (h *Hub) Emit(e types.Event) {
	h.listeners.Range(func(_ uint64, l types.Listener) bool {
		l.OnEvent(e)
		return true
	})
}

// Len returns the number of subscribed listeners.
func (h *Hub) Len() int {
	return h.listeners.Size()
}

// Clear drops every listener.
func (h *Hub) Clear() {
	h.listeners.Clear()
}
