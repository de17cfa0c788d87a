// Package presence tracks which wallet identities currently hold a live
// connection to the notification channel. Presence is advisory: it gates
// actions in the client, never authorization on the server. There is no
// history; a disconnect is reflected immediately.
package presence

import "sync"

// Sink receives pushed envelopes for one live connection.
type Sink interface {
	Push(payload []byte) error
}

// Hub is the in-memory registry of live connections per wallet address.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[Sink]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[Sink]struct{})}
}

// Track registers a live connection for the wallet.
func (h *Hub) Track(walletAddress string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[walletAddress]
	if !ok {
		set = make(map[Sink]struct{})
		h.conns[walletAddress] = set
	}
	set[sink] = struct{}{}
}

// Untrack removes a connection; the wallet goes offline when its last
// connection is gone.
func (h *Hub) Untrack(walletAddress string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[walletAddress]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(h.conns, walletAddress)
	}
}

// IsOnline reports whether the wallet holds at least one live connection.
// Always a fresh read; callers must not cache the answer.
func (h *Hub) IsOnline(walletAddress string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[walletAddress]) > 0
}

// Push delivers payload to every live connection of the wallet and reports
// how many received it. A zero count means the recipient must poll the
// mailbox instead.
func (h *Hub) Push(walletAddress string, payload []byte) int {
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.conns[walletAddress]))
	for s := range h.conns[walletAddress] {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range sinks {
		if err := s.Push(payload); err == nil {
			delivered++
		}
	}
	return delivered
}
