package orchestrator

import "github.com/bgplab/livetest/pkg/livetest/model"

// history is a FIFO of the most recent finished sessions. It is not safe for
// concurrent use; the Orchestrator guards it.
type history struct {
	size  int
	items []model.TestSession
}

func newHistory(size int) *history {
	return &history{size: size}
}

// add appends s, evicting the oldest entries beyond the capacity.
func (h *history) add(s model.TestSession) {
	h.items = append(h.items, s)
	if over := len(h.items) - h.size; over > 0 {
		// Copy instead of re-slicing so evicted sessions can be collected.
		h.items = append([]model.TestSession(nil), h.items[over:]...)
	}
}

// list returns the sessions oldest first.
func (h *history) list() []model.TestSession {
	return append([]model.TestSession(nil), h.items...)
}

func (h *history) lookup(id string) (model.TestSession, bool) {
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].ID == id {
			return h.items[i], true
		}
	}
	return model.TestSession{}, false
}
