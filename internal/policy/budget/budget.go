// Package budget caps how many pages of one crawl may be rendered through
// the headless browser.
package budget

import "sync"

// Headless tracks renders per job. A non-positive limit allows none.
type Headless struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewHeadless returns a budget of limit renders per job.
func NewHeadless(limit int) *Headless {
	return &Headless{limit: limit, used: make(map[string]int)}
}

// AllowHeadless consumes one render for jobID and reports whether it was available.
func (h *Headless) AllowHeadless(jobID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used[jobID] >= h.limit {
		return false
	}
	h.used[jobID]++
	return true
}

// Release forgets jobID once its crawl has finished.
func (h *Headless) Release(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.used, jobID)
}
