package aggregation

import (
	"errors"
	"sort"
	"sync"
)

// HealthState collects the latest health assertion of every engine.
type HealthState struct {
	mu   sync.RWMutex
	errs map[string]error
}

// NewHealthState creates an empty, healthy state.
func NewHealthState() *HealthState {
	return &HealthState{errs: make(map[string]error)}
}

// Set records the result of an assertion for aggregatorID. A nil err marks it healthy.
func (h *HealthState) Set(aggregatorID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err == nil {
		delete(h.errs, aggregatorID)
		return
	}
	h.errs[aggregatorID] = err
}

// Healthy reports whether aggregatorID passed its last assertion.
func (h *HealthState) Healthy(aggregatorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, failed := h.errs[aggregatorID]
	return !failed
}

// Err joins every failing engine's error, ordered by aggregator id.
func (h *HealthState) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.errs))
	for id := range h.errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, h.errs[id])
	}
	return errors.Join(errs...)
}
