package orchestration

import (
	"sync"
	"time"

	"github.com/hookcore/bridge/internal/domain"
)

// defaultHistoryLimit bounds how many Context snapshots the Engine keeps
// per Plan before discarding the oldest.
const defaultHistoryLimit = 100

// snapshot is one recorded Context at a point during a Plan's execution.
type snapshot struct {
	ID        int
	Context   domain.Context
	CreatedAt time.Time
}

// history keeps a bounded, per-Plan list of Context snapshots so a Plan
// can be inspected or restored from any recorded point.
type history struct {
	mu    sync.Mutex
	byID  map[string][]snapshot
	next  map[string]int
	limit int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{
		byID:  make(map[string][]snapshot),
		next:  make(map[string]int),
		limit: limit,
	}
}

// record appends a Context snapshot for planID, evicting the oldest
// entry if the per-plan history is at capacity, and returns the new
// snapshot's id.
func (h *history) record(planID string, ctx domain.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next[planID]
	h.next[planID] = id + 1

	snaps := h.byID[planID]
	snaps = append(snaps, snapshot{ID: id, Context: ctx.Clone(), CreatedAt: time.Now()})
	if len(snaps) > h.limit {
		snaps = snaps[len(snaps)-h.limit:]
	}
	h.byID[planID] = snaps
	return id
}

// restore returns the Context recorded under the given snapshot id for a
// Plan, or false if the snapshot is unknown or has been evicted.
func (h *history) restore(planID string, id int) (domain.Context, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.byID[planID] {
		if s.ID == id {
			return s.Context.Clone(), true
		}
	}
	return domain.Context{}, false
}

// forget discards a Plan's recorded history. Run and RunLoop call it as
// soon as the Plan reaches a terminal state, so snapshots can be restored
// only while the Plan is still running.
func (h *history) forget(planID string) {
	h.mu.Lock()
	delete(h.byID, planID)
	delete(h.next, planID)
	h.mu.Unlock()
}
