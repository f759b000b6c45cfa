package gateway

import (
	"sync"

	"github.com/ppiankov/chaingate/internal/model"
)

const (
	// AnomalyMinHistory is the number of prior proposals a principal needs
	// before its kind distribution is judged.
	AnomalyMinHistory = 10
	// AnomalyThreshold is the share of a principal's history below which a
	// kind counts as anomalous.
	AnomalyThreshold = 0.05

	maxTrackedPrincipals = 4096
)

// kindHistory counts proposals per principal and kind.
type kindHistory struct {
	mu     sync.Mutex
	counts map[string]map[model.ActionKind]int
	totals map[string]int
}

func newKindHistory() *kindHistory {
	return &kindHistory{
		counts: make(map[string]map[model.ActionKind]int),
		totals: make(map[string]int),
	}
}

// observe records kind for principal and reports the share kind had in the
// principal's history before this proposal. ok is false while the history
// is shorter than AnomalyMinHistory.
func (h *kindHistory) observe(principal string, kind model.ActionKind) (share float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kinds, tracked := h.counts[principal]
	if !tracked {
		if len(h.counts) >= maxTrackedPrincipals {
			return 0, false
		}
		kinds = make(map[model.ActionKind]int)
		h.counts[principal] = kinds
	}
	total := h.totals[principal]
	if total >= AnomalyMinHistory {
		share, ok = float64(kinds[kind])/float64(total), true
	}
	kinds[kind]++
	h.totals[principal] = total + 1
	return share, ok
}

// anomalous reports whether share marks a rare kind.
func anomalous(share float64, ok bool) bool {
	return ok && share < AnomalyThreshold
}
