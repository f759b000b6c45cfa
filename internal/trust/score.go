package trust

import (
	"math"
	"sort"
	"time"

	"github.com/ppiankov/chaingate/internal/policy"
)

// Score is the derived view of an entity's trust at a point in time.
// It is never stored; every read recomputes it from the log.
type Score struct {
	EntityID string    `json:"entity_id"`
	Value    float64   `json:"score"`
	AsOf     time.Time `json:"as_of"`
	// Signals counts visible signals observed at or before AsOf.
	Signals int `json:"signals"`
	// Cooling counts visible signals still inside the cooling period.
	Cooling int `json:"cooling"`
	// Hidden counts signals masked by a rollback marker.
	Hidden        int                  `json:"hidden"`
	FirstObserved time.Time            `json:"first_observed,omitzero"`
	Sources       []SourceContribution `json:"sources,omitempty"`
}

// SourceContribution attributes part of a score to one source.
// Raw is the decayed aggregate; Capped is what survived the diversity cap.
type SourceContribution struct {
	SourceID string  `json:"source_id"`
	Raw      float64 `json:"raw"`
	Capped   float64 `json:"capped"`
}

// weight returns the decay multiplier for a signal of the given age.
// Signals younger than the cooling period weigh zero.
func weight(cfg policy.TrustConfig, age time.Duration) float64 {
	if age < 0 || age < cfg.CoolingPeriod {
		return 0
	}
	ratio := float64(age) / float64(cfg.HalfLife)
	switch cfg.Decay {
	case policy.DecayLinear:
		return math.Max(0, 1-ratio/2)
	default:
		return math.Pow(0.5, ratio)
	}
}

// visible returns the signals in entries that no rollback marker hides.
func visible(entries []Entry) (signals []Entry, hidden int) {
	var markers []Entry
	for _, e := range entries {
		if e.Kind == EntryRollback {
			markers = append(markers, e)
		}
	}
	for _, e := range entries {
		if e.Kind != EntrySignal {
			continue
		}
		masked := false
		for _, m := range markers {
			if e.Seq < m.Seq && e.At.After(m.At) {
				masked = true
				break
			}
		}
		if masked {
			hidden++
			continue
		}
		signals = append(signals, e)
	}
	return signals, hidden
}

// Compute derives an entity's score as of asOf from its log entries.
//
// The result depends only on the multiset of visible signals, never on
// their order in the log: signals are summed in a canonical order so
// concurrent appends converge to the same value.
func Compute(cfg policy.TrustConfig, entityID string, entries []Entry, asOf time.Time) Score {
	score := Score{EntityID: entityID, AsOf: asOf, Value: cfg.ScoreMin}

	signals, hidden := visible(entries)
	score.Hidden = hidden

	sort.Slice(signals, func(i, j int) bool {
		a, b := signals[i], signals[j]
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		return a.Magnitude < b.Magnitude
	})

	var (
		sources []SourceContribution
		current = -1
	)
	for _, s := range signals {
		if s.At.After(asOf) {
			continue
		}
		score.Signals++
		if score.FirstObserved.IsZero() || s.At.Before(score.FirstObserved) {
			score.FirstObserved = s.At
		}
		w := weight(cfg, asOf.Sub(s.At))
		if w == 0 {
			if asOf.Sub(s.At) < cfg.CoolingPeriod {
				score.Cooling++
			}
			continue
		}
		if current < 0 || sources[current].SourceID != s.SourceID {
			sources = append(sources, SourceContribution{SourceID: s.SourceID})
			current = len(sources) - 1
		}
		sources[current].Raw += w * s.Magnitude
	}

	capSources(sources, cfg.DiversityCap)

	total := 0.0
	for _, sc := range sources {
		total += sc.Capped
	}
	score.Value = clamp(cfg.ScoreMin+total, cfg.ScoreMin, cfg.ScoreMax)
	score.Sources = sources
	return score
}

// capSources fills in Capped for each source. Sources are water-filled by
// magnitude: every source whose absolute aggregate is above a level L is
// cut to L, keeping its sign, where L is cap times the resulting absolute
// total. Penalties and endorsements share one level, so no single source
// can push the score up or down on volume alone. When fewer than 1/cap
// sources contribute, no level exists and every capped contribution is
// zero; the cap is never relaxed.
func capSources(sources []SourceContribution, limit float64) {
	if len(sources) == 0 {
		return
	}
	mags := make([]float64, len(sources))
	for i := range sources {
		mags[i] = math.Abs(sources[i].Raw)
	}
	level := waterLevel(mags, limit)
	for i := range sources {
		capped := math.Min(mags[i], level)
		sources[i].Capped = math.Copysign(capped, sources[i].Raw)
	}
}

// waterLevel returns the largest L such that clipping every value to L
// leaves each value at most limit times the clipped total.
func waterLevel(values []float64, limit float64) float64 {
	v := append([]float64(nil), values...)
	sort.Sort(sort.Reverse(sort.Float64Slice(v)))
	n := len(v)

	suffix := make([]float64, n+1)
	for i := n - 1; i >= 0; i-- {
		suffix[i] = suffix[i+1] + v[i]
	}

	const eps = 1e-12
	for k := 0; k <= n; k++ {
		denom := 1 - limit*float64(k)
		if denom <= 0 {
			break
		}
		level := limit * suffix[k] / denom
		if k < n && level < v[k]*(1-eps) {
			continue
		}
		if k > 0 && level > v[k-1]*(1+eps) {
			continue
		}
		return level
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
