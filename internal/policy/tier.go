package policy

import (
	"sort"

	"github.com/ppiankov/chaingate/internal/model"
)

// Classify maps an action kind to its risk tier using the compiled tier
// table. Params never influence the result: free text such as
// "approved: true" in a parameter is data, not control. The target can only
// escalate: a target matching ProtectedTargets is state_changing_high.
//
// Kinds missing from the table classify as state_changing_high, as does
// every kind when the config has not been validated.
func (c *Config) Classify(kind model.ActionKind, target string, params map[string]any) model.RiskTier {
	if c == nil || c.table == nil {
		return model.TierStateChangingHigh
	}
	if model.IsSelfTargeting(target, c.ProtectedTargets) {
		return model.TierStateChangingHigh
	}
	tier, ok := c.table[model.NormalizeKind(string(kind))]
	if !ok {
		return model.TierStateChangingHigh
	}
	return tier
}

// ClassifyRequest classifies a request. A batch takes the most restrictive
// tier of its sub-actions; an empty kind on a sub-action fails closed.
func (c *Config) ClassifyRequest(req model.ActionRequest) model.RiskTier {
	if !req.IsBatch() {
		return c.Classify(req.Kind, req.Target, req.Params)
	}
	tier := model.TierReadOnly
	for _, sub := range req.SubActions {
		tier = model.MaxTier(tier, c.Classify(sub.Kind, sub.Target, sub.Params))
	}
	return tier
}

// TierTable returns the compiled kind -> tier table sorted by kind.
func (c *Config) TierTable() []TierEntry {
	if c == nil {
		return nil
	}
	out := make([]TierEntry, 0, len(c.table))
	for k, t := range c.table {
		out = append(out, TierEntry{Kind: k, Tier: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// TierEntry is one row of the compiled tier table.
type TierEntry struct {
	Kind model.ActionKind
	Tier model.RiskTier
}
