package award

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"promo-engine/pkg/errutil"
	"promo-engine/services/condition"
)

// FormulaPart is one segment of a dynamic-quantity template. Segments
// resolve to strings and concatenate before the numeric parse, so a formula
// can splice literals around indicator lookups.
type FormulaPart struct {
	Type   string            `json:"type"` // literal | indicator | fixed
	Value  string            `json:"value,omitempty"`
	KeyID  string            `json:"key_id,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// FormulaRefs lists the indicator references a formula needs resolved.
func FormulaRefs(raw []byte) []condition.KeyRef {
	parts, err := parseFormula(raw)
	if err != nil {
		return nil
	}
	var refs []condition.KeyRef
	for _, p := range parts {
		if p.Type == "indicator" {
			refs = append(refs, condition.KeyRef{ID: p.KeyID, Params: p.Params})
		}
	}
	return refs
}

// ResolveQty evaluates a dynamic-quantity formula against resolved indicator
// values. The numeric result is floored, with values in (0,1) rounded up
// to 1 so a positive fractional entitlement still grants one unit.
func ResolveQty(raw []byte, values map[string]float64) (float64, error) {
	parts, err := parseFormula(raw)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, errutil.Validation("dynamic quantity formula is empty")
	}

	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "literal", "fixed":
			sb.WriteString(p.Value)
		case "indicator":
			ref := condition.KeyRef{ID: p.KeyID, Params: p.Params}
			sb.WriteString(strconv.FormatFloat(values[ref.Hash()], 'f', -1, 64))
		default:
			return 0, errutil.Validation("unknown formula part type: " + p.Type)
		}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(sb.String()), 64)
	if err != nil {
		return 0, errutil.Validation("dynamic quantity did not resolve to a number", errutil.WithErr(err))
	}

	if v <= 0 {
		return 0, nil
	}
	if v < 1 {
		return 1, nil
	}
	return math.Floor(v), nil
}

func parseFormula(raw []byte) ([]FormulaPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var parts []FormulaPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, errutil.Validation("invalid dynamic quantity formula", errutil.WithErr(err))
	}
	return parts, nil
}
