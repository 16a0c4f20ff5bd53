package award

import "sort"

// Candidate is a raw award occurrence entering the merge: one instance's
// resolved quantity and validity for a known definition.
type Candidate struct {
	Definition   Definition
	Qty          float64
	ValidityDays int
}

// Merged is one consolidated grant line after merging.
type Merged struct {
	Definition   Definition
	Qty          int64
	ValidityDays int
}

// Merge consolidates raw candidates by underlying award definition. Gifts
// and zero-validity lines stack quantity per (definition, validity-days)
// sub-group. Durable lines with a validity collapse across sub-groups into
// a single line per definition whose quantity is 1 and whose days are
// the quantity-weighted sum, extending expiry instead of stacking count.
// The repeat multiplier scales every merged line for multi-occurrence
// grants.
//
// Probabilistic tiers frequently emit several small instances of the same
// resource; merging keeps the ledger to one coherent row per grant line.
func Merge(candidates []Candidate, repeat int) []Merged {
	if repeat < 1 {
		repeat = 1
	}

	type bucketKey struct {
		awardID string
		days    int
	}

	qtySums := make(map[bucketKey]float64)
	weightedDays := make(map[string]float64)
	defs := make(map[string]Definition)

	for _, c := range candidates {
		if c.Qty <= 0 {
			continue
		}
		def := c.Definition
		defs[def.AwardID] = def

		if !def.IsGifts() && c.ValidityDays > 0 {
			weightedDays[def.AwardID] += float64(c.ValidityDays) * c.Qty
			continue
		}
		qtySums[bucketKey{awardID: def.AwardID, days: c.ValidityDays}] += c.Qty
	}

	var out []Merged
	for k, sum := range qtySums {
		out = append(out, Merged{
			Definition:   defs[k.awardID],
			Qty:          int64(sum) * int64(repeat),
			ValidityDays: k.days,
		})
	}
	for id, days := range weightedDays {
		// extend expiry rather than stack count
		out = append(out, Merged{
			Definition:   defs[id],
			Qty:          1,
			ValidityDays: int(days) * repeat,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Definition.AwardID != out[j].Definition.AwardID {
			return out[i].Definition.AwardID < out[j].Definition.AwardID
		}
		return out[i].ValidityDays < out[j].ValidityDays
	})
	return out
}
