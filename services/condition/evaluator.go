package condition

import "math"

// Evaluate computes the boolean form of the tree against resolved indicator
// values. Values are keyed by KeyRef.Hash; a missing key reads as zero.
// Divisor atoms (floor/ceil) are excluded from this path.
func (t *Tree) Evaluate(values map[string]float64) bool {
	return evalNode(t.Root, values)
}

func evalNode(n Node, values map[string]float64) bool {
	sat, neutral := evalSubtree(n, values)
	return sat || neutral
}

// evalSubtree reports (satisfied, neutral). Divisor atoms are neutral: they
// feed EvaluateTimes and carry no boolean constraint, so a group counts only
// its non-divisor children and an OR is never satisfied by a floor/ceil leaf
// alone. A subtree of nothing but divisor atoms reads as neutral.
func evalSubtree(n Node, values map[string]float64) (bool, bool) {
	if n.Atom != nil {
		if n.Atom.Symbol == SymbolFloor || n.Atom.Symbol == SymbolCeil {
			return false, true
		}
		return evalAtom(*n.Atom, values), false
	}

	if len(n.Children) == 0 {
		return false, false
	}

	allNeutral := true
	if n.Op == OpOr {
		for _, c := range n.Children {
			sat, neutral := evalSubtree(c, values)
			if neutral {
				continue
			}
			allNeutral = false
			if sat {
				return true, false
			}
		}
		return false, allNeutral
	}

	for _, c := range n.Children {
		sat, neutral := evalSubtree(c, values)
		if neutral {
			continue
		}
		allNeutral = false
		if !sat {
			return false, false
		}
	}
	return !allNeutral, allNeutral
}

func evalAtom(a Atom, values map[string]float64) bool {
	v := values[a.Ref().Hash()]
	switch a.Symbol {
	case SymbolGT:
		return v > a.Value
	case SymbolGTE:
		return v >= a.Value
	case SymbolLT:
		return v < a.Value
	case SymbolLTE:
		return v <= a.Value
	case SymbolEQ:
		return v == a.Value
	case SymbolNEQ:
		return v != a.Value
	default:
		return false
	}
}

// EvaluateTimes computes the divisor form: for the single floor/ceil atom in
// the tree, how many whole reward cycles the metric value has earned. Returns
// zero when no divisor atom exists, the key is missing, or the divisor is not
// positive.
func (t *Tree) EvaluateTimes(values map[string]float64) int {
	atom := findDivisorAtom(t.Root)
	if atom == nil || atom.Value <= 0 {
		return 0
	}

	v, ok := values[atom.Ref().Hash()]
	if !ok || v <= 0 {
		return 0
	}

	q := v / atom.Value
	if atom.Symbol == SymbolCeil {
		return int(math.Ceil(q))
	}
	return int(math.Floor(q))
}

// HasDivisor reports whether the tree carries a floor/ceil atom.
func (t *Tree) HasDivisor() bool {
	return findDivisorAtom(t.Root) != nil
}

func findDivisorAtom(n Node) *Atom {
	if n.Atom != nil {
		if n.Atom.Symbol == SymbolFloor || n.Atom.Symbol == SymbolCeil {
			return n.Atom
		}
		return nil
	}
	for _, c := range n.Children {
		if a := findDivisorAtom(c); a != nil {
			return a
		}
	}
	return nil
}
