// Package condition implements the typed condition tree and its interpreter.
// Trees are stored as nested JSON arrays whose elements are either a logic
// marker string, an atom object, or a nested array.
package condition

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"promo-engine/pkg/errutil"
)

const (
	OpAnd = "AND"
	OpOr  = "OR"

	SymbolGT    = ">"
	SymbolGTE   = ">="
	SymbolLT    = "<"
	SymbolLTE   = "<="
	SymbolEQ    = "=="
	SymbolNEQ   = "!="
	SymbolFloor = "floor"
	SymbolCeil  = "ceil"
)

// maxDepth bounds tree recursion; stored trees nest at most one level in
// practice.
const maxDepth = 5

// KeyRef identifies one indicator reference inside a tree.
type KeyRef struct {
	ID     string
	Params map[string]string
}

// Hash returns the order-independent reference key used in value maps:
// params are sorted before hashing so equivalent refs collide.
func (r KeyRef) Hash() string {
	if len(r.Params) == 0 {
		return r.ID
	}
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(r.Params[k])
		sb.WriteByte('&')
	}
	h := fnv.New32a()
	h.Write([]byte(sb.String()))
	return fmt.Sprintf("%s#%x", r.ID, h.Sum32())
}

// Atom is a single comparison against one indicator value.
type Atom struct {
	KeyID  string            `json:"key_id"`
	Params map[string]string `json:"params,omitempty"`
	Symbol string            `json:"symbol"`
	Value  float64           `json:"value"`
}

func (a Atom) Ref() KeyRef {
	return KeyRef{ID: a.KeyID, Params: a.Params}
}

func (a Atom) empty() bool {
	return a.KeyID == "" && a.Symbol == ""
}

// Node is either an atom leaf or a logic group of children.
type Node struct {
	Op       string
	Atom     *Atom
	Children []Node
}

// Tree is the parsed, validated condition tree.
type Tree struct {
	Root Node
}

// Parse decodes the stored nested-array form into a Tree. Unknown logic
// markers default to AND; empty atoms are dropped.
func Parse(raw []byte) (*Tree, error) {
	if len(raw) == 0 {
		return nil, errutil.Validation("condition tree is empty")
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, errutil.Validation("condition tree is not a JSON array", errutil.WithErr(err))
	}

	root, err := parseGroup(elems, 0)
	if err != nil {
		return nil, err
	}
	return &Tree{Root: root}, nil
}

func parseGroup(elems []json.RawMessage, depth int) (Node, error) {
	if depth > maxDepth {
		return Node{}, errutil.Validation("condition tree exceeds max nesting depth")
	}

	node := Node{Op: OpAnd}
	for _, elem := range elems {
		trimmed := strings.TrimSpace(string(elem))
		if trimmed == "" {
			continue
		}

		switch trimmed[0] {
		case '"':
			var marker string
			if err := json.Unmarshal(elem, &marker); err != nil {
				return Node{}, errutil.Validation("invalid logic marker", errutil.WithErr(err))
			}
			node.Op = parseOp(marker)
		case '{':
			var atom Atom
			if err := json.Unmarshal(elem, &atom); err != nil {
				return Node{}, errutil.Validation("invalid condition atom", errutil.WithErr(err))
			}
			if atom.empty() {
				continue
			}
			node.Children = append(node.Children, Node{Atom: &atom})
		case '[':
			var sub []json.RawMessage
			if err := json.Unmarshal(elem, &sub); err != nil {
				return Node{}, errutil.Validation("invalid condition group", errutil.WithErr(err))
			}
			child, err := parseGroup(sub, depth+1)
			if err != nil {
				return Node{}, err
			}
			node.Children = append(node.Children, child)
		default:
			return Node{}, errutil.Validation(fmt.Sprintf("unexpected tree element %q", trimmed))
		}
	}

	return node, nil
}

func parseOp(marker string) string {
	switch strings.ToUpper(strings.TrimSpace(marker)) {
	case "OR", "||":
		return OpOr
	default:
		// ambiguous or unknown markers fall back to AND
		return OpAnd
	}
}

// KeyRefs collects every distinct indicator reference in the tree.
func (t *Tree) KeyRefs() []KeyRef {
	seen := make(map[string]bool)
	var refs []KeyRef
	collectRefs(t.Root, seen, &refs)
	return refs
}

func collectRefs(n Node, seen map[string]bool, out *[]KeyRef) {
	if n.Atom != nil {
		ref := n.Atom.Ref()
		if h := ref.Hash(); !seen[h] {
			seen[h] = true
			*out = append(*out, ref)
		}
		return
	}
	for _, c := range n.Children {
		collectRefs(c, seen, out)
	}
}
