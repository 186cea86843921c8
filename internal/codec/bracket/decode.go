package bracket

import "strings"

// MaxDepth bounds how many bracket segments a single key may nest. Segments
// beyond the limit are kept verbatim as a flat key at the deepest level.
const MaxDepth = 32

// Pair is one key=value entry of a flat form body, in wire order.
type Pair struct {
	Key   string
	Value string
}

// Decode folds pairs into a single tree. Later pairs that resolve to the same
// path overwrite earlier ones.
func Decode(pairs []Pair) *Tree {
	root := NewMap()
	for _, p := range pairs {
		DecodeInto(root, p.Key, p.Value)
	}
	return root
}

// DecodeInto decodes a single key into an existing mapping node.
func DecodeInto(root *Tree, key, value string) {
	if !root.IsMap() {
		return
	}
	decodeKey(root, key, value, 0)
}

// decodeKey resolves one key against node.
//
//	data[FIELDS][ID]  -> node.data.FIELDS.ID
//	ID]               -> node.ID        (lost opening bracket)
//	[FIELDS][ID]      -> node.ID        (empty outer segment is dropped)
//	a[b               -> node["a[b"]    (unterminated bracket)
func decodeKey(node *Tree, key, value string, depth int) {
	open := strings.IndexByte(key, '[')
	if open < 0 {
		if strings.HasSuffix(key, "]") {
			key = strings.TrimRight(key, "]")
		}
		node.Set(key, Leaf(value))
		return
	}
	if !strings.Contains(key, "]") || depth >= MaxDepth {
		node.Set(key, Leaf(value))
		return
	}

	outer, rest := key[:open], key[open+1:]
	closing := strings.IndexByte(rest, ']')
	if closing < 0 {
		node.Set(key, Leaf(value))
		return
	}
	inner, remaining := rest[:closing], rest[closing+1:]

	if outer == "" {
		// The segment is consumed without nesting; whatever follows is
		// decoded as a fresh key at this level.
		if strings.HasPrefix(remaining, "[") {
			decodeKey(node, remaining, value, depth+1)
			return
		}
		node.Set(inner, Leaf(value))
		return
	}

	child := node.ensureMap(outer)
	if strings.HasPrefix(remaining, "[") {
		decodeKey(child, inner+remaining, value, depth+1)
		return
	}
	child.Set(inner, Leaf(value))
}
