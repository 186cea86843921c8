// Package bracket decodes bracket-notation form keys (outer[inner][inner2])
// into a nested, insertion-ordered tree of string leaves.
package bracket

import (
	"bytes"
	"encoding/json"
)

// Tree is a decoded value: either a string leaf or a mapping from string key
// to Tree. Mappings remember the order in which keys were first inserted.
type Tree struct {
	leaf   string
	isMap  bool
	keys   []string
	fields map[string]*Tree
}

// NewMap returns an empty mapping node.
func NewMap() *Tree {
	return &Tree{isMap: true, fields: make(map[string]*Tree)}
}

// Leaf returns a string leaf node.
func Leaf(value string) *Tree {
	return &Tree{leaf: value}
}

// IsMap reports whether t is a mapping node. A nil tree is not a mapping.
func (t *Tree) IsMap() bool {
	return t != nil && t.isMap
}

// String returns the leaf value and true when t is a leaf.
func (t *Tree) String() (string, bool) {
	if t == nil || t.isMap {
		return "", false
	}
	return t.leaf, true
}

// Len returns the number of keys of a mapping node, 0 for leaves.
func (t *Tree) Len() int {
	if !t.IsMap() {
		return 0
	}
	return len(t.keys)
}

// Keys returns the mapping keys in first-insertion order.
func (t *Tree) Keys() []string {
	if !t.IsMap() {
		return nil
	}
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Get returns the child stored under key.
func (t *Tree) Get(key string) (*Tree, bool) {
	if !t.IsMap() {
		return nil, false
	}
	child, ok := t.fields[key]
	return child, ok
}

// GetString returns the leaf stored under key. Mapping children are not
// strings and report false.
func (t *Tree) GetString(key string) (string, bool) {
	child, ok := t.Get(key)
	if !ok {
		return "", false
	}
	return child.String()
}

// GetMap returns the mapping stored under key.
func (t *Tree) GetMap(key string) (*Tree, bool) {
	child, ok := t.Get(key)
	if !ok || !child.IsMap() {
		return nil, false
	}
	return child, true
}

// Lookup walks a path of keys through nested mappings.
func (t *Tree) Lookup(path ...string) (*Tree, bool) {
	cur := t
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// Set stores child under key. Overwriting an existing key keeps its original
// position. Set on a leaf is a no-op.
func (t *Tree) Set(key string, child *Tree) {
	if !t.IsMap() {
		return
	}
	if _, exists := t.fields[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.fields[key] = child
}

// ensureMap returns the mapping stored under key, creating it when absent.
// An existing mapping is never replaced; an existing leaf is.
func (t *Tree) ensureMap(key string) *Tree {
	if child, ok := t.GetMap(key); ok {
		return child
	}
	child := NewMap()
	t.Set(key, child)
	return child
}

// Equal reports whether two trees hold the same values. Key order is ignored.
func (t *Tree) Equal(other *Tree) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.isMap != other.isMap {
		return false
	}
	if !t.isMap {
		return t.leaf == other.leaf
	}
	if len(t.keys) != len(other.keys) {
		return false
	}
	for key, child := range t.fields {
		otherChild, ok := other.fields[key]
		if !ok || !child.Equal(otherChild) {
			return false
		}
	}
	return true
}

// ToAny converts the tree into plain Go values: string leaves and
// map[string]any mappings.
func (t *Tree) ToAny() any {
	if t == nil {
		return nil
	}
	if !t.isMap {
		return t.leaf
	}
	out := make(map[string]any, len(t.keys))
	for _, key := range t.keys {
		out[key] = t.fields[key].ToAny()
	}
	return out
}

// MarshalJSON encodes the tree, keeping mapping keys in insertion order.
func (t *Tree) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("null"), nil
	}
	if !t.isMap {
		return json.Marshal(t.leaf)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range t.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := t.fields[key].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
