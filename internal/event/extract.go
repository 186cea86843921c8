// Package event extracts authentication fields, the event kind and the CRM
// entity identifier from a decoded webhook tree.
//
// Bitrix24 payloads arrive in several shapes depending on how the sender
// encoded them, so every lookup here tolerates the known malformed variants
// and reports absence instead of failing.
package event

import (
	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
)

const (
	keyAuth   = "auth"
	keyData   = "data"
	keyEvent  = "event"
	keyFields = "FIELDS"
	keyID     = "ID"

	// keyBrokenID is what the decoder produces when a sender drops the
	// opening bracket of the innermost segment.
	keyBrokenID = "ID]"
)

// AuthField returns the auth value called name. A nested auth mapping is
// authoritative when present; otherwise the flat "auth[name]" key is used.
func AuthField(tree *bracket.Tree, name string) (string, bool) {
	if auth, ok := tree.GetMap(keyAuth); ok {
		v, ok := auth.GetString(name)
		return v, ok && v != ""
	}
	v, ok := tree.GetString(keyAuth + "[" + name + "]")
	return v, ok && v != ""
}

// EntityID finds the CRM entity id in node, which may be a whole event
// payload or just its FIELDS subtree. Lookup order:
//
//  1. ID, then ID] directly on node
//  2. the same two keys inside FIELDS
//  3. mapping children in insertion order, depth first
//
// Empty values do not count as a hit.
func EntityID(node *bracket.Tree) (string, bool) {
	if !node.IsMap() {
		return "", false
	}
	if id, ok := directID(node); ok {
		return id, true
	}
	if fields, ok := node.GetMap(keyFields); ok {
		if id, ok := directID(fields); ok {
			return id, true
		}
	}
	for _, key := range node.Keys() {
		child, ok := node.GetMap(key)
		if !ok {
			continue
		}
		if id, ok := directID(child); ok {
			return id, true
		}
		if id, ok := EntityID(child); ok {
			return id, true
		}
	}
	return "", false
}

func directID(node *bracket.Tree) (string, bool) {
	for _, key := range [...]string{keyID, keyBrokenID} {
		if v, ok := node.GetString(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// FieldsTree picks the subtree holding the entity's field values: data.FIELDS
// when it is a non-empty mapping, else the first child mapping of data that
// carries an ID, else data itself.
func FieldsTree(data *bracket.Tree) *bracket.Tree {
	if !data.IsMap() {
		return bracket.NewMap()
	}
	if fields, ok := data.GetMap(keyFields); ok && fields.Len() > 0 {
		return fields
	}
	for _, key := range data.Keys() {
		child, ok := data.GetMap(key)
		if !ok {
			continue
		}
		if _, ok := child.Get(keyID); ok {
			return child
		}
	}
	return data
}
