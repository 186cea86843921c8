package event

import (
	"strings"

	"github.com/darkClaw921/b24-transfer-lead/internal/codec/bracket"
	"github.com/darkClaw921/b24-transfer-lead/internal/domain"
)

// Event name fragments. Names are matched by substring so that variants such
// as "ONCRMLEADUPDATE_V2" still route.
var (
	leadFragments = []string{"ONCRMLEADUPDATE", "ONCRMLEADADD"}
	dealFragments = []string{"ONCRMDEALUPDATE", "ONCRMDEALADD"}
)

// Envelope is the parsed shape of one webhook event.
type Envelope struct {
	// Name is the raw event name, e.g. "ONCRMLEADUPDATE".
	Name string

	// Kind is the entity kind the event refers to; empty when unknown.
	Kind domain.EntityKind

	// Data is the entity payload, always a mapping.
	Data *bracket.Tree

	// Fields is the subtree selected by FieldsTree.
	Fields *bracket.Tree

	// Tree is the full decoded request.
	Tree *bracket.Tree
}

// Parse builds an Envelope from a decoded tree.
func Parse(tree *bracket.Tree) Envelope {
	name, _ := tree.GetString(keyEvent)

	data, ok := tree.GetMap(keyData)
	if !ok {
		data = bracket.NewMap()
	}

	return Envelope{
		Name:   name,
		Kind:   Classify(name),
		Data:   data,
		Fields: FieldsTree(data),
		Tree:   tree,
	}
}

// Classify maps an event name to an entity kind. Lead fragments are checked
// before deal fragments; no match returns "".
func Classify(name string) domain.EntityKind {
	for _, f := range leadFragments {
		if strings.Contains(name, f) {
			return domain.EntityLead
		}
	}
	for _, f := range dealFragments {
		if strings.Contains(name, f) {
			return domain.EntityDeal
		}
	}
	return ""
}

// EntityID looks for the entity id in the payload and then in the fields
// subtree.
func (e Envelope) EntityID() (string, bool) {
	if id, ok := EntityID(e.Data); ok {
		return id, true
	}
	return EntityID(e.Fields)
}
