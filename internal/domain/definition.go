package domain

import (
	"strconv"
	"time"
)

// NodeKind enumerates the closed set of definition node variants. The
// compiler switches exhaustively over this set; an unknown kind is a
// definition error, never a silent fallthrough.
type NodeKind string

const (
	NodeKindTrait             NodeKind = "Trait"
	NodeKindPerformed         NodeKind = "Performed"
	NodeKindLastPerformed     NodeKind = "LastPerformed"
	NodeKindPerformedMany     NodeKind = "PerformedMany"
	NodeKindAnd               NodeKind = "And"
	NodeKindOr                NodeKind = "Or"
	NodeKindAnyOf             NodeKind = "AnyOf"
	NodeKindBroadcast         NodeKind = "Broadcast"
	NodeKindEmail             NodeKind = "Email"
	NodeKindSubscriptionGroup NodeKind = "SubscriptionGroup"
	NodeKindID                NodeKind = "Id"
	NodeKindAnonymousID       NodeKind = "AnonymousId"
)

// OperatorKind enumerates trait comparison operators.
type OperatorKind string

const (
	OperatorEquals    OperatorKind = "Equals"
	OperatorNotEquals OperatorKind = "NotEquals"
	OperatorExists    OperatorKind = "Exists"
	OperatorWithin    OperatorKind = "Within"
	OperatorHasBeen   OperatorKind = "HasBeen"
)

// Operator is a trait comparison. Value is used by Equals/NotEquals/HasBeen;
// WindowSeconds by Within/HasBeen.
type Operator struct {
	Kind          OperatorKind `json:"kind"`
	Value         string       `json:"value,omitempty"`
	WindowSeconds int64        `json:"windowSeconds,omitempty"`
}

// Comparator enumerates numeric comparisons used by Performed counts.
type Comparator string

const (
	ComparatorGTE Comparator = "GreaterThanOrEqual"
	ComparatorGT  Comparator = "GreaterThan"
	ComparatorLTE Comparator = "LessThanOrEqual"
	ComparatorLT  Comparator = "LessThan"
	ComparatorEQ  Comparator = "Equals"
)

// PropertyCondition constrains an event property at a dotted path. An empty
// Operator kind means Equals.
type PropertyCondition struct {
	Path     string       `json:"path"`
	Operator OperatorKind `json:"operator,omitempty"`
	Value    string       `json:"value,omitempty"`
}

// SubscriptionGroupEmails are the email event names an Email node can target.
var SubscriptionGroupEmails = map[string]string{
	"Delivered": EventNameEmailDelivered,
	"Opened":    EventNameEmailOpened,
	"Clicked":   EventNameEmailClicked,
	"Bounced":   EventNameEmailBounced,
}

// Node is one typed node of a definition tree. Kind selects which field
// subset is meaningful; the rest stay zero.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	// Trait
	Path     string    `json:"path,omitempty"`
	Operator *Operator `json:"operator,omitempty"`

	// Performed / LastPerformed / PerformedMany
	Event         string              `json:"event,omitempty"`
	TimesOperator Comparator          `json:"timesOperator,omitempty"`
	Times         int                 `json:"times,omitempty"`
	Where         []PropertyCondition `json:"where,omitempty"`
	Has           []PropertyCondition `json:"has,omitempty"`
	WithinSeconds int64               `json:"withinSeconds,omitempty"`

	// And / Or / AnyOf
	Children []string `json:"children,omitempty"`

	// Broadcast
	BroadcastID string `json:"broadcastId,omitempty"`

	// Email
	TemplateID string `json:"templateId,omitempty"`
	EmailEvent string `json:"emailEvent,omitempty"`

	// SubscriptionGroup
	SubscriptionGroupID string `json:"subscriptionGroupId,omitempty"`
	OptIn               bool   `json:"optIn,omitempty"`
}

// PropertyType distinguishes the two computed property families.
type PropertyType string

const (
	PropertyTypeSegment      PropertyType = "segment"
	PropertyTypeUserProperty PropertyType = "user_property"
)

// Definition is a segment or user-property definition tree: an entry node id,
// a node set, and a version stamp. Definitions are owned by the definitions
// store and read-only to the engine.
type Definition struct {
	ID                  string          `json:"id"`
	WorkspaceID         string          `json:"workspaceId"`
	Type                PropertyType    `json:"type"`
	Name                string          `json:"name"`
	EntryNode           string          `json:"entryNode"`
	Nodes               map[string]Node `json:"nodes"`
	DefinitionUpdatedAt time.Time       `json:"definitionUpdatedAt"`
}

// Version returns the definition's version stamp. A definition edit bumps
// DefinitionUpdatedAt, which resets the period lineage and yields fresh
// state ids.
func (d *Definition) Version() string {
	return strconv.FormatInt(d.DefinitionUpdatedAt.UnixMilli(), 10)
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

// Entry returns the entry node.
func (d *Definition) Entry() (Node, bool) {
	return d.Node(d.EntryNode)
}
