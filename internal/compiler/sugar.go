package compiler

import (
	"fmt"

	"github.com/lumotrack/audience-engine/internal/domain"
)

// Sugar nodes rewrite to an equivalent Performed/LastPerformed node before
// compilation, so they inherit the plain nodes' state ids and semantics.

func broadcastToPerformed(node domain.Node) domain.Node {
	return domain.Node{
		ID:    node.ID,
		Kind:  domain.NodeKindPerformed,
		Event: domain.EventNameSegmentBroadcast,
		Where: []domain.PropertyCondition{
			{Path: "broadcastId", Value: node.BroadcastID},
		},
		TimesOperator: domain.ComparatorGTE,
		Times:         1,
	}
}

func emailToPerformed(node domain.Node) (domain.Node, error) {
	event, ok := domain.SubscriptionGroupEmails[node.EmailEvent]
	if !ok {
		return domain.Node{}, fmt.Errorf("unknown email event %q", node.EmailEvent)
	}
	return domain.Node{
		ID:    node.ID,
		Kind:  domain.NodeKindPerformed,
		Event: event,
		Where: []domain.PropertyCondition{
			{Path: "templateId", Value: node.TemplateID},
		},
		TimesOperator: domain.ComparatorGTE,
		Times:         1,
	}, nil
}

// subscriptionGroupToLastPerformed rewrites group membership to a predicate
// on the user's last subscription-change event for the group. Opt-in groups
// require an explicit Subscribe; opt-out groups treat anything but an
// Unsubscribe as membership.
func subscriptionGroupToLastPerformed(node domain.Node) domain.Node {
	has := domain.PropertyCondition{Path: "action", Operator: domain.OperatorNotEquals, Value: "Unsubscribe"}
	if node.OptIn {
		has = domain.PropertyCondition{Path: "action", Operator: domain.OperatorEquals, Value: "Subscribe"}
	}
	return domain.Node{
		ID:    node.ID,
		Kind:  domain.NodeKindLastPerformed,
		Event: domain.EventNameSubscriptionChange,
		Where: []domain.PropertyCondition{
			{Path: "subscriptionId", Value: node.SubscriptionGroupID},
		},
		Has: []domain.PropertyCondition{has},
	}
}
