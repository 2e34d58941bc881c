package models

import (
	"encoding/json"
	"fmt"
)

type RoutingOperator string

const (
	OperatorAnd RoutingOperator = "AND"
	OperatorOr  RoutingOperator = "OR"
)

type RoutingAction string

const (
	ActionBlock     RoutingAction = "BLOCK"
	ActionCallModel RoutingAction = "CALL_MODEL"
)

type RoutingMode string

const (
	ModeUI       RoutingMode = "UI"
	ModeAdvanced RoutingMode = "ADVANCED"
)

type RoutingComparator string

const (
	ComparatorEqual              RoutingComparator = "EQUAL"
	ComparatorNotEqual           RoutingComparator = "NOT_EQUAL"
	ComparatorContains           RoutingComparator = "CONTAINS"
	ComparatorNotContains        RoutingComparator = "NOT_CONTAINS"
	ComparatorStartsWith         RoutingComparator = "STARTS_WITH"
	ComparatorEndsWith           RoutingComparator = "ENDS_WITH"
	ComparatorPattern            RoutingComparator = "PATTERN"
	ComparatorIn                 RoutingComparator = "IN"
	ComparatorNotIn              RoutingComparator = "NOT_IN"
	ComparatorGreaterThan        RoutingComparator = "GREATER_THAN"
	ComparatorGreaterThanOrEqual RoutingComparator = "GREATER_THAN_OR_EQUAL"
	ComparatorLessThan           RoutingComparator = "LESS_THAN"
	ComparatorLessThanOrEqual    RoutingComparator = "LESS_THAN_OR_EQUAL"
	ComparatorExists             RoutingComparator = "EXISTS"
)

type RoutingValueType string

const (
	ValueString     RoutingValueType = "STRING"
	ValueNumber     RoutingValueType = "NUMBER"
	ValueBoolean    RoutingValueType = "BOOLEAN"
	ValueJSONObject RoutingValueType = "JSON_OBJECT"
	ValueJSONArray  RoutingValueType = "JSON_ARRAY"
	ValueCommaList  RoutingValueType = "COMMA_LIST"
)

// RoutingValue is the typed right-hand side of a condition. Expression may
// itself be a template.
type RoutingValue struct {
	Type       RoutingValueType `json:"type"`
	Expression string           `json:"expression"`
}

// RoutingCondition is a leaf of the rule tree.
type RoutingCondition struct {
	Description string            `json:"description,omitempty"`
	Expression  string            `json:"expression"`
	Comparator  RoutingComparator `json:"comparator"`
	Value       RoutingValue      `json:"value"`
}

// RoutingNode is one child of a group: exactly one of Condition or Group is set.
// On the wire it is discriminated by "type": "condition" | "group".
type RoutingNode struct {
	Condition *RoutingCondition
	Group     *RoutingGroup
}

func (n RoutingNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		type alias RoutingGroup
		return json.Marshal(struct {
			Type string `json:"type"`
			*alias
		}{Type: "group", alias: (*alias)(n.Group)})
	case n.Condition != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*RoutingCondition
		}{Type: "condition", RoutingCondition: n.Condition})
	default:
		return []byte("null"), nil
	}
}

func (n *RoutingNode) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case "group":
		var g RoutingGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		n.Group = &g
	case "condition", "":
		var c RoutingCondition
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		n.Condition = &c
	default:
		return fmt.Errorf("unknown routing node type %q", head.Type)
	}
	return nil
}

// RoutingTarget is the model a CALL_MODEL group routes to. A nil Traffic
// means every matching request is routed.
type RoutingTarget struct {
	ModelSelector
	Traffic *float64 `json:"traffic,omitempty"`
}

// RoutingGroup is a rule-tree node. In ADVANCED mode Expression replaces
// Conditions entirely.
type RoutingGroup struct {
	ID          string          `json:"id,omitempty"`
	Description string          `json:"description,omitempty"`
	Operator    RoutingOperator `json:"operator"`
	Conditions  []RoutingNode   `json:"conditions,omitempty"`
	Action      RoutingAction   `json:"action,omitempty"`
	Mode        RoutingMode     `json:"mode,omitempty"`
	Expression  string          `json:"expression,omitempty"`
	Then        *RoutingTarget  `json:"then,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (g *RoutingGroup) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Routing is a resource's ordered rule tree.
type Routing struct {
	Enabled    *bool          `json:"enabled,omitempty"`
	Conditions []RoutingGroup `json:"conditions"`
}

func (r *Routing) IsEnabled() bool {
	return r != nil && (r.Enabled == nil || *r.Enabled)
}
