package rules

import "time"

// Operator is a threshold comparison applied to an incoming reading.
type Operator string

const (
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	// OpBetween fires when threshold <= value <= threshold2, inclusive at
	// both ends.
	OpBetween Operator = "between"
	// OpExpression evaluates a sandboxed Lua predicate against the reading.
	OpExpression Operator = "expression"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreaterThan, OpLessThan, OpEquals, OpNotEquals, OpBetween, OpExpression:
		return true
	}
	return false
}

// CustomTriggerRule is a user-defined threshold rule over one device+metric
// stream. The engine mutates only LastFiredUTC; everything else is owned by
// rule CRUD.
type CustomTriggerRule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Enabled         bool       `json:"enabled"`
	TriggerType     string     `json:"trigger_type"`
	DeviceID        string     `json:"device_id"`
	Metric          string     `json:"metric"`
	Operator        Operator   `json:"operator"`
	Threshold       float64    `json:"threshold"`
	Threshold2      *float64   `json:"threshold2,omitempty"`
	Expression      string     `json:"expression,omitempty"`
	CooldownSeconds int        `json:"cooldown_seconds,omitempty"`
	LastFiredUTC    *time.Time `json:"last_fired_utc,omitempty"`
	CreatedUTC      time.Time  `json:"created_utc"`
	UpdatedUTC      time.Time  `json:"updated_utc"`
}

// CustomTriggerLog is an append-only audit record of one rule firing.
type CustomTriggerLog struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	FiredUTC       time.Time `json:"fired_utc"`
	DeviceID       string    `json:"device_id"`
	Metric         string    `json:"metric"`
	Value          float64   `json:"value"`
	Condition      string    `json:"condition"`
	TriggerEventID string    `json:"generated_trigger_event_id,omitempty"`
}
