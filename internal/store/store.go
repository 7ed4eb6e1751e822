package store

import (
	"errors"
	"time"

	"signalhub/internal/rules"
	"signalhub/internal/signal"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Schema (buckets) is provisioned
// idempotently when the store is opened.
type Store interface {
	// Signal events
	InsertSignalEvents(events []signal.SignalEvent) error
	RecentSignalEvents(take int) ([]signal.SignalEvent, error)
	SignalEventsByDevice(deviceID string, take int) ([]signal.SignalEvent, error)

	// Sensor readings
	InsertReadings(readings []signal.SensorReading) error
	RecentReadings(take int) ([]signal.SensorReading, error)
	ReadingsByDeviceAndMetric(deviceID, metric string, take int) ([]signal.SensorReading, error)

	// Trigger events
	InsertTriggerEvents(events []signal.TriggerEvent) error
	RecentTriggerEvents(take int) ([]signal.TriggerEvent, error)
	TriggerEventsByDevice(deviceID string, take int) ([]signal.TriggerEvent, error)

	// Custom trigger rules
	SaveRule(rule *rules.CustomTriggerRule) error
	GetRule(id string) (*rules.CustomTriggerRule, error)
	ListRules() ([]rules.CustomTriggerRule, error)
	EnabledRules() ([]rules.CustomTriggerRule, error)

	// UpdateRule atomically reads, modifies, and saves a rule in a single
	// transaction. Returns ErrNotFound if the rule does not exist.
	UpdateRule(id string, fn func(rule *rules.CustomTriggerRule) error) error
	UpdateRuleFired(id string, firedAt time.Time) error

	// DeleteRule removes a rule and cascades to its audit logs.
	DeleteRule(id string) error

	// Rule audit logs, append-only
	AppendRuleLog(entry rules.CustomTriggerLog) error
	RuleLogs(ruleID string, take int) ([]rules.CustomTriggerLog, error)

	// Close the store
	Close() error
}
