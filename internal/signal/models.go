package signal

import "time"

// EventCategory classifies a signal event by the reaction it demands.
// Trigger events drive automation; telemetry events are passive state updates.
type EventCategory string

const (
	CategoryTrigger   EventCategory = "trigger"
	CategoryTelemetry EventCategory = "telemetry"
)

// DeviceKind is the resolved type of a device.
type DeviceKind string

const (
	KindUnknown       DeviceKind = "unknown"
	KindButton        DeviceKind = "button"
	KindMotionSensor  DeviceKind = "motion_sensor"
	KindContactSensor DeviceKind = "contact_sensor"
	KindThermometer   DeviceKind = "thermometer"
	KindLight         DeviceKind = "light"
	KindSwitch        DeviceKind = "switch"
	KindOutlet        DeviceKind = "outlet"
)

// SignalEvent is the canonical normalized form of one inbound device message.
// Immutable once mapped; the id is assigned at mapping time and the timestamp
// at ingestion, never taken from the device.
type SignalEvent struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	DeviceID     string         `json:"device_id"`
	Location     string         `json:"location,omitempty"`
	Capability   string         `json:"capability"`
	EventType    string         `json:"event_type"`
	EventSubType string         `json:"event_sub_type,omitempty"`
	Value        *float64       `json:"value,omitempty"`
	TimestampUTC time.Time      `json:"timestamp_utc"`
	RawTopic     string         `json:"raw_topic"`
	RawPayload   map[string]any `json:"raw_payload,omitempty"`
	DeviceKind   DeviceKind     `json:"device_kind"`
	Category     EventCategory  `json:"event_category"`
}

// SensorReading is a derived telemetry point for one device and metric.
type SensorReading struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	Unit         string    `json:"unit,omitempty"`
	TimestampUTC time.Time `json:"timestamp_utc"`
}

// TriggerEvent is a derived or synthesized discrete action record.
type TriggerEvent struct {
	ID            string    `json:"id"`
	DeviceID      string    `json:"device_id"`
	TriggerType   string    `json:"trigger_type"`
	TimestampUTC  time.Time `json:"timestamp_utc"`
	SourceEventID string    `json:"source_signal_event_id,omitempty"`
}

// DeviceStateUpdate carries a device's latest accumulated properties.
type DeviceStateUpdate struct {
	DeviceID   string         `json:"device_id"`
	Properties map[string]any `json:"properties"`
	LastSeen   time.Time      `json:"last_seen"`
}

// DeviceSyncProgress reports progress of a device sync operation.
type DeviceSyncProgress struct {
	SyncID   string `json:"sync_id"`
	DeviceID string `json:"device_id,omitempty"`
	Step     string `json:"step"`
	Percent  int    `json:"percent"`
}

// DevicePairingProgress reports progress of a device pairing operation.
type DevicePairingProgress struct {
	PairingID string `json:"pairing_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Step      string `json:"step"`
	Percent   int    `json:"percent"`
}

// Classify derives the event category from kind, capability, and event type.
// Pure: the same inputs always yield the same category.
func Classify(kind DeviceKind, capability, eventType string) EventCategory {
	switch kind {
	case KindButton, KindMotionSensor, KindContactSensor:
	default:
		return CategoryTelemetry
	}
	if capability != "button" && capability != "motion" {
		return CategoryTelemetry
	}
	if eventType != "press" && eventType != "detection" {
		return CategoryTelemetry
	}
	return CategoryTrigger
}
