package signal

import (
	"testing"
)

func newTestMapper(entries map[string]DeviceKind) *Mapper {
	table := NewKindTable()
	if entries != nil {
		table.Replace(entries)
	}
	return NewMapper(table, "devices")
}

func TestMapButtonAction(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("devices/frontroom/button1", map[string]any{"action": "1_single"})

	if ev.DeviceID != "frontroom/button1" {
		t.Errorf("device_id = %q, want %q", ev.DeviceID, "frontroom/button1")
	}
	if ev.Source != "devices" {
		t.Errorf("source = %q, want %q", ev.Source, "devices")
	}
	if ev.Capability != "button" || ev.EventType != "press" {
		t.Errorf("capability/event_type = %q/%q, want button/press", ev.Capability, ev.EventType)
	}
	if ev.EventSubType != "single" {
		t.Errorf("event_sub_type = %q, want %q", ev.EventSubType, "single")
	}
	if ev.DeviceKind != KindButton {
		t.Errorf("device_kind = %q, want %q", ev.DeviceKind, KindButton)
	}
	if ev.Category != CategoryTrigger {
		t.Errorf("category = %q, want %q", ev.Category, CategoryTrigger)
	}
	if ev.ID == "" {
		t.Error("id not assigned")
	}
	if ev.TimestampUTC.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestMapActionWithoutSeparator(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("devices/btn", map[string]any{"action": "hold"})
	if ev.EventSubType != "hold" {
		t.Errorf("event_sub_type = %q, want %q", ev.EventSubType, "hold")
	}
}

func TestMapTemperature(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("devices/kitchen-therm", map[string]any{"temperature": 21.5})

	if ev.Capability != "temperature" || ev.EventType != "measurement" {
		t.Errorf("capability/event_type = %q/%q, want temperature/measurement", ev.Capability, ev.EventType)
	}
	if ev.Value == nil || *ev.Value != 21.5 {
		t.Errorf("value = %v, want 21.5", ev.Value)
	}
	if ev.DeviceKind != KindThermometer {
		t.Errorf("device_kind = %q, want %q", ev.DeviceKind, KindThermometer)
	}
	if ev.Category != CategoryTelemetry {
		t.Errorf("category = %q, want %q", ev.Category, CategoryTelemetry)
	}
}

func TestMapOccupancy(t *testing.T) {
	m := newTestMapper(nil)

	for _, tc := range []struct {
		occupied bool
		subType  string
	}{
		{true, "active"},
		{false, "inactive"},
	} {
		ev := m.Map("devices/hall-motion", map[string]any{"occupancy": tc.occupied})
		if ev.Capability != "motion" || ev.EventType != "detection" {
			t.Errorf("occupancy=%v: capability/event_type = %q/%q", tc.occupied, ev.Capability, ev.EventType)
		}
		if ev.EventSubType != tc.subType {
			t.Errorf("occupancy=%v: event_sub_type = %q, want %q", tc.occupied, ev.EventSubType, tc.subType)
		}
		if ev.Category != CategoryTrigger {
			t.Errorf("occupancy=%v: category = %q, want trigger", tc.occupied, ev.Category)
		}
	}
}

func TestMapFirstMatchWins(t *testing.T) {
	m := newTestMapper(nil)

	// action takes precedence over any measurement in the same payload.
	ev := m.Map("devices/multi", map[string]any{
		"action":      "2_double",
		"temperature": 19.0,
		"occupancy":   true,
	})
	if ev.Capability != "button" || ev.EventType != "press" {
		t.Errorf("capability/event_type = %q/%q, want button/press", ev.Capability, ev.EventType)
	}
	if ev.EventSubType != "double" {
		t.Errorf("event_sub_type = %q, want %q", ev.EventSubType, "double")
	}

	// temperature beats occupancy when no action is present.
	ev = m.Map("devices/multi", map[string]any{
		"temperature": 19.0,
		"occupancy":   true,
	})
	if ev.Capability != "temperature" {
		t.Errorf("capability = %q, want temperature", ev.Capability)
	}
}

func TestMapUnknownPayload(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("devices/mystery", map[string]any{"voltage": 3.1})
	if ev.Capability != "unknown" || ev.EventType != "unknown" {
		t.Errorf("capability/event_type = %q/%q, want unknown/unknown", ev.Capability, ev.EventType)
	}
	if ev.DeviceKind != KindUnknown {
		t.Errorf("device_kind = %q, want unknown", ev.DeviceKind)
	}
	if ev.Category != CategoryTelemetry {
		t.Errorf("category = %q, want telemetry", ev.Category)
	}
}

func TestMapMismatchedFieldType(t *testing.T) {
	m := newTestMapper(nil)

	// A string temperature is not a measurement; a later matching field wins.
	ev := m.Map("devices/odd", map[string]any{"temperature": "warm", "occupancy": true})
	if ev.Capability != "motion" {
		t.Errorf("capability = %q, want motion", ev.Capability)
	}
}

func TestMapUnprefixedTopic(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("some/other/topic", map[string]any{"action": "press"})
	if ev.Source != "mqtt" {
		t.Errorf("source = %q, want mqtt", ev.Source)
	}
	if ev.DeviceID != "some/other/topic" {
		t.Errorf("device_id = %q, want raw topic", ev.DeviceID)
	}
}

func TestMapStaticKindWinsOverInference(t *testing.T) {
	m := newTestMapper(map[string]DeviceKind{"wall-switch": KindSwitch})

	// Payload shape suggests a button, but the table says switch. A switch
	// is not a trigger-capable kind, so the event is telemetry.
	ev := m.Map("devices/wall-switch", map[string]any{"action": "on"})
	if ev.DeviceKind != KindSwitch {
		t.Errorf("device_kind = %q, want %q", ev.DeviceKind, KindSwitch)
	}
	if ev.Category != CategoryTelemetry {
		t.Errorf("category = %q, want telemetry", ev.Category)
	}
}

func TestMapSupplementaryMeasurements(t *testing.T) {
	m := newTestMapper(nil)

	for _, metric := range []string{"humidity", "pressure", "illuminance", "battery", "linkquality"} {
		ev := m.Map("devices/sensor", map[string]any{metric: 42.0})
		if ev.Capability != metric {
			t.Errorf("%s: capability = %q", metric, ev.Capability)
		}
		if ev.EventType != "measurement" {
			t.Errorf("%s: event_type = %q", metric, ev.EventType)
		}
		if ev.Value == nil || *ev.Value != 42 {
			t.Errorf("%s: value = %v, want 42", metric, ev.Value)
		}
		// Measurements shared by many device kinds infer nothing; an
		// untabled device stays unknown, never an out-of-enumeration value.
		if ev.DeviceKind != KindUnknown {
			t.Errorf("%s: device_kind = %q, want %q", metric, ev.DeviceKind, KindUnknown)
		}
	}
}

func TestMapContact(t *testing.T) {
	m := newTestMapper(nil)

	ev := m.Map("devices/door", map[string]any{"contact": false})
	if ev.Capability != "contact" || ev.EventType != "state" {
		t.Errorf("capability/event_type = %q/%q, want contact/state", ev.Capability, ev.EventType)
	}
	if ev.EventSubType != "closed" {
		t.Errorf("event_sub_type = %q, want closed", ev.EventSubType)
	}
	// Contact state changes are telemetry, not triggers.
	if ev.Category != CategoryTelemetry {
		t.Errorf("category = %q, want telemetry", ev.Category)
	}
}

func TestClassifyIsPure(t *testing.T) {
	inputs := []struct {
		kind       DeviceKind
		capability string
		eventType  string
		want       EventCategory
	}{
		{KindButton, "button", "press", CategoryTrigger},
		{KindMotionSensor, "motion", "detection", CategoryTrigger},
		{KindContactSensor, "motion", "detection", CategoryTrigger},
		{KindButton, "temperature", "measurement", CategoryTelemetry},
		{KindThermometer, "button", "press", CategoryTelemetry},
		{KindUnknown, "button", "press", CategoryTelemetry},
		{KindButton, "button", "measurement", CategoryTelemetry},
	}
	for _, tc := range inputs {
		first := Classify(tc.kind, tc.capability, tc.eventType)
		second := Classify(tc.kind, tc.capability, tc.eventType)
		if first != tc.want {
			t.Errorf("Classify(%q,%q,%q) = %q, want %q", tc.kind, tc.capability, tc.eventType, first, tc.want)
		}
		if first != second {
			t.Errorf("Classify(%q,%q,%q) not idempotent", tc.kind, tc.capability, tc.eventType)
		}
	}
}
