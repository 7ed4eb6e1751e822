package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mapper converts (topic, parsed payload) pairs into SignalEvents. It is a
// total function over valid JSON payloads: unrecognized shapes map to an
// unknown capability instead of failing.
type Mapper struct {
	kinds  *KindTable
	prefix string
}

// NewMapper creates a mapper. topicPrefix is the device namespace prefix
// stripped from topics to obtain the device id (e.g. "devices").
func NewMapper(kinds *KindTable, topicPrefix string) *Mapper {
	return &Mapper{kinds: kinds, prefix: topicPrefix}
}

// fieldMatcher probes one payload field and, on a match, fills in the
// event's capability, event type, sub-type, and value.
type fieldMatcher struct {
	field string
	// inferred is the kind assumed when the device is not in the kind table.
	// KindUnknown means the matcher infers nothing.
	inferred DeviceKind
	apply    func(ev *SignalEvent, v any) bool
}

// matchers is probed in order; the first matching field wins. Payloads can
// carry several recognized fields, so the order here is the dispatch policy:
// discrete actions take precedence over measurements.
var matchers = []fieldMatcher{
	{field: "action", inferred: KindButton, apply: applyAction},
	{field: "temperature", inferred: KindThermometer, apply: numberMatcher("temperature", "measurement")},
	{field: "occupancy", inferred: KindMotionSensor, apply: applyOccupancy},
	{field: "contact", inferred: KindContactSensor, apply: applyContact},
	{field: "humidity", inferred: KindUnknown, apply: numberMatcher("humidity", "measurement")},
	{field: "pressure", inferred: KindUnknown, apply: numberMatcher("pressure", "measurement")},
	{field: "illuminance", inferred: KindUnknown, apply: numberMatcher("illuminance", "measurement")},
	{field: "battery", inferred: KindUnknown, apply: numberMatcher("battery", "measurement")},
	{field: "linkquality", inferred: KindUnknown, apply: numberMatcher("linkquality", "measurement")},
}

// Map normalizes one broker message into a SignalEvent. The id and timestamp
// are fresh; everything else is derived from topic and payload.
func (m *Mapper) Map(topic string, payload map[string]any) SignalEvent {
	ev := SignalEvent{
		ID:           uuid.NewString(),
		Source:       "mqtt",
		DeviceID:     topic,
		Capability:   "unknown",
		EventType:    "unknown",
		TimestampUTC: time.Now().UTC(),
		RawTopic:     topic,
		RawPayload:   payload,
		DeviceKind:   KindUnknown,
	}

	if m.prefix != "" {
		if rest, ok := strings.CutPrefix(topic, m.prefix+"/"); ok && rest != "" {
			ev.Source = m.prefix
			ev.DeviceID = rest
		}
	}

	ev.DeviceKind = m.kinds.Resolve(ev.DeviceID)

	for _, fm := range matchers {
		v, ok := payload[fm.field]
		if !ok {
			continue
		}
		if !fm.apply(&ev, v) {
			continue
		}
		// A static table entry always wins over payload-shape inference.
		// The zero DeviceKind means the matcher infers nothing.
		if ev.DeviceKind == KindUnknown && fm.inferred != KindUnknown && fm.inferred != "" {
			ev.DeviceKind = fm.inferred
		}
		break
	}

	ev.Category = Classify(ev.DeviceKind, ev.Capability, ev.EventType)
	return ev
}

func applyAction(ev *SignalEvent, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	ev.Capability = "button"
	ev.EventType = "press"
	if i := strings.IndexByte(s, '_'); i >= 0 {
		ev.EventSubType = s[i+1:]
	} else {
		ev.EventSubType = s
	}
	return true
}

func applyOccupancy(ev *SignalEvent, v any) bool {
	b, ok := v.(bool)
	if !ok {
		return false
	}
	ev.Capability = "motion"
	ev.EventType = "detection"
	if b {
		ev.EventSubType = "active"
	} else {
		ev.EventSubType = "inactive"
	}
	return true
}

func applyContact(ev *SignalEvent, v any) bool {
	b, ok := v.(bool)
	if !ok {
		return false
	}
	ev.Capability = "contact"
	ev.EventType = "state"
	if b {
		ev.EventSubType = "open"
	} else {
		ev.EventSubType = "closed"
	}
	return true
}

func numberMatcher(capability, eventType string) func(*SignalEvent, any) bool {
	return func(ev *SignalEvent, v any) bool {
		n, ok := toFloat64(v)
		if !ok {
			return false
		}
		ev.Capability = capability
		ev.EventType = eventType
		ev.Value = &n
		return true
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
