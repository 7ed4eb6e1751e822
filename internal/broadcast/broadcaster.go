// Package broadcast fans pipeline entities out to live subscribers: an
// unconditional all-subscribers channel plus per-key groups (device id, sync
// id, pairing id). Delivery is best-effort and per-subscriber isolated.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"

	"signalhub/internal/pipeline"
	"signalhub/internal/signal"
)

// Named events on the real-time channel.
const (
	EventSignalReceived        = "SignalReceived"
	EventDeviceSignalReceived  = "DeviceSignalReceived"
	EventReadingReceived       = "ReadingReceived"
	EventDeviceReadingReceived = "DeviceReadingReceived"
	EventTriggerReceived       = "TriggerReceived"
	EventDeviceTriggerReceived = "DeviceTriggerReceived"
	EventTimelineReceived      = "TimelineReceived"
	EventDeviceSyncProgress    = "DeviceSyncProgress"
	EventDevicePairingProgress = "DevicePairingProgress"
	EventDeviceStateUpdate     = "DeviceStateUpdate"
)

// Message is one delivery to a subscriber. Group is set only on group-scoped
// deliveries.
type Message struct {
	Event string `json:"event"`
	Group string `json:"group,omitempty"`
	Data  any    `json:"data"`
}

// Handler receives messages. Handlers must not block for long; slow consumers
// should buffer internally.
type Handler func(Message)

// Broadcaster delivers payloads to all-subscribers and per-key groups.
type Broadcaster struct {
	mu     sync.RWMutex
	all    map[uint64]Handler
	groups map[string]map[uint64]Handler
	nextID uint64
	logger *slog.Logger
}

// New creates a broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		all:    make(map[uint64]Handler),
		groups: make(map[string]map[uint64]Handler),
		logger: logger.With("component", "broadcast"),
	}
}

// SubscribeAll registers a handler for the global stream.
// Returns an unsubscribe function.
func (b *Broadcaster) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// SubscribeGroup registers a handler for one group key.
// Returns an unsubscribe function.
func (b *Broadcaster) SubscribeGroup(key string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.groups[key] == nil {
		b.groups[key] = make(map[uint64]Handler)
	}
	b.groups[key][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.groups[key], id)
		if len(b.groups[key]) == 0 {
			delete(b.groups, key)
		}
	}
}

// Publish delivers a payload to all subscribers and, when the payload carries
// a group key, to that group's subscribers. A failing subscriber never blocks
// the others and never propagates to the caller.
func (b *Broadcaster) Publish(payload any) {
	event, groupEvent, key := routeFor(payload)
	if event == "" {
		b.logger.Warn("unsupported broadcast payload", "type", fmt.Sprintf("%T", payload))
		return
	}

	b.mu.RLock()
	allHandlers := make([]Handler, 0, len(b.all))
	for _, h := range b.all {
		allHandlers = append(allHandlers, h)
	}
	var groupHandlers []Handler
	if key != "" {
		for _, h := range b.groups[key] {
			groupHandlers = append(groupHandlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range allHandlers {
		b.deliver(h, Message{Event: event, Data: payload})
	}
	for _, h := range groupHandlers {
		b.deliver(h, Message{Event: groupEvent, Group: key, Data: payload})
	}
}

func (b *Broadcaster) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic", "event", msg.Event, "panic", r)
		}
	}()
	h(msg)
}

// routeFor maps a payload to its global event name, group event name, and
// group key. An empty event name means the payload type is not broadcastable.
func routeFor(payload any) (event, groupEvent, key string) {
	switch p := payload.(type) {
	case signal.SignalEvent:
		return EventSignalReceived, EventDeviceSignalReceived, p.DeviceID
	case signal.SensorReading:
		return EventReadingReceived, EventDeviceReadingReceived, p.DeviceID
	case signal.TriggerEvent:
		return EventTriggerReceived, EventDeviceTriggerReceived, p.DeviceID
	case pipeline.Timeline:
		return EventTimelineReceived, EventTimelineReceived, p.DeviceID
	case signal.DeviceSyncProgress:
		return EventDeviceSyncProgress, EventDeviceSyncProgress, p.SyncID
	case signal.DevicePairingProgress:
		return EventDevicePairingProgress, EventDevicePairingProgress, p.PairingID
	case signal.DeviceStateUpdate:
		return EventDeviceStateUpdate, EventDeviceStateUpdate, p.DeviceID
	default:
		return "", "", ""
	}
}
