// Package projection derives secondary entities (sensor readings, trigger
// events) from canonical signal events.
package projection

import (
	"log/slog"

	"github.com/google/uuid"

	"signalhub/internal/signal"
)

// Repository persists derived entities and the source event.
type Repository interface {
	InsertSignalEvents(events []signal.SignalEvent) error
	InsertReadings(readings []signal.SensorReading) error
	InsertTriggerEvents(events []signal.TriggerEvent) error
}

// Result is the in-memory projection of one signal event. It stays valid even
// when persistence fails, so the pipeline can continue to rule evaluation and
// broadcast.
type Result struct {
	Event    signal.SignalEvent
	Readings []signal.SensorReading
	Triggers []signal.TriggerEvent
}

// Service derives and persists readings and trigger events.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService creates a projection service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With("component", "projection")}
}

// Project derives zero or more readings and triggers from an event. A
// telemetry event carrying a numeric value yields exactly one reading; a
// trigger-category event yields exactly one trigger event. Pure: no
// persistence happens here.
func (s *Service) Project(ev signal.SignalEvent) Result {
	res := Result{Event: ev}

	switch ev.Category {
	case signal.CategoryTelemetry:
		if ev.Value != nil {
			res.Readings = append(res.Readings, signal.SensorReading{
				ID:           uuid.NewString(),
				DeviceID:     ev.DeviceID,
				Metric:       ev.Capability,
				Value:        *ev.Value,
				Unit:         unitFor(ev.Capability),
				TimestampUTC: ev.TimestampUTC,
			})
		}
	case signal.CategoryTrigger:
		triggerType := ev.Capability
		if ev.EventSubType != "" {
			triggerType = ev.Capability + ":" + ev.EventSubType
		}
		res.Triggers = append(res.Triggers, signal.TriggerEvent{
			ID:            uuid.NewString(),
			DeviceID:      ev.DeviceID,
			TriggerType:   triggerType,
			TimestampUTC:  ev.TimestampUTC,
			SourceEventID: ev.ID,
		})
	}

	return res
}

// Persist writes the source event and its projections. Failures are logged
// with the event id and never abort the pipeline: live subscribers still get
// the data even when durable storage briefly fails.
func (s *Service) Persist(res Result) {
	if err := s.repo.InsertSignalEvents([]signal.SignalEvent{res.Event}); err != nil {
		s.logger.Error("persist signal event", "event", res.Event.ID, "err", err)
	}
	if len(res.Readings) > 0 {
		if err := s.repo.InsertReadings(res.Readings); err != nil {
			s.logger.Error("persist readings", "event", res.Event.ID, "err", err)
		}
	}
	if len(res.Triggers) > 0 {
		if err := s.repo.InsertTriggerEvents(res.Triggers); err != nil {
			s.logger.Error("persist triggers", "event", res.Event.ID, "err", err)
		}
	}
}

// unitFor maps well-known metrics to display units.
func unitFor(metric string) string {
	switch metric {
	case "temperature":
		return "°C"
	case "humidity", "battery":
		return "%"
	case "pressure":
		return "hPa"
	case "illuminance":
		return "lx"
	case "linkquality":
		return "lqi"
	default:
		return ""
	}
}
