// Package pipeline records per-event processing stages for latency
// observability. Trackers never fail: every method is safe on a nil or
// already-finished tracker, so instrumentation can never break the pipeline.
package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageCategory classifies a stage for observability grouping.
type StageCategory string

const (
	CategorySignal     StageCategory = "signal"
	CategoryDB         StageCategory = "db"
	CategoryBroadcast  StageCategory = "broadcast"
	CategoryAutomation StageCategory = "automation"
	CategoryMQTT       StageCategory = "mqtt"
	CategoryWebhook    StageCategory = "webhook"
	CategoryZigbee     StageCategory = "zigbee"
	CategoryOther      StageCategory = "other"
)

// Stage is one named, timed phase of processing a single event.
type Stage struct {
	Name          string        `json:"name"`
	Category      StageCategory `json:"category"`
	StartOffsetMs float64       `json:"start_offset_ms"`
	DurationMs    float64       `json:"duration_ms"`
}

// Timeline is the finalized record of one event's trip through the pipeline.
// Stages are ordered by start offset and TotalMs is at least as large as the
// end of the last stage.
type Timeline struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id"`
	AutomationName string    `json:"automation_name,omitempty"`
	TimestampUTC   time.Time `json:"timestamp_utc"`
	TotalMs        float64   `json:"total_ms"`
	Stages         []Stage   `json:"stages"`
}

type openStage struct {
	name     string
	category StageCategory
	start    time.Time
	end      time.Time // zero while open
}

// Tracker accumulates stages for one event. Begin a stage with Stage; the
// previous stage closes implicitly when the next one starts or on Finish.
type Tracker struct {
	mu             sync.Mutex
	id             string
	deviceID       string
	automationName string
	begin          time.Time
	stages         []openStage
	result         *Timeline
}

// Begin starts tracking one event. deviceID may be empty and set later once
// the event has been parsed.
func Begin(deviceID string) *Tracker {
	return &Tracker{
		id:       uuid.NewString(),
		deviceID: deviceID,
		begin:    time.Now(),
	}
}

// SetDeviceID records the device once it is known.
func (t *Tracker) SetDeviceID(deviceID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return
	}
	t.deviceID = deviceID
}

// SetAutomationName records the rule that fired during this event, if any.
func (t *Tracker) SetAutomationName(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return
	}
	t.automationName = name
}

// Stage marks the start of a named stage, closing the previous one.
func (t *Tracker) Stage(name string, category StageCategory) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return
	}
	now := time.Now()
	t.closeLast(now)
	t.stages = append(t.stages, openStage{name: name, category: category, start: now})
}

// Finish closes the open stage and computes the timeline. Calling Finish
// again returns the same timeline. A timeline with zero stages is valid.
func (t *Tracker) Finish() Timeline {
	if t == nil {
		return Timeline{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return *t.result
	}

	now := time.Now()
	t.closeLast(now)

	tl := Timeline{
		ID:             t.id,
		DeviceID:       t.deviceID,
		AutomationName: t.automationName,
		TimestampUTC:   t.begin.UTC(),
		TotalMs:        toMs(now.Sub(t.begin)),
	}
	for _, s := range t.stages {
		tl.Stages = append(tl.Stages, Stage{
			Name:          s.name,
			Category:      s.category,
			StartOffsetMs: toMs(s.start.Sub(t.begin)),
			DurationMs:    toMs(s.end.Sub(s.start)),
		})
	}
	t.result = &tl
	return tl
}

func (t *Tracker) closeLast(now time.Time) {
	if n := len(t.stages); n > 0 && t.stages[n-1].end.IsZero() {
		t.stages[n-1].end = now
	}
}

func toMs(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
