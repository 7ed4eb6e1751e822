// Package rules evaluates user-defined threshold rules against incoming
// sensor readings and synthesizes trigger events when they match.
package rules

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"signalhub/internal/signal"
)

// Store is the durable home of rules and their audit logs.
type Store interface {
	EnabledRules() ([]CustomTriggerRule, error)
	UpdateRuleFired(id string, firedAt time.Time) error
	AppendRuleLog(entry CustomTriggerLog) error
}

// Firing is one rule match: the synthesized trigger event plus its audit log.
type Firing struct {
	Rule    CustomTriggerRule
	Trigger signal.TriggerEvent
	Log     CustomTriggerLog
}

// ruleIndex is an immutable snapshot of enabled rules keyed by device+metric.
type ruleIndex struct {
	byKey map[string][]CustomTriggerRule
}

func ruleKey(deviceID, metric string) string {
	return deviceID + "\x00" + metric
}

// ruleGate serializes the cooldown check-and-update for one rule id, so two
// readings evaluated concurrently cannot both pass the gate.
type ruleGate struct {
	mu        sync.Mutex
	lastFired time.Time // zero = never fired
}

// Engine holds the enabled rule set and evaluates readings against it. The
// rule snapshot is rebuilt from the store on a bounded interval or on
// explicit invalidation, never queried per evaluation.
type Engine struct {
	store   Store
	logger  *slog.Logger
	refresh time.Duration
	now     func() time.Time

	snap atomic.Pointer[ruleIndex]

	mu    sync.Mutex
	gates map[string]*ruleGate

	reload   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates an engine that refreshes its rule snapshot from store
// every refresh interval.
func NewEngine(store Store, refresh time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		store:   store,
		logger:  logger.With("component", "rules"),
		refresh: refresh,
		now:     time.Now,
		gates:   make(map[string]*ruleGate),
		reload:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.snap.Store(&ruleIndex{byKey: map[string][]CustomTriggerRule{}})
	return e
}

// Start loads the initial snapshot and begins the refresh loop.
func (e *Engine) Start() error {
	if err := e.rebuild(); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	e.wg.Add(1)
	go e.refreshLoop()
	e.logger.Info("rule engine started", "rules", e.Len())
	return nil
}

// Stop halts the refresh loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	e.logger.Info("rule engine stopped")
}

// Invalidate schedules an immediate snapshot rebuild. Called by rule CRUD so
// changes become visible without waiting for the next refresh tick.
func (e *Engine) Invalidate() {
	select {
	case e.reload <- struct{}{}:
	default:
	}
}

// Len returns the number of rules in the current snapshot.
func (e *Engine) Len() int {
	n := 0
	for _, rs := range e.snap.Load().byKey {
		n += len(rs)
	}
	return n
}

// Evaluate checks all enabled rules for the reading's device and metric,
// enforcing per-rule cooldown, and returns one Firing per matched rule. The
// audit log and the rule's last-fired time are persisted before returning;
// persistence failures are logged, not propagated.
func (e *Engine) Evaluate(reading signal.SensorReading) []Firing {
	rules := e.snap.Load().byKey[ruleKey(reading.DeviceID, reading.Metric)]
	if len(rules) == 0 {
		return nil
	}

	var fired []Firing
	for _, rule := range rules {
		f, ok := e.evaluateRule(rule, reading)
		if ok {
			fired = append(fired, f)
		}
	}
	return fired
}

func (e *Engine) evaluateRule(rule CustomTriggerRule, reading signal.SensorReading) (Firing, bool) {
	gate := e.gate(rule)

	// The cooldown check and last-fired update must be one atomic region.
	gate.mu.Lock()
	now := e.now().UTC()
	if rule.CooldownSeconds > 0 && !gate.lastFired.IsZero() {
		if now.Sub(gate.lastFired) < time.Duration(rule.CooldownSeconds)*time.Second {
			gate.mu.Unlock()
			return Firing{}, false
		}
	}
	if !e.matches(rule, reading) {
		gate.mu.Unlock()
		return Firing{}, false
	}
	gate.lastFired = now
	gate.mu.Unlock()

	trigger := signal.TriggerEvent{
		ID:           uuid.NewString(),
		DeviceID:     reading.DeviceID,
		TriggerType:  rule.TriggerType,
		TimestampUTC: now,
	}
	entry := CustomTriggerLog{
		ID:             uuid.NewString(),
		RuleID:         rule.ID,
		FiredUTC:       now,
		DeviceID:       reading.DeviceID,
		Metric:         reading.Metric,
		Value:          reading.Value,
		Condition:      conditionString(rule, reading.Value),
		TriggerEventID: trigger.ID,
	}

	if err := e.store.UpdateRuleFired(rule.ID, now); err != nil {
		e.logger.Warn("persist last fired", "rule", rule.ID, "err", err)
	}
	if err := e.store.AppendRuleLog(entry); err != nil {
		e.logger.Warn("append rule log", "rule", rule.ID, "err", err)
	}

	e.logger.Info("rule fired", "rule", rule.Name, "device", reading.DeviceID,
		"metric", reading.Metric, "value", reading.Value)

	return Firing{Rule: rule, Trigger: trigger, Log: entry}, true
}

func (e *Engine) matches(rule CustomTriggerRule, reading signal.SensorReading) bool {
	switch rule.Operator {
	case OpGreaterThan:
		return reading.Value > rule.Threshold
	case OpLessThan:
		return reading.Value < rule.Threshold
	case OpEquals:
		return reading.Value == rule.Threshold
	case OpNotEquals:
		return reading.Value != rule.Threshold
	case OpBetween:
		if rule.Threshold2 == nil {
			e.logger.Warn("between rule without threshold2", "rule", rule.ID)
			return false
		}
		return reading.Value >= rule.Threshold && reading.Value <= *rule.Threshold2
	case OpExpression:
		ok, err := evalExpression(rule, reading)
		if err != nil {
			e.logger.Warn("expression rule error", "rule", rule.ID, "err", err)
			return false
		}
		return ok
	default:
		e.logger.Warn("unknown operator", "rule", rule.ID, "operator", string(rule.Operator))
		return false
	}
}

// gate returns the cooldown gate for a rule, creating it on first use. A new
// gate is seeded from the rule's persisted last-fired time so cooldown
// survives restarts and snapshot rebuilds.
func (e *Engine) gate(rule CustomTriggerRule) *ruleGate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[rule.ID]
	if !ok {
		g = &ruleGate{}
		if rule.LastFiredUTC != nil {
			g.lastFired = *rule.LastFiredUTC
		}
		e.gates[rule.ID] = g
	}
	return g
}

func (e *Engine) refreshLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		case <-e.reload:
		}
		if err := e.rebuild(); err != nil {
			e.logger.Error("refresh rules", "err", err)
		}
	}
}

// rebuild swaps in a fresh snapshot and drops gates for deleted rules.
func (e *Engine) rebuild() error {
	enabled, err := e.store.EnabledRules()
	if err != nil {
		return err
	}

	idx := &ruleIndex{byKey: make(map[string][]CustomTriggerRule, len(enabled))}
	live := make(map[string]struct{}, len(enabled))
	for _, r := range enabled {
		key := ruleKey(r.DeviceID, r.Metric)
		idx.byKey[key] = append(idx.byKey[key], r)
		live[r.ID] = struct{}{}
	}
	e.snap.Store(idx)

	e.mu.Lock()
	for id := range e.gates {
		if _, ok := live[id]; !ok {
			delete(e.gates, id)
		}
	}
	e.mu.Unlock()
	return nil
}

func conditionString(rule CustomTriggerRule, value float64) string {
	switch rule.Operator {
	case OpGreaterThan:
		return fmt.Sprintf("%s > %g (value %g)", rule.Metric, rule.Threshold, value)
	case OpLessThan:
		return fmt.Sprintf("%s < %g (value %g)", rule.Metric, rule.Threshold, value)
	case OpEquals:
		return fmt.Sprintf("%s == %g (value %g)", rule.Metric, rule.Threshold, value)
	case OpNotEquals:
		return fmt.Sprintf("%s != %g (value %g)", rule.Metric, rule.Threshold, value)
	case OpBetween:
		hi := rule.Threshold
		if rule.Threshold2 != nil {
			hi = *rule.Threshold2
		}
		return fmt.Sprintf("%g <= %s <= %g (value %g)", rule.Threshold, rule.Metric, hi, value)
	case OpExpression:
		return fmt.Sprintf("%s (value %g)", rule.Expression, value)
	default:
		return fmt.Sprintf("%s %s %g (value %g)", rule.Metric, rule.Operator, rule.Threshold, value)
	}
}
