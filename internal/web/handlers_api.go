package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"signalhub/internal/rules"
	"signalhub/internal/store"
)

const defaultTake = 100

// queryTake parses the take query parameter, clamped to a sane range.
func queryTake(r *http.Request) int {
	raw := r.URL.Query().Get("take")
	if raw == "" {
		return defaultTake
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultTake
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	take := queryTake(r)
	device := r.URL.Query().Get("device")

	var (
		events any
		err    error
	)
	if device != "" {
		events, err = s.store.SignalEventsByDevice(device, take)
	} else {
		events, err = s.store.RecentSignalEvents(take)
	}
	if err != nil {
		s.logger.Error("list signals", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.store.RecentReadings(queryTake(r))
	if err != nil {
		s.logger.Error("list readings", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleReadingsByDeviceMetric(w http.ResponseWriter, r *http.Request) {
	device := r.PathValue("device")
	metric := r.PathValue("metric")

	readings, err := s.store.ReadingsByDeviceAndMetric(device, metric, queryTake(r))
	if err != nil {
		s.logger.Error("readings by device", "err", err, "device", device, "metric", metric)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	take := queryTake(r)
	device := r.URL.Query().Get("device")

	var (
		events any
		err    error
	)
	if device != "" {
		events, err = s.store.TriggerEventsByDevice(device, take)
	} else {
		events, err = s.store.RecentTriggerEvents(take)
	}
	if err != nil {
		s.logger.Error("list triggers", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := s.store.ListRules()
	if err != nil {
		s.logger.Error("list rules", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, ruleList)
}

// ruleRequest is the create/update body for a trigger rule.
type ruleRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Enabled         *bool    `json:"enabled"`
	TriggerType     string   `json:"trigger_type"`
	DeviceID        string   `json:"device_id"`
	Metric          string   `json:"metric"`
	Operator        string   `json:"operator"`
	Threshold       float64  `json:"threshold"`
	Threshold2      *float64 `json:"threshold2"`
	Expression      string   `json:"expression"`
	CooldownSeconds int      `json:"cooldown_seconds"`
}

func (req *ruleRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.DeviceID == "" {
		return "device_id is required"
	}
	if req.Metric == "" {
		return "metric is required"
	}
	op := rules.Operator(req.Operator)
	if !op.Valid() {
		return "unknown operator"
	}
	if op == rules.OpBetween && req.Threshold2 == nil {
		return "between requires threshold2"
	}
	if op == rules.OpExpression && req.Expression == "" {
		return "expression operator requires expression"
	}
	if req.CooldownSeconds < 0 {
		return "cooldown_seconds must not be negative"
	}
	return ""
}

func (req *ruleRequest) apply(rule *rules.CustomTriggerRule) {
	rule.Name = req.Name
	rule.Description = req.Description
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.TriggerType = req.TriggerType
	if rule.TriggerType == "" {
		rule.TriggerType = req.Name
	}
	rule.DeviceID = req.DeviceID
	rule.Metric = req.Metric
	rule.Operator = rules.Operator(req.Operator)
	rule.Threshold = req.Threshold
	rule.Threshold2 = req.Threshold2
	rule.Expression = req.Expression
	rule.CooldownSeconds = req.CooldownSeconds
}

func (s *Server) decodeRuleRequest(w http.ResponseWriter, r *http.Request) (*ruleRequest, bool) {
	var req ruleRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	if msg := req.validate(); msg != "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return nil, false
	}
	return &req, true
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	rule := rules.CustomTriggerRule{
		ID:         uuid.NewString(),
		Enabled:    true,
		CreatedUTC: now,
		UpdatedUTC: now,
	}
	req.apply(&rule)

	if err := s.store.SaveRule(&rule); err != nil {
		s.logger.Error("create rule", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.engine.Invalidate()
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
			return
		}
		s.logger.Error("get rule", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, ok := s.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	err := s.store.UpdateRule(id, func(rule *rules.CustomTriggerRule) error {
		req.apply(rule)
		rule.UpdatedUTC = time.Now().UTC()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
			return
		}
		s.logger.Error("update rule", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.engine.Invalidate()

	rule, err := s.store.GetRule(id)
	if err != nil {
		s.logger.Error("reload rule after update", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRule(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
			return
		}
		s.logger.Error("delete rule", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.engine.Invalidate()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var enabled bool
	err := s.store.UpdateRule(id, func(rule *rules.CustomTriggerRule) error {
		rule.Enabled = !rule.Enabled
		rule.UpdatedUTC = time.Now().UTC()
		enabled = rule.Enabled
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
			return
		}
		s.logger.Error("toggle rule", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.engine.Invalidate()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": enabled})
}

func (s *Server) handleRuleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetRule(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "rule not found"})
			return
		}
		s.logger.Error("rule logs", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	logs, err := s.store.RuleLogs(id, queryTake(r))
	if err != nil {
		s.logger.Error("rule logs", "err", err, "id", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, logs)
}
