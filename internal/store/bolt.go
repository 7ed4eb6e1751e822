package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"signalhub/internal/rules"
	"signalhub/internal/signal"
)

var (
	bucketSignalEvents  = []byte("signal_events")
	bucketReadings      = []byte("sensor_readings")
	bucketTriggerEvents = []byte("trigger_events")
	bucketRules         = []byte("custom_trigger_rules")
	bucketRuleLogs      = []byte("custom_trigger_logs")
)

// timeKeyLayout is fixed-width so keys sort chronologically as bytes.
const timeKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database, provisioning all buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSignalEvents, bucketReadings, bucketTriggerEvents, bucketRules, bucketRuleLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// timeKey builds a chronologically sortable key; the id suffix keeps keys
// unique when timestamps collide.
func timeKey(ts time.Time, id string) []byte {
	return []byte(ts.UTC().Format(timeKeyLayout) + "\x00" + id)
}

func (s *BoltStore) InsertSignalEvents(events []signal.SignalEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignalEvents)
		for i := range events {
			data, err := json.Marshal(&events[i])
			if err != nil {
				return err
			}
			if err := b.Put(timeKey(events[i].TimestampUTC, events[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RecentSignalEvents(take int) ([]signal.SignalEvent, error) {
	var events []signal.SignalEvent
	err := s.scanRecent(bucketSignalEvents, take, func(v []byte) (bool, error) {
		var ev signal.SignalEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return false, err
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

func (s *BoltStore) SignalEventsByDevice(deviceID string, take int) ([]signal.SignalEvent, error) {
	var events []signal.SignalEvent
	err := s.scanRecent(bucketSignalEvents, take, func(v []byte) (bool, error) {
		var ev signal.SignalEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return false, err
		}
		if ev.DeviceID != deviceID {
			return false, nil
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

func (s *BoltStore) InsertReadings(readings []signal.SensorReading) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		for i := range readings {
			data, err := json.Marshal(&readings[i])
			if err != nil {
				return err
			}
			if err := b.Put(timeKey(readings[i].TimestampUTC, readings[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RecentReadings(take int) ([]signal.SensorReading, error) {
	var readings []signal.SensorReading
	err := s.scanRecent(bucketReadings, take, func(v []byte) (bool, error) {
		var r signal.SensorReading
		if err := json.Unmarshal(v, &r); err != nil {
			return false, err
		}
		readings = append(readings, r)
		return true, nil
	})
	return readings, err
}

func (s *BoltStore) ReadingsByDeviceAndMetric(deviceID, metric string, take int) ([]signal.SensorReading, error) {
	var readings []signal.SensorReading
	err := s.scanRecent(bucketReadings, take, func(v []byte) (bool, error) {
		var r signal.SensorReading
		if err := json.Unmarshal(v, &r); err != nil {
			return false, err
		}
		if r.DeviceID != deviceID || r.Metric != metric {
			return false, nil
		}
		readings = append(readings, r)
		return true, nil
	})
	return readings, err
}

func (s *BoltStore) InsertTriggerEvents(events []signal.TriggerEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTriggerEvents)
		for i := range events {
			data, err := json.Marshal(&events[i])
			if err != nil {
				return err
			}
			if err := b.Put(timeKey(events[i].TimestampUTC, events[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) RecentTriggerEvents(take int) ([]signal.TriggerEvent, error) {
	var events []signal.TriggerEvent
	err := s.scanRecent(bucketTriggerEvents, take, func(v []byte) (bool, error) {
		var ev signal.TriggerEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return false, err
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

func (s *BoltStore) TriggerEventsByDevice(deviceID string, take int) ([]signal.TriggerEvent, error) {
	var events []signal.TriggerEvent
	err := s.scanRecent(bucketTriggerEvents, take, func(v []byte) (bool, error) {
		var ev signal.TriggerEvent
		if err := json.Unmarshal(v, &ev); err != nil {
			return false, err
		}
		if ev.DeviceID != deviceID {
			return false, nil
		}
		events = append(events, ev)
		return true, nil
	})
	return events, err
}

// scanRecent walks a time-keyed bucket newest-first, calling keep for each
// value until take values have been kept.
func (s *BoltStore) scanRecent(bucket []byte, take int, keep func(v []byte) (bool, error)) error {
	if take <= 0 {
		return nil
	}
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		kept := 0
		for k, v := c.Last(); k != nil && kept < take; k, v = c.Prev() {
			ok, err := keep(v)
			if err != nil {
				return err
			}
			if ok {
				kept++
			}
		}
		return nil
	})
}

func (s *BoltStore) SaveRule(rule *rules.CustomTriggerRule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRules).Put([]byte(rule.ID), data)
	})
}

func (s *BoltStore) GetRule(id string) (*rules.CustomTriggerRule, error) {
	var rule rules.CustomTriggerRule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rule)
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *BoltStore) ListRules() ([]rules.CustomTriggerRule, error) {
	var out []rules.CustomTriggerRule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).ForEach(func(k, v []byte) error {
			var rule rules.CustomTriggerRule
			if err := json.Unmarshal(v, &rule); err != nil {
				return err
			}
			out = append(out, rule)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) EnabledRules() ([]rules.CustomTriggerRule, error) {
	all, err := s.ListRules()
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled, nil
}

func (s *BoltStore) UpdateRule(id string, fn func(rule *rules.CustomTriggerRule) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		var rule rules.CustomTriggerRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		if err := fn(&rule); err != nil {
			return err
		}
		updated, err := json.Marshal(&rule)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) UpdateRuleFired(id string, firedAt time.Time) error {
	return s.UpdateRule(id, func(rule *rules.CustomTriggerRule) error {
		t := firedAt.UTC()
		rule.LastFiredUTC = &t
		return nil
	})
}

// DeleteRule removes a rule and all of its audit logs in one transaction.
func (s *BoltStore) DeleteRule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRules)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		logs := tx.Bucket(bucketRuleLogs)
		prefix := ruleLogPrefix(id)
		c := logs.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func ruleLogPrefix(ruleID string) []byte {
	return []byte(ruleID + "\x00")
}

func (s *BoltStore) AppendRuleLog(entry rules.CustomTriggerLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		key := append(ruleLogPrefix(entry.RuleID), timeKey(entry.FiredUTC, entry.ID)...)
		return tx.Bucket(bucketRuleLogs).Put(key, data)
	})
}

// RuleLogs returns the most recent log entries for a rule, newest first.
func (s *BoltStore) RuleLogs(ruleID string, take int) ([]rules.CustomTriggerLog, error) {
	if take <= 0 {
		return nil, nil
	}
	var out []rules.CustomTriggerLog
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := ruleLogPrefix(ruleID)
		c := tx.Bucket(bucketRuleLogs).Cursor()

		// Position past the end of this rule's range, then walk backwards.
		k, v := c.Seek(append(prefix, 0xff))
		if k == nil {
			k, v = c.Last()
		}
		for ; k != nil && len(out) < take; k, v = c.Prev() {
			if !bytes.HasPrefix(k, prefix) {
				if len(out) > 0 {
					break
				}
				continue
			}
			var entry rules.CustomTriggerLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
