package signal

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// KindTable resolves device ids to kinds. Reads are lock-free against an
// immutable snapshot; Replace swaps the whole snapshot atomically so updates
// become visible without a restart.
type KindTable struct {
	snap atomic.Pointer[map[string]DeviceKind]
}

// NewKindTable creates an empty table.
func NewKindTable() *KindTable {
	t := &KindTable{}
	empty := make(map[string]DeviceKind)
	t.snap.Store(&empty)
	return t
}

// Replace installs a new set of entries. Keys are matched case-insensitively.
func (t *KindTable) Replace(entries map[string]DeviceKind) {
	next := make(map[string]DeviceKind, len(entries))
	for id, kind := range entries {
		next[strings.ToLower(id)] = kind
	}
	t.snap.Store(&next)
}

// Resolve returns the kind for a device id, or KindUnknown.
func (t *KindTable) Resolve(deviceID string) DeviceKind {
	snap := *t.snap.Load()
	if kind, ok := snap[strings.ToLower(deviceID)]; ok {
		return kind
	}
	return KindUnknown
}

// Len returns the number of entries in the current snapshot.
func (t *KindTable) Len() int {
	return len(*t.snap.Load())
}

// ParseKind converts a string to a DeviceKind, case-insensitively.
func ParseKind(s string) (DeviceKind, bool) {
	switch DeviceKind(strings.ToLower(s)) {
	case KindButton, KindMotionSensor, KindContactSensor, KindThermometer,
		KindLight, KindSwitch, KindOutlet:
		return DeviceKind(strings.ToLower(s)), true
	case KindUnknown:
		return KindUnknown, true
	}
	return KindUnknown, false
}

// kindFile is the YAML structure for the device-kind file.
type kindFile struct {
	Devices map[string]string `yaml:"devices"`
}

// LoadKindFile reads a device-id to kind mapping from a YAML file.
// A missing file yields an empty map, not an error.
func LoadKindFile(path string) (map[string]DeviceKind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]DeviceKind{}, nil
		}
		return nil, fmt.Errorf("read kind file: %w", err)
	}

	var f kindFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse kind file: %w", err)
	}

	entries := make(map[string]DeviceKind, len(f.Devices))
	for id, raw := range f.Devices {
		kind, ok := ParseKind(raw)
		if !ok {
			return nil, fmt.Errorf("device %q: unknown kind %q", id, raw)
		}
		entries[id] = kind
	}
	return entries, nil
}
