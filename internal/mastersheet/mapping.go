package mastersheet

import (
	"strings"

	"dealcheck/internal/models"
)

// Mapping is the normalized "entity:field" -> expected value table.
// Keys iterate in first-seen order; a repeated key keeps its slot and takes the new value.
type Mapping struct {
	keys    []string
	entries map[string]models.MasterSheetEntry
}

func NewMapping() *Mapping {
	return &Mapping{entries: make(map[string]models.MasterSheetEntry)}
}

// FromEntries rebuilds a mapping from stored entries.
func FromEntries(entries []models.MasterSheetEntry) *Mapping {
	m := NewMapping()
	for _, e := range entries {
		m.Set(e.Entity, e.Field, e.ExpectedValue)
	}
	return m
}

// Set trims its inputs and records the entry. Incomplete entries are ignored.
func (m *Mapping) Set(entity, field, expected string) bool {
	entity = strings.TrimSpace(entity)
	field = strings.TrimSpace(field)
	expected = strings.TrimSpace(expected)
	if entity == "" || field == "" || expected == "" {
		return false
	}
	e := models.MasterSheetEntry{Entity: entity, Field: field, ExpectedValue: expected}
	key := e.Key()
	if _, ok := m.entries[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.entries[key] = e
	return true
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *Mapping) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	e, ok := m.entries[key]
	return e.ExpectedValue, ok
}

// Keys returns the keys in iteration order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Entries returns the entries in iteration order.
func (m *Mapping) Entries() []models.MasterSheetEntry {
	if m == nil {
		return nil
	}
	out := make([]models.MasterSheetEntry, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.entries[k])
	}
	return out
}

// Map flattens the mapping; iteration order is lost.
func (m *Mapping) Map() map[string]string {
	out := make(map[string]string, m.Len())
	if m == nil {
		return out
	}
	for k, e := range m.entries {
		out[k] = e.ExpectedValue
	}
	return out
}

// SplitKey splits "entity:field" at the first colon.
func SplitKey(key string) (entity, field string, ok bool) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
