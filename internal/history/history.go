// Package history keeps the per-feed ledger of item identifiers that were
// already delivered, keyed by identifier and valued by the first-seen time in
// epoch milliseconds.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type History struct {
	mu       sync.RWMutex
	entries  map[string]int64
	prunable bool
	now      func() time.Time
}

// New returns an empty history that forgets entries by age.
func New() *History {
	return &History{
		entries:  make(map[string]int64),
		prunable: true,
		now:      time.Now,
	}
}

// NewUnprunable returns an empty history on which Prune is a no-op.
func NewUnprunable() *History {
	history := New()
	history.prunable = false
	return history
}

func (history *History) Prunable() bool {
	return history.prunable
}

func (history *History) Has(key string) bool {
	history.mu.RLock()
	defer history.mu.RUnlock()

	_, ok := history.entries[key]
	return ok
}

// Record sets the timestamp of key, overwriting any previous value.
func (history *History) Record(key string, timestamp int64) {
	history.mu.Lock()
	defer history.mu.Unlock()

	history.entries[key] = timestamp
}

func (history *History) Len() int {
	history.mu.RLock()
	defer history.mu.RUnlock()

	return len(history.entries)
}

// Prune drops every entry recorded strictly before now - maxAge.
func (history *History) Prune(maxAge time.Duration) {
	if !history.prunable {
		return
	}

	threshold := history.now().Add(-maxAge).UnixMilli()

	history.mu.Lock()
	defer history.mu.Unlock()

	for key, timestamp := range history.entries {
		if timestamp < threshold {
			delete(history.entries, key)
		}
	}
}

type entry struct {
	key       string
	timestamp int64
}

func (e entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.key, e.timestamp})
}

func (e *entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("history entry has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.key); err != nil {
		return fmt.Errorf("history entry key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.timestamp); err != nil {
		return fmt.Errorf("history entry timestamp: %w", err)
	}
	return nil
}

// Serialize encodes the ledger as a JSON array of [key, timestamp] pairs.
func (history *History) Serialize() ([]byte, error) {
	history.mu.RLock()
	entries := make([]entry, 0, len(history.entries))
	for key, timestamp := range history.entries {
		entries = append(entries, entry{key: key, timestamp: timestamp})
	}
	history.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	return json.Marshal(entries)
}

// Load merges serialized entries into the ledger. Entries already in memory
// are kept unless the loaded data carries the same key.
func (history *History) Load(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode history with %w", err)
	}

	history.mu.Lock()
	defer history.mu.Unlock()

	for _, e := range entries {
		history.entries[e.key] = e.timestamp
	}
	return nil
}
