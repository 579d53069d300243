package memory

import "encoding/json"

// EmotionLog is an ordered emotion history with a fixed capacity.
// Eviction is strictly insertion-order: when full, the oldest inserted
// entry goes first, regardless of when entries were last read.
type EmotionLog struct {
	cap     int
	entries []EmotionEntry
}

// NewEmotionLog creates an empty log with the given capacity.
func NewEmotionLog(capacity int) *EmotionLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &EmotionLog{cap: capacity}
}

// Add appends an entry, evicting the oldest when at capacity.
func (l *EmotionLog) Add(e EmotionEntry) {
	if len(l.entries) >= l.cap {
		over := len(l.entries) - l.cap + 1
		l.entries = append(l.entries[:0], l.entries[over:]...)
	}
	l.entries = append(l.entries, e)
}

// Latest returns the most recently added entry, or false when empty.
func (l *EmotionLog) Latest() (EmotionEntry, bool) {
	if len(l.entries) == 0 {
		return EmotionEntry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Entries returns the entries oldest-first.
func (l *EmotionLog) Entries() []EmotionEntry {
	return l.entries
}

// Len returns the number of entries.
func (l *EmotionLog) Len() int { return len(l.entries) }

// MarshalJSON encodes the entries oldest-first.
func (l *EmotionLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.entries)
}

// UnmarshalJSON decodes entries and trims to capacity, oldest-first.
func (l *EmotionLog) UnmarshalJSON(data []byte) error {
	if l.cap <= 0 {
		l.cap = 100
	}
	var entries []EmotionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if len(entries) > l.cap {
		entries = entries[len(entries)-l.cap:]
	}
	l.entries = entries
	return nil
}

// adaptivePair preserves insertion order through the JSON round-trip.
type adaptivePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AdaptiveMap is a key-value mapping of learned behavioral overrides with
// a fixed capacity and insertion-order eviction. Updating an existing key
// replaces the value without refreshing the key's insertion position.
type AdaptiveMap struct {
	cap   int
	pairs []adaptivePair
}

// NewAdaptiveMap creates an empty map with the given capacity.
func NewAdaptiveMap(capacity int) *AdaptiveMap {
	if capacity <= 0 {
		capacity = 100
	}
	return &AdaptiveMap{cap: capacity}
}

// Set inserts or updates a key, evicting the oldest inserted key when a
// new insert would exceed capacity.
func (m *AdaptiveMap) Set(key, value string) {
	for i := range m.pairs {
		if m.pairs[i].Key == key {
			m.pairs[i].Value = value
			return
		}
	}
	if len(m.pairs) >= m.cap {
		over := len(m.pairs) - m.cap + 1
		m.pairs = append(m.pairs[:0], m.pairs[over:]...)
	}
	m.pairs = append(m.pairs, adaptivePair{Key: key, Value: value})
}

// Get returns the value for key, or false when absent.
func (m *AdaptiveMap) Get(key string) (string, bool) {
	for _, p := range m.pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// Items returns key/value pairs oldest-first.
func (m *AdaptiveMap) Items() []struct{ Key, Value string } {
	out := make([]struct{ Key, Value string }, len(m.pairs))
	for i, p := range m.pairs {
		out[i] = struct{ Key, Value string }{p.Key, p.Value}
	}
	return out
}

// Len returns the number of stored keys.
func (m *AdaptiveMap) Len() int { return len(m.pairs) }

// MarshalJSON encodes pairs oldest-first.
func (m *AdaptiveMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.pairs)
}

// UnmarshalJSON decodes pairs and trims to capacity, oldest-first.
func (m *AdaptiveMap) UnmarshalJSON(data []byte) error {
	if m.cap <= 0 {
		m.cap = 100
	}
	var pairs []adaptivePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	if len(pairs) > m.cap {
		pairs = pairs[len(pairs)-m.cap:]
	}
	m.pairs = pairs
	return nil
}
