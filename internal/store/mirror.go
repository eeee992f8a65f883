package store

import (
	"sort"
	"sync"
)

// mirror holds the top-N records per type in memory so reads never wait
// on the persistent tier. Bounded: when a type exceeds max, the lowest
// scoring entry is dropped from memory (the row stays on disk).
type mirror struct {
	mu     sync.RWMutex
	max    int
	byType map[EntityType]map[string]*Record
}

func newMirror(max int) *mirror {
	if max <= 0 {
		max = 50
	}
	return &mirror{
		max:    max,
		byType: make(map[EntityType]map[string]*Record),
	}
}

func (m *mirror) get(typ EntityType, key string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byType[typ][key]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (m *mirror) put(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(rec)
}

func (m *mirror) putLocked(rec *Record) {
	recs, ok := m.byType[rec.Type]
	if !ok {
		recs = make(map[string]*Record)
		m.byType[rec.Type] = recs
	}
	cp := *rec
	recs[rec.Key] = &cp

	if len(recs) <= m.max {
		return
	}
	// Over budget: drop the coldest entry from memory.
	var worstKey string
	var worst *Record
	for k, r := range recs {
		if worst == nil || r.QualityScore < worst.QualityScore ||
			(r.QualityScore == worst.QualityScore && r.EventAt < worst.EventAt) {
			worstKey, worst = k, r
		}
	}
	delete(recs, worstKey)
}

func (m *mirror) delete(typ EntityType, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byType[typ], key)
}

// rekey atomically replaces the record stored under oldKey with rec
// under its new key. Holding the lock for both steps guarantees no
// reader ever observes a state where neither key resolves.
func (m *mirror) rekey(typ EntityType, oldKey string, rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byType[typ], oldKey)
	m.putLocked(rec)
}

// page returns up to n mirrored records of a type, quality-score
// descending with recency tiebreak.
func (m *mirror) page(typ EntityType, n int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.byType[typ]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].EventAt > out[j].EventAt
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (m *mirror) clearSynced(typ EntityType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.byType[typ] {
		if r.SyncStatus == Synced {
			delete(m.byType[typ], k)
		}
	}
}

func (m *mirror) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType = make(map[EntityType]map[string]*Record)
}
