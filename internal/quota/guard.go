// Package quota keeps the persistent cache under a self-imposed byte
// ceiling so eviction happens gracefully before the platform's hard
// storage limit is hit.
package quota

import (
	"fmt"

	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

const (
	// DefaultCeilingBytes is the byte budget for the persistent table,
	// kept below typical platform quotas.
	DefaultCeilingBytes = 4 << 20
	// DefaultFloor is the minimum number of records per type eviction
	// must leave behind, so a cleanup never empties a feed completely.
	DefaultFloor = 5
)

// Config tunes the guard.
type Config struct {
	CeilingBytes       int64
	MinRetainedPerType int
}

// Evictor is the slice of the store the guard needs: measured usage and
// synced-only eviction. Pending records are invisible to it.
type Evictor interface {
	UsageBytes() (int64, error)
	TypesWithRecords() ([]store.EntityType, error)
	EvictLowestSynced(typ store.EntityType, keepFloor int, needBytes int64) (int64, int, error)
	WipeNonEssential() error
}

// Guard tracks storage usage and runs staged eviction before any write
// that could overflow the ceiling.
type Guard struct {
	ev      Evictor
	bus     *bus.Bus
	logger  *zap.Logger
	ceiling int64
	floor   int
}

// NewGuard creates a quota guard over the given evictor.
func NewGuard(ev Evictor, b *bus.Bus, logger *zap.Logger, cfg Config) *Guard {
	if cfg.CeilingBytes <= 0 {
		cfg.CeilingBytes = DefaultCeilingBytes
	}
	if cfg.MinRetainedPerType <= 0 {
		cfg.MinRetainedPerType = DefaultFloor
	}
	return &Guard{
		ev:      ev,
		bus:     b,
		logger:  logger,
		ceiling: cfg.CeilingBytes,
		floor:   cfg.MinRetainedPerType,
	}
}

// BeforeWrite decides the fate of an upcoming write of sizeBytes to typ.
// When the ceiling would overflow it runs the eviction strategies in
// order until enough room exists. Low-value writes that still do not fit
// are rejected; pending writes never are — after evicting as hard as
// the strategies allow, the write proceeds regardless.
func (g *Guard) BeforeWrite(typ store.EntityType, sizeBytes int64, pending bool) (store.WriteDecision, error) {
	usage, err := g.ev.UsageBytes()
	if err != nil {
		return store.Proceed, fmt.Errorf("measure usage: %w", err)
	}
	if usage+sizeBytes <= g.ceiling {
		return store.Proceed, nil
	}

	need := usage + sizeBytes - g.ceiling
	freed, err := g.evict(typ, need)
	if err != nil {
		return store.Proceed, err
	}
	if freed >= need || pending {
		return store.EvictedThenProceed, nil
	}

	g.logger.Warn("write rejected by quota guard",
		zap.String("entity_type", string(typ)),
		zap.Int64("size_bytes", sizeBytes),
		zap.Int64("freed_bytes", freed),
		zap.Int64("needed_bytes", need))
	return store.Rejected, nil
}

// evict runs the staged strategies in order until need bytes are freed.
// Each stage is idempotent, so a partial pass followed by a retry is
// safe.
func (g *Guard) evict(writeType store.EntityType, need int64) (int64, error) {
	var freed int64
	for _, st := range g.strategies() {
		if freed >= need {
			break
		}
		n, err := st.run(writeType, need-freed)
		if err != nil {
			return freed, fmt.Errorf("eviction stage %s: %w", st.name, err)
		}
		freed += n
	}
	return freed, nil
}

type strategy struct {
	name string
	run  func(writeType store.EntityType, need int64) (int64, error)
}

// strategies is the strictly ordered eviction cascade: other entity
// types give way first, the type being written is only cannibalized
// second, and both respect the per-type retention floor.
func (g *Guard) strategies() []strategy {
	return []strategy{
		{name: "other-types", run: g.evictOtherTypes},
		{name: "same-type", run: g.evictSameType},
	}
}

func (g *Guard) evictOtherTypes(writeType store.EntityType, need int64) (int64, error) {
	types, err := g.ev.TypesWithRecords()
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, t := range types {
		if t == writeType {
			continue
		}
		if freed >= need {
			break
		}
		n, count, err := g.ev.EvictLowestSynced(t, g.floor, need-freed)
		if err != nil {
			return freed, err
		}
		freed += n
		g.report(t, count, n)
	}
	return freed, nil
}

func (g *Guard) evictSameType(writeType store.EntityType, need int64) (int64, error) {
	n, count, err := g.ev.EvictLowestSynced(writeType, g.floor, need)
	if err != nil {
		return 0, err
	}
	g.report(writeType, count, n)
	return n, nil
}

func (g *Guard) report(typ store.EntityType, count int, freed int64) {
	if count == 0 {
		return
	}
	g.logger.Info("evicted cached records",
		zap.String("entity_type", string(typ)),
		zap.Int("count", count),
		zap.Int64("freed_bytes", freed))
	if g.bus != nil {
		g.bus.Publish(bus.RecordsEvicted{Type: typ, Count: count, FreedBytes: freed})
	}
}

// OnQuotaError is the last resort after the platform rejected a write
// that the staged eviction had already approved: wipe every non-essential
// byte, preserving pending user writes and anything session-owned, and
// let the caller retry once.
func (g *Guard) OnQuotaError(typ store.EntityType) error {
	g.logger.Warn("hard storage quota hit, wiping non-essential state",
		zap.String("entity_type", string(typ)))
	if err := g.ev.WipeNonEssential(); err != nil {
		return fmt.Errorf("last-resort wipe: %w", err)
	}
	return nil
}
