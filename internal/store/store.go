package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rfarah/trim/internal/apperr"
	"github.com/rfarah/trim/internal/rank"
)

// WriteDecision is the quota guard's answer for an upcoming write.
type WriteDecision int

const (
	// Proceed means there is room.
	Proceed WriteDecision = iota
	// EvictedThenProceed means the guard made room by evicting synced
	// records first.
	EvictedThenProceed
	// Rejected means the write should be dropped. Only low-value writes
	// (routine cache refreshes) are ever rejected; never pending ones.
	Rejected
)

// WriteGuard is consulted before every persistent write.
type WriteGuard interface {
	BeforeWrite(typ EntityType, sizeBytes int64, pending bool) (WriteDecision, error)
	// OnQuotaError runs the last-resort cascade after a hard platform
	// quota failure.
	OnQuotaError(typ EntityType) error
}

// Store is a per-user view over the shared database: one logical table
// per entity type, namespaced by the authenticated user id, fronted by
// an in-memory mirror of the hottest records. Records of another user
// are never visible through it.
type Store struct {
	db     *DB
	userID string
	guard  WriteGuard
	mirror *mirror
	now    func() time.Time
}

// NewStore creates a store for one authenticated user. mirrorSize bounds
// the number of in-memory records kept per entity type.
func NewStore(db *DB, userID string, mirrorSize int) *Store {
	return &Store{
		db:     db,
		userID: userID,
		mirror: newMirror(mirrorSize),
		now:    time.Now,
	}
}

// SetGuard installs the quota guard. Set after construction because the
// guard itself evicts through this store.
func (s *Store) SetGuard(g WriteGuard) { s.guard = g }

// UserID returns the namespace this store serves.
func (s *Store) UserID() string { return s.userID }

const recordColumns = `entity_type, key, local_id, payload, size_bytes, sync_status,
	event_at, cached_at, base_score, quality_score, access_count, last_accessed_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	err := row.Scan(&r.Type, &r.Key, &r.LocalID, &r.Payload, &r.SizeBytes, &r.SyncStatus,
		&r.EventAt, &r.CachedAt, &r.BaseScore, &r.QualityScore, &r.AccessCount, &r.LastAccessedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Get returns a cached record, or (nil, nil) on a miss. Serves from the
// in-memory mirror when possible; either way the access is counted and
// the quality score refreshed.
func (s *Store) Get(typ EntityType, key string) (*Record, error) {
	if !ValidType(typ) {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	if key == "" {
		return nil, fmt.Errorf("empty record key")
	}

	rec, ok := s.mirror.get(typ, key)
	if !ok {
		row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records
			WHERE user_id = ? AND entity_type = ? AND key = ?`, s.userID, typ, key)
		var err error
		rec, err = scanRecord(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.touch(rec, true); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByLocalID looks up a client-created record by its local id.
// Returns (nil, nil) when no such record exists.
func (s *Store) GetByLocalID(typ EntityType, localID string) (*Record, error) {
	if localID == "" {
		return nil, fmt.Errorf("empty local id")
	}
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM records
		WHERE user_id = ? AND entity_type = ? AND local_id = ?`, s.userID, typ, localID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetPage returns one page of records, quality-score descending with
// recency tiebreak. Scores are refreshed lazily as part of the read.
func (s *Store) GetPage(typ EntityType, page, pageSize int) ([]Record, error) {
	if !ValidType(typ) {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return s.query(typ, pageSize, (page-1)*pageSize)
}

// GetAll returns every cached record of a type, quality-score descending.
func (s *Store) GetAll(typ EntityType) ([]Record, error) {
	if !ValidType(typ) {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}
	return s.query(typ, -1, 0)
}

func (s *Store) query(typ EntityType, limit, offset int) ([]Record, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM records
		WHERE user_id = ? AND entity_type = ?
		ORDER BY quality_score DESC, event_at DESC
		LIMIT ? OFFSET ?`, s.userID, typ, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Lazy re-score: refresh without counting a page listing as an open.
	for i := range recs {
		if err := s.touch(&recs[i], false); err != nil {
			return nil, err
		}
	}
	sortRecords(recs)
	return recs, nil
}

// InstantPage serves up to n records of a type straight from the memory
// mirror, never touching the persistent tier. Empty on a cold mirror.
func (s *Store) InstantPage(typ EntityType, n int) []Record {
	return s.mirror.page(typ, n)
}

// WarmMirror loads the top mirror-size records of a type from disk into
// memory. Called once at startup so instant reads work immediately.
func (s *Store) WarmMirror(typ EntityType) error {
	recs, err := s.query(typ, s.mirror.max, 0)
	if err != nil {
		return err
	}
	for i := range recs {
		s.mirror.put(&recs[i])
	}
	return nil
}

// touch refreshes a record's quality score, optionally counting an
// access, and persists the new ranking state.
func (s *Store) touch(rec *Record, countAccess bool) error {
	now := s.now()
	if countAccess {
		rec.AccessCount++
		rec.LastAccessedAt = now.UnixMilli()
	}
	rec.QualityScore = rank.Score(rec.BaseScore, rec.AccessCount, millisTime(rec.LastAccessedAt), now)

	_, err := s.db.Exec(`UPDATE records
		SET access_count = ?, last_accessed_at = ?, quality_score = ?
		WHERE user_id = ? AND entity_type = ? AND key = ?`,
		rec.AccessCount, rec.LastAccessedAt, rec.QualityScore, s.userID, rec.Type, rec.Key)
	if err != nil {
		return err
	}
	s.mirror.put(rec)
	return nil
}

// Put writes a record through the quota guard. A rejected low-value
// write is dropped silently; a pending write must never be rejected. On
// a hard platform quota error the guard's last-resort cascade runs and
// the write is retried once; if that also fails the mirror keeps the
// only copy.
func (s *Store) Put(rec *Record) error {
	if !ValidType(rec.Type) {
		return fmt.Errorf("unknown entity type %q", rec.Type)
	}
	if rec.Key == "" {
		return fmt.Errorf("empty record key")
	}

	rec.SizeBytes = int64(len(rec.Payload))
	pending := rec.SyncStatus == Pending

	if s.guard != nil {
		decision, err := s.guard.BeforeWrite(rec.Type, rec.SizeBytes, pending)
		if err != nil {
			return fmt.Errorf("quota guard: %w", err)
		}
		if decision == Rejected {
			if pending {
				return fmt.Errorf("quota guard rejected a pending write for %s/%s", rec.Type, rec.Key)
			}
			return nil
		}
	}

	now := s.now()
	rec.CachedAt = now.UnixMilli()

	// Preserve access stats across refreshes of an existing row.
	var accessCount, lastAccessed int64
	err := s.db.QueryRow(`SELECT access_count, last_accessed_at FROM records
		WHERE user_id = ? AND entity_type = ? AND key = ?`, s.userID, rec.Type, rec.Key).
		Scan(&accessCount, &lastAccessed)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if accessCount > rec.AccessCount {
		rec.AccessCount = accessCount
	}
	if lastAccessed > rec.LastAccessedAt {
		rec.LastAccessedAt = lastAccessed
	}
	rec.QualityScore = rank.Score(rec.BaseScore, rec.AccessCount, millisTime(rec.LastAccessedAt), now)

	if err := s.upsert(rec); err != nil {
		if !isStorageFull(err) || s.guard == nil {
			return err
		}
		if gerr := s.guard.OnQuotaError(rec.Type); gerr != nil {
			s.mirror.put(rec)
			return apperr.Quota(err)
		}
		if err := s.upsert(rec); err != nil {
			s.mirror.put(rec)
			return apperr.Quota(err)
		}
	}
	s.mirror.put(rec)
	return nil
}

func (s *Store) upsert(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO records (user_id, entity_type, key, local_id, payload, size_bytes, sync_status,
			event_at, cached_at, base_score, quality_score, access_count, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity_type, key) DO UPDATE SET
			local_id = excluded.local_id,
			payload = excluded.payload,
			size_bytes = excluded.size_bytes,
			sync_status = excluded.sync_status,
			event_at = excluded.event_at,
			cached_at = excluded.cached_at,
			base_score = excluded.base_score,
			quality_score = excluded.quality_score,
			access_count = excluded.access_count,
			last_accessed_at = excluded.last_accessed_at`,
		s.userID, rec.Type, rec.Key, rec.LocalID, []byte(rec.Payload), rec.SizeBytes, rec.SyncStatus,
		rec.EventAt, rec.CachedAt, rec.BaseScore, rec.QualityScore, rec.AccessCount, rec.LastAccessedAt)
	return err
}

// Delete removes a record from both tiers.
func (s *Store) Delete(typ EntityType, key string) error {
	if !ValidType(typ) {
		return fmt.Errorf("unknown entity type %q", typ)
	}
	_, err := s.db.Exec(`DELETE FROM records WHERE user_id = ? AND entity_type = ? AND key = ?`,
		s.userID, typ, key)
	if err != nil {
		return err
	}
	s.mirror.delete(typ, key)
	return nil
}

// Rekey replaces the record identified by localID with rec under its
// server-assigned key, in one transaction and one mirror critical
// section: there is no window where neither key resolves.
func (s *Store) Rekey(typ EntityType, localID string, rec *Record) error {
	if localID == "" {
		return fmt.Errorf("empty local id")
	}
	if rec.Key == "" {
		return fmt.Errorf("empty server key")
	}

	rec.SizeBytes = int64(len(rec.Payload))
	rec.CachedAt = s.now().UnixMilli()
	rec.QualityScore = rank.Score(rec.BaseScore, rec.AccessCount, millisTime(rec.LastAccessedAt), s.now())

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var oldKey string
	err = tx.QueryRow(`SELECT key FROM records WHERE user_id = ? AND entity_type = ? AND local_id = ?`,
		s.userID, typ, localID).Scan(&oldKey)
	if err == sql.ErrNoRows {
		return fmt.Errorf("rekey: no record with local id %q", localID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM records WHERE user_id = ? AND entity_type = ? AND key = ?`,
		s.userID, typ, oldKey); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO records (user_id, entity_type, key, local_id, payload, size_bytes, sync_status,
			event_at, cached_at, base_score, quality_score, access_count, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.userID, typ, rec.Key, rec.LocalID, []byte(rec.Payload), rec.SizeBytes, rec.SyncStatus,
		rec.EventAt, rec.CachedAt, rec.BaseScore, rec.QualityScore, rec.AccessCount, rec.LastAccessedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rekey: %w", err)
	}

	s.mirror.rekey(typ, oldKey, rec)
	return nil
}

// ListByStatus returns all records of a type in a given sync status.
func (s *Store) ListByStatus(typ EntityType, status SyncStatus) ([]Record, error) {
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM records
		WHERE user_id = ? AND entity_type = ? AND sync_status = ?
		ORDER BY event_at DESC`, s.userID, typ, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// UsageBytes measures the persisted payload bytes for this user.
func (s *Store) UsageBytes() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(size_bytes), 0) FROM records WHERE user_id = ?`,
		s.userID).Scan(&n)
	return n, err
}

// Count returns the number of records of a type.
func (s *Store) Count(typ EntityType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE user_id = ? AND entity_type = ?`,
		s.userID, typ).Scan(&n)
	return n, err
}

// CountSynced returns the number of evictable (synced) records of a type.
func (s *Store) CountSynced(typ EntityType) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM records
		WHERE user_id = ? AND entity_type = ? AND sync_status = ?`,
		s.userID, typ, Synced).Scan(&n)
	return n, err
}

// TypesWithRecords returns the entity types that currently hold records.
func (s *Store) TypesWithRecords() ([]EntityType, error) {
	rows, err := s.db.Query(`SELECT DISTINCT entity_type FROM records WHERE user_id = ?`, s.userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var types []EntityType
	for rows.Next() {
		var t EntityType
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// EvictLowestSynced deletes the lowest-scoring synced records of a type
// until needBytes are freed or only keepFloor synced records remain.
// needBytes <= 0 evicts everything above the floor. Pending and failed
// records are never candidates.
func (s *Store) EvictLowestSynced(typ EntityType, keepFloor int, needBytes int64) (int64, int, error) {
	count, err := s.CountSynced(typ)
	if err != nil {
		return 0, 0, err
	}
	evictable := count - keepFloor
	if evictable <= 0 {
		return 0, 0, nil
	}

	rows, err := s.db.Query(`SELECT key, size_bytes FROM records
		WHERE user_id = ? AND entity_type = ? AND sync_status = ?
		ORDER BY quality_score ASC, event_at ASC
		LIMIT ?`, s.userID, typ, Synced, evictable)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	var freed int64
	for rows.Next() {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			return 0, 0, err
		}
		keys = append(keys, key)
		freed += size
		if needBytes > 0 && freed >= needBytes {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(keys) == 0 {
		return 0, 0, nil
	}

	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{s.userID, typ}
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.db.Exec(`DELETE FROM records
		WHERE user_id = ? AND entity_type = ? AND key IN (`+placeholders+`)`, args...); err != nil {
		return 0, 0, err
	}
	for _, k := range keys {
		s.mirror.delete(typ, k)
	}
	return freed, len(keys), nil
}

// WipeNonEssential drops all synced records, app state, and sync
// checkpoints for this user. Pending user writes and their queued
// operations survive; session/auth data lives outside this database and
// is untouched by construction.
func (s *Store) WipeNonEssential() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM records WHERE user_id = ? AND sync_status = ?`, s.userID, Synced); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM app_state WHERE user_id = ?`, s.userID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sync_state WHERE user_id = ?`, s.userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wipe: %w", err)
	}

	for _, t := range []EntityType{Messages, Conversations, Posts, Listings} {
		s.mirror.clearSynced(t)
	}
	return nil
}

// Invalidate removes every trace of this user from the cache, pending
// writes included. Used on logout or account switch.
func (s *Store) Invalidate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"records", "pending_operations", "app_state", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE user_id = ?`, s.userID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invalidate: %w", err)
	}
	s.mirror.reset()
	return nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].QualityScore != recs[j].QualityScore {
			return recs[i].QualityScore > recs[j].QualityScore
		}
		return recs[i].EventAt > recs[j].EventAt
	})
}

func millisTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
