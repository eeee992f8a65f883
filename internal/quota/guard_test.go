package quota

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

func testStore(t *testing.T, cfg Config) (*store.Store, *Guard) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewStore(db, "user-1", 500)
	g := NewGuard(st, bus.New(), zap.NewNop(), cfg)
	st.SetGuard(g)
	return st, g
}

// payload returns a JSON payload of roughly n bytes.
func payload(id string, n int) json.RawMessage {
	pad := strings.Repeat("x", n)
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"pad":%q}`, id, pad))
}

func put(t *testing.T, st *store.Store, typ store.EntityType, key string, status store.SyncStatus, score float64, size int) {
	t.Helper()
	rec := &store.Record{
		Type:       typ,
		Key:        key,
		Payload:    payload(key, size),
		SyncStatus: status,
		BaseScore:  score,
	}
	if status == store.Pending {
		rec.LocalID = key
	}
	if err := st.Put(rec); err != nil {
		t.Fatal(err)
	}
}

func TestProceedUnderCeiling(t *testing.T) {
	st, g := testStore(t, Config{CeilingBytes: 1 << 20})
	put(t, st, store.Posts, "p1", store.Synced, 1, 100)

	d, err := g.BeforeWrite(store.Posts, 100, false)
	if err != nil {
		t.Fatal(err)
	}
	if d != store.Proceed {
		t.Errorf("decision = %v, want Proceed", d)
	}
}

func TestEvictsOtherTypesFirst(t *testing.T) {
	st, _ := testStore(t, Config{CeilingBytes: 10_000, MinRetainedPerType: 3})

	// Fill two types to near the ceiling.
	for i := 0; i < 20; i++ {
		put(t, st, store.Listings, fmt.Sprintf("l%d", i), store.Synced, float64(i), 250)
	}
	for i := 0; i < 20; i++ {
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), store.Synced, float64(i), 250)
	}

	// A modest post write should be satisfied entirely by evicting
	// listings (the other type); posts stay intact.
	put(t, st, store.Posts, "new", store.Synced, 100, 250)

	posts, err := st.CountSynced(store.Posts)
	if err != nil {
		t.Fatal(err)
	}
	listings, err := st.CountSynced(store.Listings)
	if err != nil {
		t.Fatal(err)
	}
	if posts != 21 {
		t.Errorf("posts = %d, want all 21 retained", posts)
	}
	if listings >= 20 {
		t.Errorf("listings = %d, want some evicted to make room", listings)
	}
	if listings < 3 {
		t.Errorf("listings = %d, below retention floor 3", listings)
	}
}

func TestSameTypeEvictedWhenOthersExhausted(t *testing.T) {
	st, _ := testStore(t, Config{CeilingBytes: 3_000, MinRetainedPerType: 2})

	for i := 0; i < 10; i++ {
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), store.Synced, float64(i), 300)
	}
	put(t, st, store.Posts, "new", store.Synced, 100, 300)

	count, err := st.CountSynced(store.Posts)
	if err != nil {
		t.Fatal(err)
	}
	if count >= 11 {
		t.Errorf("posts = %d, want same-type eviction once no other type has records", count)
	}
	if count < 2 {
		t.Errorf("posts = %d, below retention floor", count)
	}
}

func TestLowValueWriteRejectedAtFloor(t *testing.T) {
	st, g := testStore(t, Config{CeilingBytes: 1_000, MinRetainedPerType: 10})

	// Floor above record count: nothing is evictable.
	for i := 0; i < 5; i++ {
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), store.Synced, float64(i), 150)
	}

	d, err := g.BeforeWrite(store.Posts, 500, false)
	if err != nil {
		t.Fatal(err)
	}
	if d != store.Rejected {
		t.Errorf("decision = %v, want Rejected when nothing can be evicted", d)
	}

	// The same write as a pending user write must proceed anyway.
	d, err = g.BeforeWrite(store.Posts, 500, true)
	if err != nil {
		t.Fatal(err)
	}
	if d == store.Rejected {
		t.Error("pending writes must never be rejected for quota")
	}
}

// TestWriteStormPreservesPending simulates a write storm exceeding the
// ceiling and asserts every pending record written survives.
func TestWriteStormPreservesPending(t *testing.T) {
	st, _ := testStore(t, Config{CeilingBytes: 8_000, MinRetainedPerType: 3})

	for i := 0; i < 100; i++ {
		status := store.Synced
		if i%10 == 0 {
			status = store.Pending
		}
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), status, float64(i%7), 400)
	}

	pending, err := st.ListByStatus(store.Posts, store.Pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 10 {
		t.Errorf("pending survivors = %d, want all 10 written during the storm", len(pending))
	}
}

// TestEvictionUnderPressureSparesPendingPost is the concrete scenario:
// 200 synced posts cached, one pending offline post added, ceiling at
// current usage. Eviction must only remove synced posts down to the
// floor, never the pending post.
func TestEvictionUnderPressureSparesPendingPost(t *testing.T) {
	st, g := testStore(t, Config{CeilingBytes: 1 << 20, MinRetainedPerType: 5})

	for i := 0; i < 200; i++ {
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), store.Synced, float64(i), 200)
	}
	put(t, st, store.Posts, "local-draft", store.Pending, -1, 200)

	usage, err := st.UsageBytes()
	if err != nil {
		t.Fatal(err)
	}
	// Shrink the ceiling to current usage and force a large write.
	g.ceiling = usage
	d, err := g.BeforeWrite(store.Posts, 10_000, false)
	if err != nil {
		t.Fatal(err)
	}
	if d == store.Rejected {
		t.Fatalf("eviction should have made room, got Rejected")
	}

	synced, err := st.CountSynced(store.Posts)
	if err != nil {
		t.Fatal(err)
	}
	if synced >= 200 {
		t.Errorf("synced posts = %d, want evictions", synced)
	}
	if synced < 5 {
		t.Errorf("synced posts = %d, below floor", synced)
	}
	if rec, _ := st.GetByLocalID(store.Posts, "local-draft"); rec == nil {
		t.Fatal("pending post evicted under quota pressure")
	}
}

func TestEvictionPublishesEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	var evicted []bus.RecordsEvicted
	defer b.Subscribe(bus.KindRecordsEvicted, func(evt bus.Event) {
		evicted = append(evicted, evt.(bus.RecordsEvicted))
	})()

	st := store.NewStore(db, "user-1", 500)
	g := NewGuard(st, b, zap.NewNop(), Config{CeilingBytes: 2_000, MinRetainedPerType: 2})
	st.SetGuard(g)

	for i := 0; i < 10; i++ {
		put(t, st, store.Posts, fmt.Sprintf("p%d", i), store.Synced, float64(i), 300)
	}

	if len(evicted) == 0 {
		t.Fatal("expected eviction events on the bus")
	}
	if evicted[0].Count == 0 || evicted[0].FreedBytes == 0 {
		t.Errorf("event = %+v, want populated counts", evicted[0])
	}
}

func TestOnQuotaErrorWipes(t *testing.T) {
	st, g := testStore(t, Config{CeilingBytes: 1 << 20})
	put(t, st, store.Posts, "p1", store.Synced, 1, 100)
	put(t, st, store.Messages, "local-1", store.Pending, 1, 100)

	if err := g.OnQuotaError(store.Posts); err != nil {
		t.Fatal(err)
	}
	if rec, _ := st.Get(store.Posts, "p1"); rec != nil {
		t.Error("synced record should be wiped by last resort")
	}
	if rec, _ := st.GetByLocalID(store.Messages, "local-1"); rec == nil {
		t.Error("pending write must survive the last-resort wipe")
	}
}
