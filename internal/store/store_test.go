package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testDB(t), "user-1", 50)
}

func postRecord(key string, score float64, eventAt int64) *Record {
	return &Record{
		Type:       Posts,
		Key:        key,
		Payload:    json.RawMessage(`{"id":"` + key + `"}`),
		SyncStatus: Synced,
		EventAt:    eventAt,
		BaseScore:  score,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	s := testStore(t)

	if err := s.Put(postRecord("p1", 10, 1000)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Get(Posts, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("record not found after Put")
	}
	if rec.SyncStatus != Synced {
		t.Errorf("sync status = %s, want synced", rec.SyncStatus)
	}
	if rec.AccessCount != 1 {
		t.Errorf("access count = %d, want 1 after one Get", rec.AccessCount)
	}

	post, err := Decode[map[string]string](rec)
	if err != nil {
		t.Fatal(err)
	}
	if post["id"] != "p1" {
		t.Errorf("payload id = %q, want p1", post["id"])
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	s := testStore(t)
	rec, err := s.Get(Posts, "missing")
	if err != nil {
		t.Fatalf("cache miss should not error: %v", err)
	}
	if rec != nil {
		t.Errorf("got %v, want nil", rec)
	}
}

func TestGetInvalidTypeErrors(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get(EntityType("bogus"), "k"); err == nil {
		t.Error("unknown entity type should be a programmer error")
	}
}

func TestUserNamespaceIsolation(t *testing.T) {
	db := testDB(t)
	alice := NewStore(db, "alice", 50)
	bob := NewStore(db, "bob", 50)

	if err := alice.Put(postRecord("p1", 1, 1)); err != nil {
		t.Fatal(err)
	}

	rec, err := bob.Get(Posts, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Error("bob must not see alice's records")
	}
}

func TestGetPageOrderedByScore(t *testing.T) {
	s := testStore(t)

	for i, score := range []float64{5, 50, 20} {
		if err := s.Put(postRecord(fmt.Sprintf("p%d", i), score, int64(i))); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.GetPage(Posts, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 {
		t.Fatalf("got %d records, want 3", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].QualityScore > page[i-1].QualityScore {
			t.Errorf("page not sorted descending at %d: %v > %v", i, page[i].QualityScore, page[i-1].QualityScore)
		}
	}
	if page[0].Key != "p1" {
		t.Errorf("top record = %s, want p1 (score 50)", page[0].Key)
	}
}

func TestAccessReordersPage(t *testing.T) {
	s := testStore(t)

	if err := s.Put(postRecord("cold", 10, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(postRecord("hot", 9, 2)); err != nil {
		t.Fatal(err)
	}

	// Open "hot" repeatedly; its frequency weight should overtake "cold".
	for i := 0; i < 5; i++ {
		if _, err := s.Get(Posts, "hot"); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.GetPage(Posts, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if page[0].Key != "hot" {
		t.Errorf("top record = %s, want hot after repeated access", page[0].Key)
	}
}

func TestGetPagePagination(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		if err := s.Put(postRecord(fmt.Sprintf("p%d", i), float64(i), int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	page2, err := s.GetPage(Posts, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Errorf("page 2 size = %d, want 2", len(page2))
	}
}

func TestRekeyReplacesLocalRecord(t *testing.T) {
	s := testStore(t)

	local := &Record{
		Type:       Messages,
		Key:        "local-abc",
		LocalID:    "local-abc",
		Payload:    json.RawMessage(`{"content":"hi"}`),
		SyncStatus: Pending,
		EventAt:    100,
	}
	if err := s.Put(local); err != nil {
		t.Fatal(err)
	}

	confirmed := &Record{
		Type:       Messages,
		Key:        "srv-1",
		Payload:    json.RawMessage(`{"content":"hi","id":"srv-1"}`),
		SyncStatus: Synced,
		EventAt:    100,
	}
	if err := s.Rekey(Messages, "local-abc", confirmed); err != nil {
		t.Fatal(err)
	}

	old, err := s.Get(Messages, "local-abc")
	if err != nil {
		t.Fatal(err)
	}
	if old != nil {
		t.Error("local-id record should be superseded after rekey")
	}
	now, err := s.Get(Messages, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if now == nil {
		t.Fatal("server-id record missing after rekey")
	}
	if now.SyncStatus != Synced {
		t.Errorf("sync status = %s, want synced", now.SyncStatus)
	}
}

func TestRekeyUnknownLocalID(t *testing.T) {
	s := testStore(t)
	err := s.Rekey(Messages, "nope", postRecord("x", 0, 0))
	if err == nil {
		t.Error("rekey of unknown local id should fail")
	}
}

func TestEvictLowestSyncedSkipsPending(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 10; i++ {
		if err := s.Put(postRecord(fmt.Sprintf("synced-%d", i), float64(i), int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	pending := &Record{
		Type:       Posts,
		Key:        "local-draft",
		LocalID:    "local-draft",
		Payload:    json.RawMessage(`{"draft":true}`),
		SyncStatus: Pending,
		BaseScore:  -100, // worst score of all; still must survive
	}
	if err := s.Put(pending); err != nil {
		t.Fatal(err)
	}

	freed, evicted, err := s.EvictLowestSynced(Posts, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 7 {
		t.Errorf("evicted %d, want 7 (10 synced minus floor 3)", evicted)
	}
	if freed <= 0 {
		t.Error("freed bytes should be positive")
	}

	rec, err := s.Get(Posts, "local-draft")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("pending record was evicted; unsynced user data lost")
	}
}

func TestEvictRespectsFloor(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Put(postRecord(fmt.Sprintf("p%d", i), float64(i), int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	_, evicted, err := s.EvictLowestSynced(Posts, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 0 {
		t.Errorf("evicted %d records below the retention floor", evicted)
	}
}

func TestUsageBytesMeasured(t *testing.T) {
	s := testStore(t)
	payload := json.RawMessage(`{"id":"p1","body":"0123456789"}`)
	if err := s.Put(&Record{Type: Posts, Key: "p1", Payload: payload, SyncStatus: Synced}); err != nil {
		t.Fatal(err)
	}
	usage, err := s.UsageBytes()
	if err != nil {
		t.Fatal(err)
	}
	if usage != int64(len(payload)) {
		t.Errorf("usage = %d, want %d (measured, not assumed)", usage, len(payload))
	}
}

func TestWipeNonEssentialPreservesPending(t *testing.T) {
	s := testStore(t)

	if err := s.Put(postRecord("synced", 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(&Record{
		Type: Messages, Key: "local-1", LocalID: "local-1",
		Payload: json.RawMessage(`{}`), SyncStatus: Pending,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveViewState("scroll", []byte("42")); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueOperation(&PendingOperation{
		ID: "op1", Kind: OpSendMessage, Payload: json.RawMessage(`{}`), TargetLocalID: "local-1",
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.WipeNonEssential(); err != nil {
		t.Fatal(err)
	}

	if rec, _ := s.Get(Posts, "synced"); rec != nil {
		t.Error("synced record should be wiped")
	}
	if rec, _ := s.Get(Messages, "local-1"); rec == nil {
		t.Error("pending record must survive the wipe")
	}
	if v, _ := s.ViewState("scroll"); v != nil {
		t.Error("app state should be wiped")
	}
	ops, err := s.DueOperations(time.Now().UnixMilli())
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Errorf("queued operations must survive the wipe, got %d", len(ops))
	}
}

func TestInvalidateRemovesEverything(t *testing.T) {
	s := testStore(t)
	if err := s.Put(postRecord("p1", 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueueOperation(&PendingOperation{
		ID: "op1", Kind: OpCreatePost, Payload: json.RawMessage(`{}`), TargetLocalID: "t",
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Invalidate(); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.Get(Posts, "p1"); rec != nil {
		t.Error("records should be gone after invalidate")
	}
	ops, _ := s.DueOperations(time.Now().UnixMilli())
	if len(ops) != 0 {
		t.Error("operations should be gone after invalidate")
	}
}

func TestInstantPageServedFromMirror(t *testing.T) {
	db := testDB(t)
	s := NewStore(db, "u", 50)

	if err := s.Put(postRecord("p1", 10, 1)); err != nil {
		t.Fatal(err)
	}

	instant := s.InstantPage(Posts, 10)
	if len(instant) != 1 || instant[0].Key != "p1" {
		t.Fatalf("instant page = %v, want [p1]", instant)
	}

	// A fresh store over the same DB has a cold mirror until warmed.
	cold := NewStore(db, "u", 50)
	if got := cold.InstantPage(Posts, 10); len(got) != 0 {
		t.Errorf("cold mirror should be empty, got %d", len(got))
	}
	if err := cold.WarmMirror(Posts); err != nil {
		t.Fatal(err)
	}
	if got := cold.InstantPage(Posts, 10); len(got) != 1 {
		t.Errorf("warmed mirror should hold 1 record, got %d", len(got))
	}
}

func TestMirrorBounded(t *testing.T) {
	s := NewStore(testDB(t), "u", 3)
	for i := 0; i < 10; i++ {
		if err := s.Put(postRecord(fmt.Sprintf("p%d", i), float64(i), int64(i))); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(s.InstantPage(Posts, 0)); got != 3 {
		t.Errorf("mirror holds %d records, want 3 (top-N bound)", got)
	}
	// Highest scores survive in memory.
	top := s.InstantPage(Posts, 1)
	if top[0].Key != "p9" {
		t.Errorf("hottest mirrored record = %s, want p9", top[0].Key)
	}
	// Evicted-from-mirror records still readable from the persistent tier.
	rec, err := s.Get(Posts, "p0")
	if err != nil || rec == nil {
		t.Errorf("record outside mirror should fall through to disk: %v %v", rec, err)
	}
}

func TestViewStateRoundtrip(t *testing.T) {
	s := testStore(t)
	if v, err := s.ViewState("filters"); err != nil || v != nil {
		t.Fatalf("missing view state should be (nil, nil), got %v %v", v, err)
	}
	if err := s.SaveViewState("filters", []byte(`{"city":"amman"}`)); err != nil {
		t.Fatal(err)
	}
	v, err := s.ViewState("filters")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != `{"city":"amman"}` {
		t.Errorf("view state = %s", v)
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	s := testStore(t)
	if v, err := s.Checkpoint("messages.cursor"); err != nil || v != "" {
		t.Fatalf("unset checkpoint should be empty, got %q %v", v, err)
	}
	if err := s.SetCheckpoint("messages.cursor", "1700000000000"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCheckpoint("messages.cursor", "1700000000500"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Checkpoint("messages.cursor")
	if err != nil {
		t.Fatal(err)
	}
	if v != "1700000000500" {
		t.Errorf("checkpoint = %q, want updated value", v)
	}
}
