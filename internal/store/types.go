package store

import "encoding/json"

// EntityType names a logical cache table.
type EntityType string

const (
	Messages      EntityType = "messages"
	Conversations EntityType = "conversations"
	Posts         EntityType = "posts"
	Listings      EntityType = "listings"
)

// ValidType reports whether t is a known entity type.
func ValidType(t EntityType) bool {
	switch t {
	case Messages, Conversations, Posts, Listings:
		return true
	}
	return false
}

// SyncStatus tells whether the server has confirmed a record.
type SyncStatus string

const (
	// Synced records came from (or were confirmed by) the server and are
	// fair game for eviction.
	Synced SyncStatus = "synced"
	// Pending records are unconfirmed local writes. They carry a local id
	// and must never be evicted.
	Pending SyncStatus = "pending"
	// FailedSync records are local writes the server definitively
	// rejected; they stay visible so the user can retry or discard.
	FailedSync SyncStatus = "failed"
)

// Record is the envelope wrapping any cached entity. Payload is the
// serialized domain object; the envelope carries everything the cache
// needs to rank, evict, and reconcile it.
type Record struct {
	Type           EntityType
	Key            string
	LocalID        string
	Payload        json.RawMessage
	SizeBytes      int64
	SyncStatus     SyncStatus
	EventAt        int64 // domain timestamp (ms) used for newest-first ordering
	CachedAt       int64
	BaseScore      float64
	QualityScore   float64
	AccessCount    int64
	LastAccessedAt int64
}

// Decode unmarshals a record payload into the domain type.
func Decode[T any](r *Record) (T, error) {
	var v T
	err := json.Unmarshal(r.Payload, &v)
	return v, err
}

// OpKind names a queued offline write.
type OpKind string

const (
	OpSendMessage OpKind = "send_message"
	OpCreatePost  OpKind = "create_post"
	OpMarkRead    OpKind = "mark_read"
)

// OpStatus is the queue lifecycle state of a pending operation.
type OpStatus string

const (
	OpQueued   OpStatus = "queued"
	OpInFlight OpStatus = "inflight"
	// OpDead marks an abandoned operation. Dead operations are surfaced
	// to the user as failed records, never silently dropped.
	OpDead OpStatus = "dead"
)

// PendingOperation is a durable queue entry for a write that has not
// reached the server yet.
type PendingOperation struct {
	ID            string
	Kind          OpKind
	Payload       json.RawMessage
	TargetLocalID string
	Status        OpStatus
	RetryCount    int
	NextRetryAt   int64
	LastError     string
	CreatedAt     int64
}
