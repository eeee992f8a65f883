package bus

import "github.com/rfarah/trim/internal/store"

// Kind identifies an event type on the bus.
type Kind string

const (
	KindMessageAdded         Kind = "message.added"
	KindMessageUpdated       Kind = "message.updated"
	KindMessageFailed        Kind = "message.failed"
	KindConversationsLoaded  Kind = "conversations.loaded"
	KindPostsUpdated         Kind = "posts.updated"
	KindListingsUpdated      Kind = "listings.updated"
	KindNetworkStatusChanged Kind = "network.status_changed"
	KindRecordsEvicted       Kind = "cache.records_evicted"
	KindOperationDead        Kind = "queue.operation_dead"
)

// Event is the closed set of notifications the cache publishes to the
// rendering layer. Each kind pairs with exactly one payload type, so a
// subscriber can type-assert without guessing.
type Event interface {
	Kind() Kind
}

// MessageAdded fires when a new message record lands in the cache,
// optimistic or server-confirmed.
type MessageAdded struct {
	Record store.Record
}

func (MessageAdded) Kind() Kind { return KindMessageAdded }

// MessageUpdated fires when an existing message changes, including the
// local-id to server-id rekeying: OldLocalID is set exactly when the
// record moved to a new key, so subscribers can drop stale references.
type MessageUpdated struct {
	OldLocalID string
	Record     store.Record
}

func (MessageUpdated) Kind() Kind { return KindMessageUpdated }

// MessageFailed fires when delivery of a message definitively failed and
// the user must retry explicitly.
type MessageFailed struct {
	MessageID      string
	ConversationID string
	Reason         string
}

func (MessageFailed) Kind() Kind { return KindMessageFailed }

// ConversationsLoaded fires after a conversation refresh lands.
type ConversationsLoaded struct {
	Count int
}

func (ConversationsLoaded) Kind() Kind { return KindConversationsLoaded }

// PostsUpdated fires after a feed refresh lands.
type PostsUpdated struct {
	Count int
}

func (PostsUpdated) Kind() Kind { return KindPostsUpdated }

// ListingsUpdated fires after a provider listing refresh lands.
type ListingsUpdated struct {
	Count int
}

func (ListingsUpdated) Kind() Kind { return KindListingsUpdated }

// NetworkStatusChanged fires on online/offline transitions. The
// rendering layer shows this once as a connectivity banner; per-record
// failures carry their own events.
type NetworkStatusChanged struct {
	Online bool
}

func (NetworkStatusChanged) Kind() Kind { return KindNetworkStatusChanged }

// RecordsEvicted reports a quota guard eviction pass.
type RecordsEvicted struct {
	Type       store.EntityType
	Count      int
	FreedBytes int64
}

func (RecordsEvicted) Kind() Kind { return KindRecordsEvicted }

// OperationDead fires when a queued operation exhausts its retry budget
// or is definitively rejected.
type OperationDead struct {
	OperationID   string
	TargetLocalID string
	Reason        string
}

func (OperationDead) Kind() Kind { return KindOperationDead }
