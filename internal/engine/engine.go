// Package engine is the local-first facade over the cache: instant reads
// from the store, optimistic writes through the offline queue, and
// server reconciliation during sync passes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rfarah/trim/internal/api"
	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/delivery"
	"github.com/rfarah/trim/internal/rank"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

// Backend is the subset of the API client the engine needs.
type Backend interface {
	GetConversations(ctx context.Context) ([]api.Conversation, error)
	GetMessages(ctx context.Context, otherUserID string) ([]api.Message, error)
	SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.Message, error)
	MarkMessageRead(ctx context.Context, messageID string) error
	GetPosts(ctx context.Context) ([]api.Post, error)
	CreatePost(ctx context.Context, req api.CreatePostRequest) (*api.Post, error)
	GetBarbers(ctx context.Context) ([]api.Barber, error)
	GetFollows(ctx context.Context) ([]api.Follow, error)
}

// Engine serves one authenticated user's session.
type Engine struct {
	st     *store.Store
	client Backend
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	// kick requests an immediate sync pass; wired to the scheduler.
	kick func()

	mu      sync.Mutex
	aliases map[string]string // message local id -> server key after rekey
	gen     int64             // refresh generation; stale passes abandon their results
}

// New creates an engine over the given store and backend. It subscribes
// to dead-letter events so abandoned operations surface as failed
// records.
func New(st *store.Store, client Backend, b *bus.Bus, logger *zap.Logger) *Engine {
	e := &Engine{
		st:      st,
		client:  client,
		bus:     b,
		logger:  logger,
		now:     time.Now,
		kick:    func() {},
		aliases: make(map[string]string),
	}
	b.Subscribe(bus.KindOperationDead, e.onOperationDead)
	return e
}

// SetKicker installs the scheduler trigger called after optimistic
// writes.
func (e *Engine) SetKicker(kick func()) {
	if kick != nil {
		e.kick = kick
	}
}

// resolveMessageKey maps a possibly stale local id to the current record
// key.
func (e *Engine) resolveMessageKey(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.aliases[id]; ok {
		return key
	}
	return id
}

func (e *Engine) addAlias(localID, serverKey string) {
	e.mu.Lock()
	e.aliases[localID] = serverKey
	e.mu.Unlock()
}

// SendMessage creates the message optimistically and queues it for
// delivery. The returned message is immediately visible with status
// "sending"; confirmation arrives later as a message.updated event.
func (e *Engine) SendMessage(receiverID, content string) (*ChatMessage, error) {
	if receiverID == "" || content == "" {
		return nil, fmt.Errorf("receiver and content are required")
	}

	now := e.now()
	msg := &ChatMessage{
		LocalID:        uuid.NewString(),
		ConversationID: receiverID,
		Content:        content,
		Mine:           true,
		Status:         delivery.Sending,
		SentAt:         now,
	}

	rec, err := messageRecord(msg, store.Pending, now)
	if err != nil {
		return nil, err
	}
	if err := e.st.Put(rec); err != nil {
		return nil, fmt.Errorf("cache message: %w", err)
	}

	payload, err := json.Marshal(sendMessageOp{
		LocalID:    msg.LocalID,
		ReceiverID: receiverID,
		Content:    content,
	})
	if err != nil {
		return nil, err
	}
	if err := e.st.EnqueueOperation(&store.PendingOperation{
		ID:            uuid.NewString(),
		Kind:          store.OpSendMessage,
		Payload:       payload,
		TargetLocalID: msg.LocalID,
	}); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}

	e.bus.Publish(bus.MessageAdded{Record: *rec})
	e.kick()
	return msg, nil
}

// RetryMessage re-enters a failed message into the delivery pipeline.
func (e *Engine) RetryMessage(localID string) error {
	rec, err := e.st.GetByLocalID(store.Messages, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no message with local id %q", localID)
	}
	msg, err := store.Decode[ChatMessage](rec)
	if err != nil {
		return err
	}

	next, err := delivery.Transition(msg.Status, delivery.Sending)
	if err != nil {
		return err
	}
	msg.Status = next

	rec.Payload, err = json.Marshal(msg)
	if err != nil {
		return err
	}
	rec.SyncStatus = store.Pending
	if err := e.st.Put(rec); err != nil {
		return err
	}

	op, err := e.st.OperationByTarget(localID)
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("no queued operation for message %q", localID)
	}
	if err := e.st.RequeueOperation(op.ID); err != nil {
		return err
	}

	e.bus.Publish(bus.MessageUpdated{Record: *rec})
	e.kick()
	return nil
}

// MarkAsRead records a read receipt locally and queues it for the
// server. Marking an already read message is a no-op.
func (e *Engine) MarkAsRead(messageID string) error {
	key := e.resolveMessageKey(messageID)
	rec, err := e.st.Get(store.Messages, key)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no message %q", messageID)
	}
	msg, err := store.Decode[ChatMessage](rec)
	if err != nil {
		return err
	}
	if msg.Status == delivery.Read {
		return nil
	}

	next, err := delivery.Transition(msg.Status, delivery.Read)
	if err != nil {
		return err
	}
	msg.Status = next

	rec.Payload, err = json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.st.Put(rec); err != nil {
		return err
	}

	payload, err := json.Marshal(markReadOp{MessageID: key})
	if err != nil {
		return err
	}
	if err := e.st.EnqueueOperation(&store.PendingOperation{
		ID:            uuid.NewString(),
		Kind:          store.OpMarkRead,
		Payload:       payload,
		TargetLocalID: key,
	}); err != nil {
		return err
	}

	e.bus.Publish(bus.MessageUpdated{Record: *rec})
	e.kick()
	return nil
}

// MarkConversationRead marks every delivered inbound message of a
// conversation as read. Idempotent: messages already read contribute
// nothing.
func (e *Engine) MarkConversationRead(conversationID string) error {
	msgs, err := e.Messages(conversationID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Mine || msg.Status != delivery.Delivered {
			continue
		}
		key := msg.ID
		if key == "" {
			key = msg.LocalID
		}
		if err := e.MarkAsRead(key); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate wipes every trace of this user's session from the cache,
// pending writes included. Called on logout or account switch.
func (e *Engine) Invalidate() error {
	if err := e.st.Invalidate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.aliases = make(map[string]string)
	e.mu.Unlock()
	return nil
}

// CreatePost publishes a post optimistically; it appears in the feed
// marked pending until the server confirms it.
func (e *Engine) CreatePost(caption, imageURL string) (*Post, error) {
	if caption == "" && imageURL == "" {
		return nil, fmt.Errorf("post needs a caption or image")
	}

	now := e.now()
	post := &Post{
		LocalID:   uuid.NewString(),
		AuthorID:  e.st.UserID(),
		Caption:   caption,
		ImageURL:  imageURL,
		CreatedAt: now,
		Pending:   true,
	}

	rec, err := postRecord(post, store.Pending, now)
	if err != nil {
		return nil, err
	}
	if err := e.st.Put(rec); err != nil {
		return nil, fmt.Errorf("cache post: %w", err)
	}

	payload, err := json.Marshal(createPostOp{
		LocalID:  post.LocalID,
		Caption:  caption,
		ImageURL: imageURL,
	})
	if err != nil {
		return nil, err
	}
	if err := e.st.EnqueueOperation(&store.PendingOperation{
		ID:            uuid.NewString(),
		Kind:          store.OpCreatePost,
		Payload:       payload,
		TargetLocalID: post.LocalID,
	}); err != nil {
		return nil, fmt.Errorf("queue post: %w", err)
	}

	e.bus.Publish(bus.PostsUpdated{Count: 1})
	e.kick()
	return post, nil
}

// Conversations returns cached thread summaries, best ranked first. The
// unread count is derived from cached messages where history is cached,
// so locally read messages are reflected before the server confirms.
func (e *Engine) Conversations() ([]Conversation, error) {
	recs, err := e.st.GetAll(store.Conversations)
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(recs))
	for i := range recs {
		conv, err := store.Decode[Conversation](&recs[i])
		if err != nil {
			return nil, err
		}
		if derived, ok, err := e.derivedUnread(conv.OtherUserID); err != nil {
			return nil, err
		} else if ok {
			conv.UnreadCount = derived
		}
		out = append(out, conv)
	}
	return out, nil
}

// derivedUnread counts cached inbound messages not yet read for one
// conversation. ok is false when no message history is cached.
func (e *Engine) derivedUnread(conversationID string) (int, bool, error) {
	recs, err := e.st.GetAll(store.Messages)
	if err != nil {
		return 0, false, err
	}
	found := false
	unread := 0
	for i := range recs {
		msg, err := store.Decode[ChatMessage](&recs[i])
		if err != nil {
			return 0, false, err
		}
		if msg.ConversationID != conversationID {
			continue
		}
		found = true
		if !msg.Mine && msg.Status != delivery.Read {
			unread++
		}
	}
	return unread, found, nil
}

// Messages returns the cached history of one conversation, newest first.
func (e *Engine) Messages(conversationID string) ([]ChatMessage, error) {
	recs, err := e.st.GetAll(store.Messages)
	if err != nil {
		return nil, err
	}

	var out []ChatMessage
	for i := range recs {
		msg, err := store.Decode[ChatMessage](&recs[i])
		if err != nil {
			return nil, err
		}
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// PostsInstant serves the feed from the memory mirror with zero I/O,
// falling back to the persistent tier on a cold mirror.
func (e *Engine) PostsInstant(n int) ([]Post, error) {
	recs := e.st.InstantPage(store.Posts, n)
	if len(recs) == 0 {
		var err error
		recs, err = e.st.GetPage(store.Posts, 1, n)
		if err != nil {
			return nil, err
		}
	}
	return decodeAll[Post](recs)
}

// BarbersInstant serves the barber directory from the memory mirror,
// falling back to the persistent tier on a cold mirror.
func (e *Engine) BarbersInstant(n int) ([]Barber, error) {
	recs := e.st.InstantPage(store.Listings, n)
	if len(recs) == 0 {
		var err error
		recs, err = e.st.GetPage(store.Listings, 1, n)
		if err != nil {
			return nil, err
		}
	}
	return decodeAll[Barber](recs)
}

// Posts returns one page of the cached feed from the persistent tier.
func (e *Engine) Posts(page, pageSize int) ([]Post, error) {
	recs, err := e.st.GetPage(store.Posts, page, pageSize)
	if err != nil {
		return nil, err
	}
	return decodeAll[Post](recs)
}

// Barbers returns one page of the cached directory.
func (e *Engine) Barbers(page, pageSize int) ([]Barber, error) {
	recs, err := e.st.GetPage(store.Listings, page, pageSize)
	if err != nil {
		return nil, err
	}
	return decodeAll[Barber](recs)
}

// DeadOperations exposes dead-lettered writes so they can be surfaced
// and manually requeued.
func (e *Engine) DeadOperations() ([]store.PendingOperation, error) {
	return e.st.DeadOperations()
}

// SaveViewState persists UI-resumption data for this session.
func (e *Engine) SaveViewState(key string, value []byte) error {
	return e.st.SaveViewState(key, value)
}

// ViewState returns saved UI-resumption data, or (nil, nil) when unset.
func (e *Engine) ViewState(key string) ([]byte, error) {
	return e.st.ViewState(key)
}

// onOperationDead marks the target record as definitively failed when
// its queued operation is abandoned.
func (e *Engine) onOperationDead(evt bus.Event) {
	dead, ok := evt.(bus.OperationDead)
	if !ok {
		return
	}

	rec, err := e.st.GetByLocalID(store.Messages, dead.TargetLocalID)
	if err != nil || rec == nil {
		e.failPost(dead)
		return
	}

	msg, err := store.Decode[ChatMessage](rec)
	if err != nil {
		return
	}
	if next, terr := delivery.Transition(msg.Status, delivery.Failed); terr == nil {
		msg.Status = next
	}
	rec.Payload, err = json.Marshal(msg)
	if err != nil {
		return
	}
	rec.SyncStatus = store.FailedSync
	if err := e.st.Put(rec); err != nil {
		e.logger.Error("failed to mark message failed", zap.Error(err), zap.String("local_id", dead.TargetLocalID))
		return
	}
	e.bus.Publish(bus.MessageFailed{
		MessageID:      msg.LocalID,
		ConversationID: msg.ConversationID,
		Reason:         dead.Reason,
	})
}

func (e *Engine) failPost(dead bus.OperationDead) {
	rec, err := e.st.GetByLocalID(store.Posts, dead.TargetLocalID)
	if err != nil || rec == nil {
		return
	}
	rec.SyncStatus = store.FailedSync
	if err := e.st.Put(rec); err != nil {
		e.logger.Error("failed to mark post failed", zap.Error(err), zap.String("local_id", dead.TargetLocalID))
	}
}

func decodeAll[T any](recs []store.Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	for i := range recs {
		v, err := store.Decode[T](&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// messageRecord wraps a chat message in its cache envelope.
func messageRecord(msg *ChatMessage, status store.SyncStatus, now time.Time) (*store.Record, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	key := msg.ID
	if key == "" {
		key = msg.LocalID
	}
	return &store.Record{
		Type:       store.Messages,
		Key:        key,
		LocalID:    msg.LocalID,
		Payload:    payload,
		SyncStatus: status,
		EventAt:    msg.SentAt.UnixMilli(),
		BaseScore:  rank.MessageBase(msg.SentAt, now),
	}, nil
}

// postRecord wraps a post in its cache envelope.
func postRecord(post *Post, status store.SyncStatus, now time.Time) (*store.Record, error) {
	payload, err := json.Marshal(post)
	if err != nil {
		return nil, err
	}
	key := post.ID
	if key == "" {
		key = post.LocalID
	}
	return &store.Record{
		Type:       store.Posts,
		Key:        key,
		LocalID:    post.LocalID,
		Payload:    payload,
		SyncStatus: status,
		EventAt:    post.CreatedAt.UnixMilli(),
		BaseScore:  rank.PostBase(post.LikeCount, post.CommentCount, post.CreatedAt, now),
	}, nil
}
