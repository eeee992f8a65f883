package engine

import (
	"context"
	"encoding/json"

	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/rank"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

// Refresh pulls fresh server data into the cache: conversations first
// (they drive the most visible screen), then changed message histories,
// then the feed and the directory. A refresh superseded by a newer one
// abandons its remaining work instead of overwriting newer results.
func (e *Engine) Refresh(ctx context.Context) error {
	gen := e.nextGen()

	if err := e.refreshConversations(ctx, gen); err != nil {
		return err
	}
	if err := e.refreshPosts(ctx, gen); err != nil {
		return err
	}
	return e.refreshBarbers(ctx, gen)
}

func (e *Engine) nextGen() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	return e.gen
}

func (e *Engine) stale(gen int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen != gen
}

func (e *Engine) refreshConversations(ctx context.Context, gen int64) error {
	convos, err := e.client.GetConversations(ctx)
	if err != nil {
		return err
	}
	if e.stale(gen) {
		return nil
	}

	for i := range convos {
		conv := fromAPIConversation(&convos[i])

		// A server refresh must not clobber a locally pinned thread.
		if prev, err := e.st.Get(store.Conversations, conv.OtherUserID); err != nil {
			return err
		} else if prev != nil {
			old, err := store.Decode[Conversation](prev)
			if err == nil {
				conv.Pinned = old.Pinned
			}
		}

		payload, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		if err := e.st.Put(&store.Record{
			Type:       store.Conversations,
			Key:        conv.OtherUserID,
			Payload:    payload,
			SyncStatus: store.Synced,
			EventAt:    conv.LastMessageAt.UnixMilli(),
			BaseScore:  rank.ConversationBase(conv.UnreadCount, conv.Pinned),
		}); err != nil {
			return err
		}

		if err := e.refreshMessages(ctx, gen, conv); err != nil {
			return err
		}
	}

	e.bus.Publish(bus.ConversationsLoaded{Count: len(convos)})
	return nil
}

// refreshMessages pulls one conversation's history, but only when the
// thread moved past its stored checkpoint. Pending local messages keep
// their own keys and are never overwritten by the merge.
func (e *Engine) refreshMessages(ctx context.Context, gen int64, conv *Conversation) error {
	ckKey := "conversation." + conv.OtherUserID
	seen, err := e.st.Checkpoint(ckKey)
	if err != nil {
		return err
	}
	if conv.LastMessageAt.UnixMilli() <= checkpointMillis(seen) {
		return nil
	}

	msgs, err := e.client.GetMessages(ctx, conv.OtherUserID)
	if err != nil {
		return err
	}
	if e.stale(gen) {
		return nil
	}

	now := e.now()
	for i := range msgs {
		msg := fromAPIMessage(&msgs[i], e.st.UserID())
		rec, err := messageRecord(msg, store.Synced, now)
		if err != nil {
			return err
		}
		if err := e.st.Put(rec); err != nil {
			return err
		}
	}

	e.logger.Debug("conversation refreshed",
		zap.String("conversation_id", conv.OtherUserID),
		zap.Int("messages", len(msgs)),
	)
	return e.st.SetCheckpoint(ckKey, formatMillis(conv.LastMessageAt))
}

func (e *Engine) refreshPosts(ctx context.Context, gen int64) error {
	posts, err := e.client.GetPosts(ctx)
	if err != nil {
		return err
	}
	if e.stale(gen) {
		return nil
	}

	now := e.now()
	for i := range posts {
		rec, err := postRecord(fromAPIPost(&posts[i]), store.Synced, now)
		if err != nil {
			return err
		}
		if err := e.st.Put(rec); err != nil {
			return err
		}
	}

	e.bus.Publish(bus.PostsUpdated{Count: len(posts)})
	return nil
}

func (e *Engine) refreshBarbers(ctx context.Context, gen int64) error {
	barbers, err := e.client.GetBarbers(ctx)
	if err != nil {
		return err
	}
	follows, err := e.client.GetFollows(ctx)
	if err != nil {
		return err
	}
	if e.stale(gen) {
		return nil
	}

	followed := make(map[string]bool, len(follows))
	for _, f := range follows {
		followed[f.BarberID] = true
	}

	now := e.now()
	for i := range barbers {
		b := fromAPIBarber(&barbers[i], followed[barbers[i].ID])
		payload, err := json.Marshal(b)
		if err != nil {
			return err
		}
		base := rank.ListingBase(b.Rating, b.Verified, b.FollowerCount, b.CreatedAt, now)
		if b.Followed {
			base += rank.FollowedBonus
		}
		if err := e.st.Put(&store.Record{
			Type:       store.Listings,
			Key:        b.ID,
			Payload:    payload,
			SyncStatus: store.Synced,
			EventAt:    b.CreatedAt.UnixMilli(),
			BaseScore:  base,
		}); err != nil {
			return err
		}
	}

	e.bus.Publish(bus.ListingsUpdated{Count: len(barbers)})
	return nil
}

// WarmStart prepares the session for instant reads: crashed in-flight
// operations return to the queue and the memory mirror is loaded from
// disk.
func (e *Engine) WarmStart() error {
	if err := e.st.ReleaseInFlight(); err != nil {
		return err
	}
	for _, t := range []store.EntityType{store.Conversations, store.Messages, store.Posts, store.Listings} {
		if err := e.st.WarmMirror(t); err != nil {
			return err
		}
	}
	return nil
}
