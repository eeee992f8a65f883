package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rfarah/trim/internal/api"
	"github.com/rfarah/trim/internal/bus"
	"github.com/rfarah/trim/internal/delivery"
	"github.com/rfarah/trim/internal/store"
	"go.uber.org/zap"
)

// Execute delivers one queued operation to the server. Called by the
// outbox dispatcher; errors are classified there, so this only reports
// what happened.
func (e *Engine) Execute(ctx context.Context, op *store.PendingOperation) error {
	switch op.Kind {
	case store.OpSendMessage:
		return e.executeSend(ctx, op)
	case store.OpCreatePost:
		return e.executeCreatePost(ctx, op)
	case store.OpMarkRead:
		return e.executeMarkRead(ctx, op)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (e *Engine) executeSend(ctx context.Context, op *store.PendingOperation) error {
	var send sendMessageOp
	if err := json.Unmarshal(op.Payload, &send); err != nil {
		return fmt.Errorf("decode send operation: %w", err)
	}

	confirmed, err := e.client.SendMessage(ctx, api.SendMessageRequest{
		ReceiverID: send.ReceiverID,
		Content:    send.Content,
	})
	if err != nil {
		return err
	}
	return e.confirmMessage(send.LocalID, confirmed)
}

// confirmMessage rekeys the optimistic record to its server id and
// advances delivery to sent. The local id stays resolvable through the
// alias table so in-flight references keep working.
func (e *Engine) confirmMessage(localID string, confirmed *api.Message) error {
	rec, err := e.st.GetByLocalID(store.Messages, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Already confirmed by a previous attempt whose ack we missed.
		return nil
	}

	msg, err := store.Decode[ChatMessage](rec)
	if err != nil {
		return err
	}
	msg.ID = confirmed.ID
	if next, terr := delivery.Transition(msg.Status, delivery.Sent); terr == nil {
		msg.Status = next
	}
	if !confirmed.CreatedAt.IsZero() {
		msg.SentAt = confirmed.CreatedAt
	}

	newRec, err := messageRecord(&msg, store.Synced, e.now())
	if err != nil {
		return err
	}
	newRec.AccessCount = rec.AccessCount
	newRec.LastAccessedAt = rec.LastAccessedAt

	if err := e.st.Rekey(store.Messages, localID, newRec); err != nil {
		return fmt.Errorf("rekey message: %w", err)
	}
	e.addAlias(localID, newRec.Key)

	e.logger.Info("message confirmed",
		zap.String("local_id", localID),
		zap.String("server_id", confirmed.ID),
	)
	e.bus.Publish(bus.MessageUpdated{OldLocalID: localID, Record: *newRec})
	return nil
}

func (e *Engine) executeCreatePost(ctx context.Context, op *store.PendingOperation) error {
	var create createPostOp
	if err := json.Unmarshal(op.Payload, &create); err != nil {
		return fmt.Errorf("decode post operation: %w", err)
	}

	confirmed, err := e.client.CreatePost(ctx, api.CreatePostRequest{
		Caption:  create.Caption,
		ImageURL: create.ImageURL,
	})
	if err != nil {
		return err
	}

	rec, err := e.st.GetByLocalID(store.Posts, create.LocalID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	post := fromAPIPost(confirmed)
	post.LocalID = create.LocalID
	newRec, err := postRecord(post, store.Synced, e.now())
	if err != nil {
		return err
	}
	newRec.AccessCount = rec.AccessCount
	newRec.LastAccessedAt = rec.LastAccessedAt

	if err := e.st.Rekey(store.Posts, create.LocalID, newRec); err != nil {
		return fmt.Errorf("rekey post: %w", err)
	}
	e.bus.Publish(bus.PostsUpdated{Count: 1})
	return nil
}

func (e *Engine) executeMarkRead(ctx context.Context, op *store.PendingOperation) error {
	var mark markReadOp
	if err := json.Unmarshal(op.Payload, &mark); err != nil {
		return fmt.Errorf("decode read operation: %w", err)
	}
	return e.client.MarkMessageRead(ctx, e.resolveMessageKey(mark.MessageID))
}

func fromAPIPost(p *api.Post) *Post {
	return &Post{
		ID:           p.ID,
		AuthorID:     p.AuthorID,
		AuthorName:   p.AuthorName,
		Caption:      p.Caption,
		ImageURL:     p.ImageURL,
		LikeCount:    p.LikeCount,
		CommentCount: p.CommentCount,
		CreatedAt:    p.CreatedAt,
	}
}

func fromAPIMessage(m *api.Message, userID string) *ChatMessage {
	conversationID := m.SenderID
	mine := m.SenderID == userID
	if mine {
		conversationID = m.ReceiverID
	}
	status := delivery.Status(m.Status)
	if !delivery.Valid(status) {
		status = delivery.Sent
	}
	return &ChatMessage{
		ID:             m.ID,
		ConversationID: conversationID,
		Content:        m.Content,
		Mine:           mine,
		Status:         status,
		SentAt:         m.CreatedAt,
	}
}

func fromAPIBarber(b *api.Barber, followed bool) *Barber {
	return &Barber{
		ID:            b.ID,
		Name:          b.Name,
		ShopName:      b.ShopName,
		AvatarURL:     b.AvatarURL,
		Rating:        b.Rating,
		Verified:      b.Verified,
		FollowerCount: b.FollowerCount,
		Followed:      followed,
		CreatedAt:     b.CreatedAt,
	}
}

func fromAPIConversation(c *api.Conversation) *Conversation {
	return &Conversation{
		OtherUserID:   c.OtherUserID,
		OtherUserName: c.OtherUserName,
		AvatarURL:     c.AvatarURL,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UnreadCount:   c.UnreadCount,
	}
}

// checkpointMillis parses a stored millisecond checkpoint, zero on unset
// or garbage.
func checkpointMillis(value string) int64 {
	var ms int64
	_, _ = fmt.Sscanf(value, "%d", &ms)
	return ms
}

func formatMillis(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixMilli())
}
