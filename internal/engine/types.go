package engine

import (
	"time"

	"github.com/rfarah/trim/internal/delivery"
)

// ChatMessage is the cached form of a chat message. ID is the server id
// once the message is confirmed; until then only LocalID is set.
type ChatMessage struct {
	ID             string          `json:"id,omitempty"`
	LocalID        string          `json:"localId"`
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Mine           bool            `json:"mine"`
	Status         delivery.Status `json:"status"`
	SentAt         time.Time       `json:"sentAt"`
}

// Conversation is the cached form of a chat thread summary.
type Conversation struct {
	OtherUserID   string    `json:"otherUserId"`
	OtherUserName string    `json:"otherUserName"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
	Pinned        bool      `json:"pinned"`
}

// Post is the cached form of a feed entry. Pending marks an optimistic
// post that has not been confirmed by the server yet.
type Post struct {
	ID           string    `json:"id,omitempty"`
	LocalID      string    `json:"localId,omitempty"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	Caption      string    `json:"caption"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
	Pending      bool      `json:"pending,omitempty"`
}

// Barber is the cached form of a bookable listing.
type Barber struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ShopName      string    `json:"shopName"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	Rating        float64   `json:"rating"`
	Verified      bool      `json:"verified"`
	FollowerCount int       `json:"followerCount"`
	Followed      bool      `json:"followed"`
	CreatedAt     time.Time `json:"createdAt"`
}

// sendMessageOp is the queued payload for an outgoing message.
type sendMessageOp struct {
	LocalID    string `json:"localId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// createPostOp is the queued payload for an optimistic post.
type createPostOp struct {
	LocalID  string `json:"localId"`
	Caption  string `json:"caption"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// markReadOp is the queued payload for a read receipt.
type markReadOp struct {
	MessageID string `json:"messageId"`
}
