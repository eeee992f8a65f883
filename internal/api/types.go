package api

import "time"

// Message is a chat message as returned by the backend.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	ReadAt      time.Time `json:"readAt,omitempty"`
}

// Conversation is a chat thread summary.
type Conversation struct {
	OtherUserID   string    `json:"otherUserId"`
	OtherUserName string    `json:"otherUserName"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}

// Post is a feed entry.
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	Caption      string    `json:"caption"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	LikeCount    int       `json:"likeCount"`
	CommentCount int       `json:"commentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Barber is a bookable listing.
type Barber struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ShopName      string    `json:"shopName"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	Rating        float64   `json:"rating"`
	Verified      bool      `json:"verified"`
	FollowerCount int       `json:"followerCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Follow links the user to a followed barber.
type Follow struct {
	BarberID   string    `json:"barberId"`
	FollowedAt time.Time `json:"followedAt"`
}

// SendMessageRequest is the body for POST /messages.
type SendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// CreatePostRequest is the body for POST /posts.
type CreatePostRequest struct {
	Caption  string `json:"caption"`
	ImageURL string `json:"imageUrl,omitempty"`
}
