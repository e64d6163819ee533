package models

import "time"

// Event kinds produced by the normalizer. Every payload that leaves the
// connector boundary is one of these.
const (
	KindChat        = "chat"
	KindGift        = "gift"
	KindGiftAlert   = "giftAlert"
	KindLike        = "like"
	KindFollow      = "follow"
	KindShare       = "share"
	KindMember      = "member"
	KindSubscribe   = "subscribe"
	KindViewerCount = "viewerCount"
	KindRoomInfo    = "roomInfo"
	KindStreamEnd   = "streamEnd"
	KindControl     = "control"
	KindError       = "error"
)

// UserRef identifies a viewer across events. Username is the platform's stable
// key; everything else is display data that may be stale or empty.
type UserRef struct {
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// RoleFlags carries the viewer's relationship to the broadcaster.
type RoleFlags struct {
	IsModerator   bool `json:"is_moderator,omitempty"`
	IsSubscriber  bool `json:"is_subscriber,omitempty"`
	IsFollower    bool `json:"is_follower,omitempty"`
	IsNewFollower bool `json:"is_new_follower,omitempty"`
}

// ChatEvent is a single chat message
type ChatEvent struct {
	User          UserRef   `json:"user"`
	Message       string    `json:"message"`
	Roles         RoleFlags `json:"roles"`
	Level         int       `json:"level"`
	FollowerCount int       `json:"follower_count"`
	Region        string    `json:"region"`
	HeatLevel     int       `json:"heat_level"`
	Timestamp     time.Time `json:"timestamp"`
}

// GiftEvent is a completed gift (combo streaks are surfaced only once, at
// their final repeat count)
type GiftEvent struct {
	User         UserRef   `json:"user"`
	Roles        RoleFlags `json:"roles"`
	GiftID       int64     `json:"gift_id"`
	GiftName     string    `json:"gift_name"`
	GiftType     int       `json:"gift_type"`
	UnitDiamonds int       `json:"unit_diamonds"`
	RepeatCount  int       `json:"repeat_count"`
	Diamonds     int       `json:"diamonds"`
	Timestamp    time.Time `json:"timestamp"`
}

// LikeEvent reports a batch of likes from one viewer
type LikeEvent struct {
	User       UserRef   `json:"user"`
	Likes      int       `json:"likes"`
	TotalLikes int       `json:"total_likes"`
	Timestamp  time.Time `json:"timestamp"`
}

// SocialEvent covers follow and share, which arrive on the same upstream
// message type
type SocialEvent struct {
	User      UserRef   `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// MemberEvent is a room join. TrafficSource and EnterMethod are the most
// valuable signal on this event and default to "unknown" rather than being
// dropped.
type MemberEvent struct {
	User          UserRef   `json:"user"`
	TrafficSource string    `json:"traffic_source"`
	EnterMethod   string    `json:"enter_method"`
	Region        string    `json:"region"`
	Timestamp     time.Time `json:"timestamp"`
}

// SubscribeEvent is a paid channel subscription
type SubscribeEvent struct {
	User      UserRef   `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// ViewerCountEvent carries the room's current viewer total
type ViewerCountEvent struct {
	Current   int       `json:"current"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomInfoEvent announces a (re)connected room
type RoomInfoEvent struct {
	RoomID    string    `json:"room_id"`
	Host      UserRef   `json:"host"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"started_at"`
}

// StreamEndEvent marks the logical end of the observed session
type StreamEndEvent struct {
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is the downstream form of any normalization or connector failure
type ErrorEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WireMessage is the JSON envelope broadcast to WebSocket clients
type WireMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
