package connector

import (
	"errors"
	"sync"
)

// Raw event kinds as they leave the connector boundary. These mirror the
// upstream message families, not the canonical shapes; the normalizer owns
// that conversion.
const (
	RawChat      = "chat"
	RawGift      = "gift"
	RawLike      = "like"
	RawFollow    = "follow"
	RawShare     = "share"
	RawMember    = "member"
	RawSubscribe = "subscribe"
	RawViewers   = "viewers"
	RawRoomInfo  = "roomInfo"
	RawStreamEnd = "streamEnd"
	RawControl   = "control"
	RawError     = "error"
)

// RawUser is the viewer block attached to most upstream messages. Nested
// sub-objects are optional; absent ones stay nil and the normalizer defaults
// them.
type RawUser struct {
	Username  string
	Nickname  string
	AvatarURL string
	Identity  *RawIdentity
	Extra     *RawExtra
}

// RawIdentity carries the viewer/broadcaster relationship flags
type RawIdentity struct {
	IsModerator   bool
	IsSubscriber  bool
	IsFollower    bool
	IsNewFollower bool
}

// RawExtra carries optional profile attributes some messages include
type RawExtra struct {
	Level         int
	FollowerCount int
	Region        string
	HeatLevel     int
}

// RawGiftData is the gift message payload
type RawGiftData struct {
	ID          int64
	Name        string
	Type        int
	Diamonds    int // per-unit cost
	RepeatCount int
	RepeatEnd   bool
}

// RawLikeData is the like message payload
type RawLikeData struct {
	Count int
	Total int
}

// RawMemberData is the room-join payload
type RawMemberData struct {
	TrafficSource string
	EnterMethod   string
	Region        string
}

// RawViewersData is the viewer-count payload
type RawViewersData struct {
	Current int
}

// RawRoomData identifies the room on connect
type RawRoomData struct {
	RoomID    string
	Title     string
	StartedAt int64 // epoch seconds
}

// RawControlData is a room control message
type RawControlData struct {
	Action      int
	Description string
}

// RawEvent is the single envelope handed to subscribers. Exactly the fields
// matching Kind are populated.
type RawEvent struct {
	Kind      string
	Timestamp int64 // epoch milliseconds, 0 if upstream omitted it
	User      *RawUser
	Comment   string
	Gift      *RawGiftData
	Like      *RawLikeData
	Member    *RawMemberData
	Viewers   *RawViewersData
	Room      *RawRoomData
	Control   *RawControlData
	Err       error
}

// FailureClass buckets upstream connection failures for the caller.
type FailureClass string

const (
	FailureOffline   FailureClass = "offline"
	FailureNotFound  FailureClass = "notFound"
	FailureRateLimit FailureClass = "rateLimit"
	FailureGeneric   FailureClass = "error"
)

// AttachError is a classified connection failure with a human-readable status
// string suitable for forwarding to the frontend.
type AttachError struct {
	Class   FailureClass
	Message string
	Err     error
}

func (e *AttachError) Error() string { return e.Message }

func (e *AttachError) Unwrap() error { return e.Err }

// ClassOf extracts the failure class, defaulting to the generic bucket.
func ClassOf(err error) FailureClass {
	var ae *AttachError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return FailureGeneric
}

// Registry implements callback registration per raw event kind. Dispatch of a
// kind with no subscribers falls through to the any-handlers.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string][]func(RawEvent)
	any    []func(RawEvent)
}

// NewRegistry creates an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string][]func(RawEvent))}
}

// On registers a callback for one raw event kind.
func (r *Registry) On(kind string, fn func(RawEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = append(r.byKind[kind], fn)
}

// OnAny registers a callback invoked for every raw event.
func (r *Registry) OnAny(fn func(RawEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.any = append(r.any, fn)
}

// Dispatch fans one event out to the registered callbacks.
func (r *Registry) Dispatch(ev RawEvent) {
	r.mu.RLock()
	kindFns := r.byKind[ev.Kind]
	anyFns := r.any
	r.mu.RUnlock()

	for _, fn := range kindFns {
		fn(ev)
	}
	for _, fn := range anyFns {
		fn(ev)
	}
}
