package normalizer

import (
	"fmt"
	"time"

	"spyglass/internal/connector"
	"spyglass/pkg/logging"
	"spyglass/pkg/models"
)

// Status tags the outcome of normalizing one raw event.
type Status int

const (
	// Ok means the event produced one or more canonical events.
	Ok Status = iota
	// Skip means the event was intentionally dropped (unfinished combo,
	// missing required fields, uninteresting kind).
	Skip
	// Error means the payload was malformed beyond defaulting; an error
	// event is produced for downstream consumers instead.
	Error
)

// Normalized pairs a canonical event with its kind tag.
type Normalized struct {
	Kind  string
	Event interface{}
}

// Result is the outcome of one normalization. Every defaulting decision is an
// explicit branch ending in one of the three statuses; nothing falls through
// silently.
type Result struct {
	Status Status
	Events []Normalized
	Reason string
}

func ok(events ...Normalized) Result { return Result{Status: Ok, Events: events} }

func skip(reason string) Result { return Result{Status: Skip, Reason: reason} }

// Normalizer converts raw connector events into canonical shapes.
type Normalizer struct {
	highValueThreshold int
	logger             logging.Logger
}

// New creates a normalizer. The high-value gift threshold is in diamonds and
// comes from the caller so the aggregator and normalizer share one value.
func New(logger logging.Logger, highValueThreshold int) *Normalizer {
	return &Normalizer{highValueThreshold: highValueThreshold, logger: logger}
}

// Normalize converts one raw event. It never panics outward; a panic inside
// conversion is recovered into an Error result carrying an ErrorEvent.
func (n *Normalizer) Normalize(raw connector.RawEvent) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("normalization panic on %s event: %v", raw.Kind, r)
			if n.logger != nil {
				n.logger.WithFields(logging.Fields{
					"kind":  raw.Kind,
					"panic": r,
				}).Error("Event normalization failed")
			}
			result = Result{
				Status: Error,
				Reason: msg,
				Events: []Normalized{{
					Kind:  models.KindError,
					Event: models.ErrorEvent{Message: msg, Timestamp: time.Now().UTC()},
				}},
			}
		}
	}()

	switch raw.Kind {
	case connector.RawChat:
		return n.chat(raw)
	case connector.RawGift:
		return n.gift(raw)
	case connector.RawLike:
		return n.like(raw)
	case connector.RawFollow:
		return n.social(raw, models.KindFollow)
	case connector.RawShare:
		return n.social(raw, models.KindShare)
	case connector.RawMember:
		return n.member(raw)
	case connector.RawSubscribe:
		return n.subscribe(raw)
	case connector.RawViewers:
		return n.viewers(raw)
	case connector.RawRoomInfo:
		return n.roomInfo(raw)
	case connector.RawStreamEnd:
		return ok(Normalized{
			Kind:  models.KindStreamEnd,
			Event: models.StreamEndEvent{Timestamp: eventTime(raw.Timestamp)},
		})
	case connector.RawControl:
		return skip("control message carries no aggregate signal")
	case connector.RawError:
		msg := "upstream connector error"
		if raw.Err != nil {
			msg = raw.Err.Error()
		}
		return Result{
			Status: Error,
			Reason: msg,
			Events: []Normalized{{
				Kind:  models.KindError,
				Event: models.ErrorEvent{Message: msg, Timestamp: eventTime(raw.Timestamp)},
			}},
		}
	default:
		return skip("unknown raw kind " + raw.Kind)
	}
}

func (n *Normalizer) chat(raw connector.RawEvent) Result {
	if raw.User == nil || raw.User.Username == "" {
		return skip("chat without username")
	}
	if raw.Comment == "" {
		return skip("chat without message")
	}

	ev := models.ChatEvent{
		User:      userRef(raw.User),
		Message:   raw.Comment,
		Roles:     roleFlags(raw.User),
		Timestamp: eventTime(raw.Timestamp),
	}
	if extra := raw.User.Extra; extra != nil {
		ev.Level = extra.Level
		ev.FollowerCount = extra.FollowerCount
		ev.Region = extra.Region
		ev.HeatLevel = extra.HeatLevel
	}
	return ok(Normalized{Kind: models.KindChat, Event: ev})
}

// gift suppresses unfinished combo streaks: a type-1 gift is only surfaced on
// its final repeat, so consumers see one event per combo with the closing
// count.
func (n *Normalizer) gift(raw connector.RawEvent) Result {
	if raw.Gift == nil {
		return skip("gift without payload")
	}
	if raw.User == nil || raw.User.Username == "" {
		return skip("gift without sender")
	}
	if raw.Gift.Type == 1 && !raw.Gift.RepeatEnd {
		return skip("combo streak in progress")
	}

	repeat := raw.Gift.RepeatCount
	if repeat <= 0 {
		repeat = 1
	}

	ev := models.GiftEvent{
		User:         userRef(raw.User),
		Roles:        roleFlags(raw.User),
		GiftID:       raw.Gift.ID,
		GiftName:     raw.Gift.Name,
		GiftType:     raw.Gift.Type,
		UnitDiamonds: raw.Gift.Diamonds,
		RepeatCount:  repeat,
		Diamonds:     raw.Gift.Diamonds * repeat,
		Timestamp:    eventTime(raw.Timestamp),
	}

	events := []Normalized{{Kind: models.KindGift, Event: ev}}
	if ev.Diamonds >= n.highValueThreshold {
		events = append(events, Normalized{Kind: models.KindGiftAlert, Event: ev})
	}
	return ok(events...)
}

func (n *Normalizer) like(raw connector.RawEvent) Result {
	if raw.User == nil || raw.User.Username == "" {
		return skip("like without username")
	}
	likes := 1
	total := 0
	if raw.Like != nil {
		if raw.Like.Count > 0 {
			likes = raw.Like.Count
		}
		total = raw.Like.Total
	}
	return ok(Normalized{
		Kind: models.KindLike,
		Event: models.LikeEvent{
			User:       userRef(raw.User),
			Likes:      likes,
			TotalLikes: total,
			Timestamp:  eventTime(raw.Timestamp),
		},
	})
}

func (n *Normalizer) social(raw connector.RawEvent, kind string) Result {
	if raw.User == nil || raw.User.Username == "" {
		return skip(kind + " without username")
	}
	return ok(Normalized{
		Kind: kind,
		Event: models.SocialEvent{
			User:      userRef(raw.User),
			Timestamp: eventTime(raw.Timestamp),
		},
	})
}

// member preserves traffic-source and enter-method as "unknown" rather than
// dropping the join; those codes are the event's main analytical value.
func (n *Normalizer) member(raw connector.RawEvent) Result {
	if raw.User == nil || raw.User.Username == "" {
		return skip("member join without username")
	}

	ev := models.MemberEvent{
		User:          userRef(raw.User),
		TrafficSource: "unknown",
		EnterMethod:   "unknown",
		Timestamp:     eventTime(raw.Timestamp),
	}
	if m := raw.Member; m != nil {
		if m.TrafficSource != "" {
			ev.TrafficSource = m.TrafficSource
		}
		if m.EnterMethod != "" {
			ev.EnterMethod = m.EnterMethod
		}
		ev.Region = m.Region
	}
	return ok(Normalized{Kind: models.KindMember, Event: ev})
}

func (n *Normalizer) subscribe(raw connector.RawEvent) Result {
	if raw.User == nil || raw.User.Username == "" {
		return skip("subscribe without username")
	}
	return ok(Normalized{
		Kind: models.KindSubscribe,
		Event: models.SubscribeEvent{
			User:      userRef(raw.User),
			Timestamp: eventTime(raw.Timestamp),
		},
	})
}

func (n *Normalizer) viewers(raw connector.RawEvent) Result {
	if raw.Viewers == nil {
		return skip("viewer count without payload")
	}
	return ok(Normalized{
		Kind: models.KindViewerCount,
		Event: models.ViewerCountEvent{
			Current:   raw.Viewers.Current,
			Timestamp: eventTime(raw.Timestamp),
		},
	})
}

func (n *Normalizer) roomInfo(raw connector.RawEvent) Result {
	if raw.Room == nil || raw.Room.RoomID == "" {
		return skip("room info without room id")
	}
	ev := models.RoomInfoEvent{
		RoomID: raw.Room.RoomID,
		Title:  raw.Room.Title,
	}
	if raw.User != nil {
		ev.Host = userRef(raw.User)
	}
	if raw.Room.StartedAt > 0 {
		ev.StartedAt = time.Unix(raw.Room.StartedAt, 0).UTC()
	}
	return ok(Normalized{Kind: models.KindRoomInfo, Event: ev})
}

func userRef(u *connector.RawUser) models.UserRef {
	return models.UserRef{
		Username:  u.Username,
		Nickname:  u.Nickname,
		AvatarURL: u.AvatarURL,
	}
}

func roleFlags(u *connector.RawUser) models.RoleFlags {
	if u == nil || u.Identity == nil {
		return models.RoleFlags{}
	}
	return models.RoleFlags{
		IsModerator:   u.Identity.IsModerator,
		IsSubscriber:  u.Identity.IsSubscriber,
		IsFollower:    u.Identity.IsFollower,
		IsNewFollower: u.Identity.IsNewFollower,
	}
}

func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
