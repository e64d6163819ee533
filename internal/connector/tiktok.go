package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/steampoweredtaco/gotiktoklive"

	"spyglass/pkg/logging"
)

// TikTokConnector adapts the gotiktoklive library to the RawEvent stream the
// rest of the service consumes. It owns the library handle and the goroutine
// draining the live event channel; it never interprets payload semantics
// beyond mapping message families.
type TikTokConnector struct {
	tiktok   *gotiktoklive.TikTok
	registry *Registry
	logger   logging.Logger

	mu       sync.Mutex
	live     *gotiktoklive.Live
	attached bool
}

// NewTikTokConnector creates the connector. An empty apiKey uses the signer's
// anonymous tier.
func NewTikTokConnector(logger logging.Logger, apiKey string) (*TikTokConnector, error) {
	var opts []gotiktoklive.TikTokLiveOption
	if apiKey != "" {
		opts = append(opts, gotiktoklive.SigningApiKey(apiKey))
	}

	tt, err := gotiktoklive.NewTikTok(opts...)
	if err != nil {
		return nil, fmt.Errorf("tiktok client init: %w", err)
	}

	tt.SetErrorHandler(func(args ...interface{}) {
		logger.WithField("source", "gotiktoklive").Error(fmt.Sprint(args...))
	})
	tt.SetWarnHandler(func(args ...interface{}) {
		logger.WithField("source", "gotiktoklive").Warn(fmt.Sprint(args...))
	})

	return &TikTokConnector{
		tiktok:   tt,
		registry: NewRegistry(),
		logger:   logger,
	}, nil
}

// On registers a callback for one raw event kind.
func (c *TikTokConnector) On(kind string, fn func(RawEvent)) { c.registry.On(kind, fn) }

// OnAny registers a callback for every raw event.
func (c *TikTokConnector) OnAny(fn func(RawEvent)) { c.registry.OnAny(fn) }

// Connected reports whether a live stream is currently attached.
func (c *TikTokConnector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// Attach connects to the user's live stream and starts draining events. The
// returned channel closes when the drain exits, so callers can re-attach for
// the broadcaster's next session. Failures come back as a classified
// *AttachError so callers can surface a structured status instead of a raw
// library error.
func (c *TikTokConnector) Attach(ctx context.Context, username string) (<-chan struct{}, error) {
	live, err := c.tiktok.TrackUser(username)
	if err != nil {
		return nil, classify(username, err)
	}

	c.mu.Lock()
	c.live = live
	c.attached = true
	c.mu.Unlock()

	if info := live.Info; info != nil {
		c.registry.Dispatch(RawEvent{
			Kind:      RawRoomInfo,
			Timestamp: time.Now().UnixMilli(),
			User: &RawUser{
				Username: info.Owner.Username,
				Nickname: info.Owner.Nickname,
			},
			Room: &RawRoomData{
				RoomID:    live.ID,
				Title:     info.Title,
				StartedAt: info.CreateTime,
			},
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.drain(ctx, live)
	}()
	return done, nil
}

// Close terminates the live connection, if any.
func (c *TikTokConnector) Close() {
	c.mu.Lock()
	live := c.live
	c.live = nil
	c.attached = false
	c.mu.Unlock()

	if live != nil {
		live.Close()
	}
}

func (c *TikTokConnector) drain(ctx context.Context, live *gotiktoklive.Live) {
	defer func() {
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			live.Close()
			return
		case ev, ok := <-live.Events:
			if !ok {
				// channel closure is the library's end-of-stream signal
				c.registry.Dispatch(RawEvent{
					Kind:      RawStreamEnd,
					Timestamp: time.Now().UnixMilli(),
				})
				return
			}
			if raw, ok := c.convert(ev); ok {
				c.registry.Dispatch(raw)
			}
		}
	}
}

// convert maps a library event onto the RawEvent envelope. Unmapped message
// families are dropped here; the normalizer only sees known kinds.
func (c *TikTokConnector) convert(ev interface{}) (RawEvent, bool) {
	switch e := ev.(type) {
	case gotiktoklive.ChatEvent:
		return RawEvent{
			Kind:      RawChat,
			Timestamp: int64(e.Timestamp),
			User:      toRawUser(e.User, e.UserIdentity),
			Comment:   e.Comment,
		}, true

	case gotiktoklive.GiftEvent:
		return RawEvent{
			Kind:      RawGift,
			Timestamp: int64(e.Timestamp),
			User:      toRawUser(e.User, e.UserIdentity),
			Gift: &RawGiftData{
				ID:          e.ID,
				Name:        e.Name,
				Type:        e.Type,
				Diamonds:    e.Diamonds,
				RepeatCount: e.RepeatCount,
				RepeatEnd:   e.RepeatEnd,
			},
		}, true

	case gotiktoklive.LikeEvent:
		return RawEvent{
			Kind:      RawLike,
			Timestamp: int64(e.Timestamp),
			User:      toRawUser(e.User, nil),
			Like: &RawLikeData{
				Count: e.Likes,
				Total: e.TotalLikes,
			},
		}, true

	case gotiktoklive.UserEvent:
		raw := RawEvent{
			Timestamp: int64(e.Timestamp),
			User:      toRawUser(e.User, nil),
		}
		switch e.Event {
		case gotiktoklive.USER_FOLLOW:
			raw.Kind = RawFollow
		case gotiktoklive.USER_SHARE:
			raw.Kind = RawShare
		case gotiktoklive.USER_JOIN:
			raw.Kind = RawMember
			// this library build does not surface enter source codes;
			// the normalizer defaults them to "unknown"
			raw.Member = &RawMemberData{}
		default:
			return RawEvent{}, false
		}
		return raw, true

	case gotiktoklive.ViewersEvent:
		return RawEvent{
			Kind:      RawViewers,
			Timestamp: int64(e.Timestamp),
			Viewers: &RawViewersData{
				Current: e.Viewers,
			},
		}, true

	case gotiktoklive.ControlEvent:
		// action 3 is the upstream stream-ended control
		if e.Action == 3 {
			return RawEvent{
				Kind:      RawStreamEnd,
				Timestamp: int64(e.Timestamp),
			}, true
		}
		return RawEvent{
			Kind:      RawControl,
			Timestamp: int64(e.Timestamp),
			Control: &RawControlData{
				Action:      e.Action,
				Description: e.Description,
			},
		}, true

	default:
		return RawEvent{}, false
	}
}

func toRawUser(u *gotiktoklive.User, id *gotiktoklive.UserIdentity) *RawUser {
	if u == nil {
		return nil
	}
	raw := &RawUser{
		Username: u.Username,
		Nickname: u.Nickname,
	}
	if u.ProfilePicture != nil && len(u.ProfilePicture.Urls) > 0 {
		raw.AvatarURL = u.ProfilePicture.Urls[0]
	}
	if id != nil {
		raw.Identity = &RawIdentity{
			IsModerator:  id.IsModerator,
			IsSubscriber: id.IsSubscriber,
			IsFollower:   id.IsFollower,
		}
	}
	return raw
}

func classify(username string, err error) error {
	switch {
	case errors.Is(err, gotiktoklive.ErrUserOffline), errors.Is(err, gotiktoklive.ErrLiveHasEnded):
		return &AttachError{
			Class:   FailureOffline,
			Message: fmt.Sprintf("%s is not live right now", username),
			Err:     err,
		}
	case errors.Is(err, gotiktoklive.ErrUserNotFound), errors.Is(err, gotiktoklive.ErrUserInfoNotFound):
		return &AttachError{
			Class:   FailureNotFound,
			Message: fmt.Sprintf("user %s was not found", username),
			Err:     err,
		}
	case errors.Is(err, gotiktoklive.ErrRateLimitExceeded):
		return &AttachError{
			Class:   FailureRateLimit,
			Message: "rate limited by upstream, retry in a few minutes",
			Err:     err,
		}
	default:
		return &AttachError{
			Class:   FailureGeneric,
			Message: fmt.Sprintf("could not connect to %s's stream: %v", username, err),
			Err:     err,
		}
	}
}

// RoomProfile is the broadcaster profile block derived from room info polling.
type RoomProfile struct {
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	Title     string `json:"title,omitempty"`
	Live      bool   `json:"live"`
	Viewers   int    `json:"viewers"`
	Followers int    `json:"followers"`
	HlsURL    string `json:"-"`
}

// FetchProfile polls the broadcaster's room info. Errors come back classified
// the same way Attach failures do.
func (c *TikTokConnector) FetchProfile(username string) (*RoomProfile, error) {
	info, err := c.tiktok.GetRoomInfo(username)
	if err != nil && info == nil {
		return nil, classify(username, err)
	}

	return &RoomProfile{
		Username:  username,
		Nickname:  info.Owner.Nickname,
		Title:     info.Title,
		Live:      info.Status == 2,
		Viewers:   info.UserCount,
		Followers: info.Owner.FollowInfo.FollowerCount,
		HlsURL:    info.StreamURL.HlsPullURL,
	}, nil
}
