package roomstate

import (
	"context"
	"sync"
	"time"

	"spyglass/internal/connector"
	"spyglass/pkg/logging"
)

// ProfileSource supplies fresh broadcaster profile/room data. The production
// implementation is the TikTok connector; tests use a fake.
type ProfileSource interface {
	FetchProfile(username string) (*connector.RoomProfile, error)
}

// FollowerCheckpoint is one recorded follower-count change.
type FollowerCheckpoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Delta     int       `json:"delta"`
}

// SessionSummary is the record appended every time the broadcaster goes
// offline. Summaries accumulate across stream sessions; nothing deletes them.
type SessionSummary struct {
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Duration      string    `json:"duration"`
	PeakViewers   int       `json:"peak_viewers"`
	FollowerDelta int       `json:"follower_delta"`
}

// Tracker maintains broadcaster-side state: a TTL-cached profile, follower
// growth checkpoints, and the offline/live/offline transitions with their
// accumulated session summaries.
type Tracker struct {
	source   ProfileSource
	username string
	cacheTTL time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	cached   *connector.RoomProfile
	cachedAt time.Time

	live        bool
	liveSince   time.Time
	peakViewers int

	tracking          bool
	trackingStart     time.Time
	baselineFollowers int
	lastFollowers     int
	checkpoints       []FollowerCheckpoint

	summaries []SessionSummary

	pollCancel context.CancelFunc
}

// NewTracker creates a tracker for one broadcaster.
func NewTracker(source ProfileSource, username string, cacheTTL time.Duration, logger logging.Logger) *Tracker {
	return &Tracker{
		source:   source,
		username: username,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Profile returns the broadcaster profile, served from cache while the TTL
// holds. A fetch failure with a warm cache degrades to the cached copy.
func (t *Tracker) Profile() (*connector.RoomProfile, error) {
	t.mu.Lock()
	if t.cached != nil && t.now().Sub(t.cachedAt) < t.cacheTTL {
		p := *t.cached
		t.mu.Unlock()
		return &p, nil
	}
	t.mu.Unlock()

	return t.Refresh()
}

// Refresh fetches fresh profile data, updates the cache, records follower
// movement, and drives the live/offline state machine.
func (t *Tracker) Refresh() (*connector.RoomProfile, error) {
	profile, err := t.source.FetchProfile(t.username)
	if err != nil {
		t.mu.Lock()
		cached := t.cached
		t.mu.Unlock()
		if cached != nil {
			p := *cached
			return &p, nil
		}
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cached = profile
	t.cachedAt = now

	if t.tracking && profile.Followers > 0 && profile.Followers != t.lastFollowers {
		t.checkpoints = append(t.checkpoints, FollowerCheckpoint{
			Timestamp: now,
			Count:     profile.Followers,
			Delta:     profile.Followers - t.lastFollowers,
		})
		t.lastFollowers = profile.Followers
	}

	switch {
	case profile.Live && !t.live:
		t.enterLiveLocked(now, profile.Followers)
	case !profile.Live && t.live:
		t.exitLiveLocked(now)
	}

	if profile.Live && profile.Viewers > t.peakViewers {
		t.peakViewers = profile.Viewers
	}

	p := *profile
	return &p, nil
}

// MarkLive forces the live transition; the dispatcher calls this on room
// connect so the tracker does not wait a poll cycle.
func (t *Tracker) MarkLive(at time.Time, followers int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		t.enterLiveLocked(at, followers)
	}
}

// MarkOffline forces the offline transition, e.g. on a streamEnd event.
func (t *Tracker) MarkOffline(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live {
		t.exitLiveLocked(at)
	}
}

// ObserveViewers lets the event stream feed viewer counts between polls.
func (t *Tracker) ObserveViewers(current int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live && current > t.peakViewers {
		t.peakViewers = current
	}
}

// Live reports the current room status.
func (t *Tracker) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Tracker) enterLiveLocked(at time.Time, followers int) {
	t.live = true
	t.liveSince = at
	t.peakViewers = 0

	// going live restarts follower tracking from a fresh baseline
	t.tracking = true
	t.trackingStart = at
	t.baselineFollowers = followers
	t.lastFollowers = followers
	t.checkpoints = nil

	if t.logger != nil {
		t.logger.WithFields(logging.Fields{
			"username":  t.username,
			"followers": followers,
		}).Info("Broadcaster went live")
	}
}

func (t *Tracker) exitLiveLocked(at time.Time) {
	t.live = false
	t.summaries = append(t.summaries, SessionSummary{
		StartedAt:     t.liveSince,
		EndedAt:       at,
		Duration:      at.Sub(t.liveSince).Round(time.Second).String(),
		PeakViewers:   t.peakViewers,
		FollowerDelta: t.lastFollowers - t.baselineFollowers,
	})

	if t.pollCancel != nil {
		t.pollCancel()
		t.pollCancel = nil
	}

	if t.logger != nil {
		t.logger.WithFields(logging.Fields{
			"username":     t.username,
			"peak_viewers": t.peakViewers,
		}).Info("Broadcaster went offline")
	}
}

// AverageGrowthPerHour derives follower growth from elapsed wall-clock time
// since tracking began. Returns 0 before any elapsed time, never NaN.
func (t *Tracker) AverageGrowthPerHour() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tracking {
		return 0
	}
	elapsed := t.now().Sub(t.trackingStart).Hours()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.lastFollowers-t.baselineFollowers) / elapsed
}

// Checkpoints returns a copy of the recorded follower changes.
func (t *Tracker) Checkpoints() []FollowerCheckpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FollowerCheckpoint(nil), t.checkpoints...)
}

// Summaries returns a copy of the accumulated per-session summaries.
func (t *Tracker) Summaries() []SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SessionSummary(nil), t.summaries...)
}

// StartPolling refreshes the profile on the given interval until the context
// is cancelled or the broadcaster goes offline. Stopping is just cancelling
// the ticker; in-flight fetches are not aborted.
func (t *Tracker) StartPolling(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.pollCancel != nil {
		t.pollCancel()
	}
	t.pollCancel = cancel
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.Refresh(); err != nil && t.logger != nil {
					t.logger.WithError(err).Warn("Profile refresh failed")
				}
			}
		}
	}()
}
