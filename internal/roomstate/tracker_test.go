package roomstate

import (
	"errors"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"

	"spyglass/internal/connector"
)

type fakeSource struct {
	profile *connector.RoomProfile
	err     error
	calls   int
}

func (f *fakeSource) FetchProfile(string) (*connector.RoomProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.profile
	return &p, nil
}

func newTestTracker(src *fakeSource, ttl time.Duration) *Tracker {
	logger, _ := logrustest.NewNullLogger()
	return NewTracker(src, "host", ttl, logger)
}

func TestProfileCacheTTL(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Username: "host", Followers: 100}}
	tr := newTestTracker(src, 10*time.Minute)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	if _, err := tr.Profile(); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if _, err := tr.Profile(); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected one upstream fetch within TTL, got %d", src.calls)
	}

	clock = clock.Add(11 * time.Minute)
	if _, err := tr.Profile(); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected refetch after TTL, got %d calls", src.calls)
	}
}

func TestFetchFailureDegradesToCache(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Username: "host", Nickname: "n"}}
	tr := newTestTracker(src, time.Nanosecond)

	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.err = errors.New("upstream down")
	p, err := tr.Profile()
	if err != nil {
		t.Fatalf("expected cached fallback, got error %v", err)
	}
	if p.Nickname != "n" {
		t.Fatalf("unexpected cached profile: %+v", p)
	}

	// cold cache surfaces the error
	cold := newTestTracker(&fakeSource{err: errors.New("down")}, time.Minute)
	if _, err := cold.Profile(); err == nil {
		t.Fatalf("expected error with cold cache")
	}
}

func TestFollowerCheckpointsAndGrowth(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Username: "host", Live: true, Followers: 1000}}
	tr := newTestTracker(src, time.Nanosecond)

	start := time.Now()
	clock := start
	tr.now = func() time.Time { return clock }

	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !tr.Live() {
		t.Fatalf("expected live after first refresh")
	}
	if len(tr.Checkpoints()) != 0 {
		t.Fatalf("baseline must not create a checkpoint")
	}

	clock = start.Add(30 * time.Minute)
	src.profile.Followers = 1050
	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	cps := tr.Checkpoints()
	if len(cps) != 1 || cps[0].Count != 1050 || cps[0].Delta != 50 {
		t.Fatalf("unexpected checkpoints: %+v", cps)
	}

	clock = start.Add(time.Hour)
	got := tr.AverageGrowthPerHour()
	if got != 50 {
		t.Fatalf("expected 50 followers/hour, got %v", got)
	}
}

func TestGrowthGuardsZeroElapsed(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Live: true, Followers: 10}}
	tr := newTestTracker(src, time.Nanosecond)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := tr.AverageGrowthPerHour(); got != 0 {
		t.Fatalf("expected 0 with zero elapsed time, got %v", got)
	}
}

func TestOfflineTransitionAppendsSummary(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Live: true, Followers: 100, Viewers: 40}}
	tr := newTestTracker(src, time.Nanosecond)

	start := time.Now()
	clock := start
	tr.now = func() time.Time { return clock }

	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	tr.ObserveViewers(75)

	clock = start.Add(2 * time.Hour)
	src.profile = &connector.RoomProfile{Live: false, Followers: 130}
	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if tr.Live() {
		t.Fatalf("expected offline")
	}
	sums := tr.Summaries()
	if len(sums) != 1 {
		t.Fatalf("expected one summary, got %d", len(sums))
	}
	s := sums[0]
	if s.PeakViewers != 75 {
		t.Fatalf("expected peak 75, got %d", s.PeakViewers)
	}
	if s.FollowerDelta != 30 {
		t.Fatalf("expected follower delta 30, got %d", s.FollowerDelta)
	}
	if s.Duration != "2h0m0s" {
		t.Fatalf("unexpected duration: %s", s.Duration)
	}

	// a second session appends, never replaces
	clock = clock.Add(time.Hour)
	tr.MarkLive(clock, 130)
	clock = clock.Add(time.Minute)
	tr.MarkOffline(clock)
	if got := len(tr.Summaries()); got != 2 {
		t.Fatalf("expected accumulated summaries, got %d", got)
	}
}

func TestMarkLiveResetsTracking(t *testing.T) {
	src := &fakeSource{profile: &connector.RoomProfile{Live: true, Followers: 500}}
	tr := newTestTracker(src, time.Nanosecond)

	start := time.Now()
	clock := start
	tr.now = func() time.Time { return clock }

	tr.MarkLive(clock, 200)
	clock = clock.Add(time.Hour)
	if _, err := tr.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// refresh saw 500 followers against the 200 baseline
	if got := tr.AverageGrowthPerHour(); got != 300 {
		t.Fatalf("expected 300/hour, got %v", got)
	}

	tr.MarkOffline(clock)
	clock = clock.Add(time.Hour)
	tr.MarkLive(clock, 500)
	if got := tr.AverageGrowthPerHour(); got != 0 {
		t.Fatalf("new session must reset growth baseline, got %v", got)
	}
	if len(tr.Checkpoints()) != 0 {
		t.Fatalf("new session must clear checkpoints")
	}
}
