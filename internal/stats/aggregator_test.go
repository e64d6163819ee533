package stats

import (
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"spyglass/pkg/models"
)

func testConfig() Config {
	return Config{
		DiamondUSDRate:         0.005,
		USDSecondaryRate:       34,
		HighValueGiftThreshold: 1000,
		ExpensiveGiftThreshold: 100,
		ExpensiveGiftCap:       100,
		ChatHistoryCap:         500,
		NotableUserCap:         200,
		LeaderboardSize:        10,
	}
}

func user(name string) models.UserRef {
	return models.UserRef{Username: name, Nickname: "nick-" + name}
}

func chat(name, msg string) models.ChatEvent {
	return models.ChatEvent{User: user(name), Message: msg, Timestamp: time.Now()}
}

func gift(name, giftName string, unit, repeat int) models.GiftEvent {
	return models.GiftEvent{
		User:         user(name),
		GiftName:     giftName,
		UnitDiamonds: unit,
		RepeatCount:  repeat,
		Diamonds:     unit * repeat,
		Timestamp:    time.Now(),
	}
}

func TestGiftDiamondConservation(t *testing.T) {
	a := New(testConfig())

	want := 0
	gifts := []models.GiftEvent{
		gift("a", "Rose", 1, 5),
		gift("b", "Lion", 500, 2),
		gift("a", "Rose", 1, 99),
		gift("c", "Galaxy", 1000, 1),
	}
	for _, g := range gifts {
		want += g.Diamonds
		a.RecordGift(g)
	}

	s := a.Snapshot()
	if s.Session.TotalDiamonds != want {
		t.Fatalf("expected %d total diamonds, got %d", want, s.Session.TotalDiamonds)
	}
	if s.Session.TotalGifts != len(gifts) {
		t.Fatalf("expected %d gifts, got %d", len(gifts), s.Session.TotalGifts)
	}
}

func TestGiftWorkedExample(t *testing.T) {
	a := New(testConfig())

	a.RecordGift(gift("a", "Lion", 50, 20))

	s := a.Snapshot()
	if s.Session.TotalDiamonds != 1000 {
		t.Fatalf("expected 1000 diamonds, got %d", s.Session.TotalDiamonds)
	}
	if s.TotalUSD != 5.00 {
		t.Fatalf("expected $5.00, got %v", s.TotalUSD)
	}
	if s.TotalSecondary != 170 {
		t.Fatalf("expected 170 secondary, got %v", s.TotalSecondary)
	}
}

func TestPeakViewersMonotonic(t *testing.T) {
	a := New(testConfig())

	counts := []int{10, 50, 30, 80, 20, 80, 5}
	peak := 0
	for _, c := range counts {
		a.UpdateViewerCount(c, time.Now())
		if c > peak {
			peak = c
		}
		s := a.Snapshot()
		if s.Session.PeakViewers != peak {
			t.Fatalf("peak %d after current %d, want %d", s.Session.PeakViewers, c, peak)
		}
	}

	s := a.Snapshot()
	if s.Session.CurrentViewers != 5 {
		t.Fatalf("expected current 5, got %d", s.Session.CurrentViewers)
	}
	if s.Session.PeakViewersAt == nil {
		t.Fatalf("expected peak timestamp to be set")
	}
}

func TestTopChattersExample(t *testing.T) {
	a := New(testConfig())

	a.RecordChat(chat("A", "hello"))
	a.RecordChat(chat("A", "again"))
	a.RecordChat(chat("B", "hi"))

	s := a.Snapshot()
	if s.UniqueChatters != 2 {
		t.Fatalf("expected 2 unique chatters, got %d", s.UniqueChatters)
	}
	if len(s.TopChatters) != 2 {
		t.Fatalf("expected 2 leaderboard rows, got %d", len(s.TopChatters))
	}
	if s.TopChatters[0].Username != "A" || s.TopChatters[0].Value != 2 {
		t.Fatalf("expected A with 2, got %+v", s.TopChatters[0])
	}
	if s.TopChatters[1].Username != "B" || s.TopChatters[1].Value != 1 {
		t.Fatalf("expected B with 1, got %+v", s.TopChatters[1])
	}
}

func TestLeaderboardTiesKeepArrivalOrder(t *testing.T) {
	a := New(testConfig())

	a.RecordChat(chat("first", "x"))
	a.RecordChat(chat("second", "x"))
	a.RecordChat(chat("third", "x"))

	s := a.Snapshot()
	names := []string{s.TopChatters[0].Username, s.TopChatters[1].Username, s.TopChatters[2].Username}
	if !reflect.DeepEqual(names, []string{"first", "second", "third"}) {
		t.Fatalf("tie order broken: %v", names)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	a := New(testConfig())

	for i := 0; i < 20; i++ {
		a.RecordChat(chat(fmt.Sprintf("u%d", i%7), "msg"))
		a.RecordGift(gift(fmt.Sprintf("u%d", i%5), "Rose", 1, i+1))
		a.RecordLike(models.LikeEvent{User: user(fmt.Sprintf("u%d", i%3)), Likes: i})
	}

	s1 := a.Snapshot()
	s2 := a.Snapshot()
	s1.GeneratedAt = s2.GeneratedAt

	if !reflect.DeepEqual(s1, s2) {
		t.Fatalf("snapshots differ without intervening mutation")
	}
}

func TestChatHistoryBounded(t *testing.T) {
	a := New(testConfig())

	total := 650
	for i := 0; i < total; i++ {
		a.RecordChat(chat("u", fmt.Sprintf("msg-%d", i)))
	}

	s := a.Snapshot()
	if len(s.ChatHistory) != 500 {
		t.Fatalf("expected 500 retained messages, got %d", len(s.ChatHistory))
	}
	if s.ChatHistory[0].Message != "msg-150" {
		t.Fatalf("expected oldest retained msg-150, got %s", s.ChatHistory[0].Message)
	}
	if s.ChatHistory[499].Message != "msg-649" {
		t.Fatalf("expected newest msg-649, got %s", s.ChatHistory[499].Message)
	}
}

func TestExpensiveGiftRing(t *testing.T) {
	cfg := testConfig()
	cfg.ExpensiveGiftCap = 3
	a := New(cfg)

	for i := 0; i < 5; i++ {
		a.RecordGift(gift("u", fmt.Sprintf("Gift-%d", i), 100, 1))
	}
	// below threshold, must not enter the ring
	a.RecordGift(gift("u", "Cheap", 1, 1))

	s := a.Snapshot()
	if len(s.ExpensiveGifts) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(s.ExpensiveGifts))
	}
	if s.ExpensiveGifts[0].GiftName != "Gift-2" || s.ExpensiveGifts[2].GiftName != "Gift-4" {
		t.Fatalf("unexpected ring contents: %+v", s.ExpensiveGifts)
	}
}

func TestBucketPercentages(t *testing.T) {
	a := New(testConfig())

	a.RecordMember(models.MemberEvent{User: user("a"), TrafficSource: "feed"})
	a.RecordMember(models.MemberEvent{User: user("b"), TrafficSource: "feed"})
	a.RecordMember(models.MemberEvent{User: user("c"), TrafficSource: "search"})
	a.RecordMember(models.MemberEvent{User: user("d")})

	s := a.Snapshot()
	sum := 0.0
	for _, b := range s.TrafficBreakdown {
		if math.IsNaN(b.Percent) {
			t.Fatalf("NaN percent in %+v", b)
		}
		sum += b.Percent
	}
	if math.Abs(sum-100) > 1e-9 {
		t.Fatalf("percentages sum to %v, want 100", sum)
	}
	if s.TrafficBreakdown[0].Key != "feed" || s.TrafficBreakdown[0].Count != 2 {
		t.Fatalf("expected feed first with 2, got %+v", s.TrafficBreakdown[0])
	}

	// empty breakdowns stay well-defined
	empty := New(testConfig()).Snapshot()
	for _, b := range empty.RegionBreakdown {
		if math.IsNaN(b.Percent) {
			t.Fatalf("NaN percent on empty aggregator")
		}
	}
	if empty.AvgGiftValue != 0 || empty.AvgMessageLength != 0 {
		t.Fatalf("expected zero averages on empty aggregator")
	}
}

func TestActivityTiers(t *testing.T) {
	a := New(testConfig())

	for i := 0; i < 12; i++ {
		a.RecordChat(chat("busy", "x"))
	}
	for i := 0; i < 4; i++ {
		a.RecordChat(chat("medium", "x"))
	}
	a.RecordChat(chat("quiet", "x"))

	s := a.Snapshot()
	if s.Activity.VeryActive != 1 || s.Activity.Active != 1 || s.Activity.Passive != 1 {
		t.Fatalf("unexpected tiers: %+v", s.Activity)
	}
}

func TestGiftBreakdownSortedByDiamonds(t *testing.T) {
	a := New(testConfig())

	a.RecordGift(gift("a", "Rose", 1, 10))
	a.RecordGift(gift("b", "Lion", 500, 1))
	a.RecordGift(gift("c", "Rose", 1, 5))

	s := a.Snapshot()
	if len(s.GiftBreakdown) != 2 {
		t.Fatalf("expected 2 gift types, got %d", len(s.GiftBreakdown))
	}
	if s.GiftBreakdown[0].Name != "Lion" {
		t.Fatalf("expected Lion first, got %s", s.GiftBreakdown[0].Name)
	}
	if s.GiftBreakdown[1].Name != "Rose" || s.GiftBreakdown[1].Count != 2 || s.GiftBreakdown[1].UniqueSenders != 2 {
		t.Fatalf("unexpected Rose row: %+v", s.GiftBreakdown[1])
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := New(testConfig())

	a.RecordChat(chat("stale", "left over"))
	started := time.Now()
	a.StartSession(models.RoomInfoEvent{
		RoomID:    "room-1",
		Host:      models.UserRef{Username: "host"},
		Title:     "hello",
		StartedAt: started,
	})

	if !a.SessionActive() {
		t.Fatalf("expected active session")
	}
	s := a.Snapshot()
	if s.Session.TotalMessages != 0 || len(s.ChatHistory) != 0 {
		t.Fatalf("expected state reset on session start")
	}
	if s.Session.RoomID != "room-1" || s.Session.Host != "host" {
		t.Fatalf("unexpected session identity: %+v", s.Session)
	}

	a.EndSession(time.Now())
	if a.SessionActive() {
		t.Fatalf("expected inactive session after end")
	}
	if a.Snapshot().Session.EndedAt == nil {
		t.Fatalf("expected ended timestamp")
	}
}

func TestSessionActiveWithoutStartTime(t *testing.T) {
	a := New(testConfig())

	// start time is nullable until known; the session is live regardless
	a.StartSession(models.RoomInfoEvent{
		RoomID: "room-1",
		Host:   models.UserRef{Username: "host"},
	})

	if !a.SessionActive() {
		t.Fatalf("session with unknown start time must be active")
	}
	if a.Snapshot().Session.StartedAt != nil {
		t.Fatalf("unknown start time must stay nil")
	}

	a.EndSession(time.Now())
	if a.SessionActive() {
		t.Fatalf("expected inactive session after end")
	}
	if a.Snapshot().Session.EndedAt == nil {
		t.Fatalf("expected ended timestamp")
	}
}

func TestTotalEverJoinedCountsRejoins(t *testing.T) {
	a := New(testConfig())

	a.RecordMember(models.MemberEvent{User: user("a")})
	a.RecordMember(models.MemberEvent{User: user("a")})
	a.RecordMember(models.MemberEvent{User: user("b")})

	s := a.Snapshot()
	if s.Session.TotalEverJoined != 3 {
		t.Fatalf("expected 3 joins including rejoins, got %d", s.Session.TotalEverJoined)
	}
	if s.Session.UniqueJoiners != 2 {
		t.Fatalf("expected 2 unique joiners, got %d", s.Session.UniqueJoiners)
	}
}

func TestGoalAchieved(t *testing.T) {
	cfg := testConfig()
	cfg.GoalUSD = 4
	a := New(cfg)

	a.RecordGift(gift("a", "Rose", 100, 5)) // 500 diamonds = $2.50
	if a.Snapshot().GoalAchieved {
		t.Fatalf("goal should not be achieved at $2.50")
	}

	a.RecordGift(gift("a", "Rose", 100, 5))
	if !a.Snapshot().GoalAchieved {
		t.Fatalf("goal should be achieved at $5.00")
	}
}

func TestUserDetailMerging(t *testing.T) {
	a := New(testConfig())

	a.RecordChat(models.ChatEvent{
		User:      models.UserRef{Username: "u", Nickname: "old"},
		Message:   "hi",
		Roles:     models.RoleFlags{IsModerator: true},
		Level:     5,
		Timestamp: time.Now(),
	})
	a.RecordGift(gift("u", "Rose", 10, 2))
	a.RecordChat(models.ChatEvent{
		User:      models.UserRef{Username: "u", Nickname: "new"},
		Message:   "there",
		Level:     3,
		Region:    "DE",
		Timestamp: time.Now(),
	})

	s := a.Snapshot()
	if len(s.NotableUsers) != 1 {
		t.Fatalf("expected one notable user, got %d", len(s.NotableUsers))
	}
	u := s.NotableUsers[0]
	if !u.IsModerator {
		t.Fatalf("moderator flag must persist")
	}
	if u.Level != 5 {
		t.Fatalf("level must keep the maximum, got %d", u.Level)
	}
	if u.Nickname != "new" {
		t.Fatalf("nickname must follow the latest event, got %s", u.Nickname)
	}
	if u.MessageCount != 2 || u.GiftDiamonds != 20 {
		t.Fatalf("unexpected counters: %+v", u.UserDetail)
	}
	if u.Region != "DE" {
		t.Fatalf("expected region DE, got %q", u.Region)
	}
}
