package stats

import (
	"math"
	"sort"
	"time"
)

// LeaderboardEntry is one row of a top-N board
type LeaderboardEntry struct {
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Value    int    `json:"value"`
}

// GiftTypeStat is the per-gift-name breakdown row
type GiftTypeStat struct {
	Name          string `json:"name"`
	Count         int    `json:"count"`
	Diamonds      int    `json:"diamonds"`
	UniqueSenders int    `json:"unique_senders"`
}

// BucketStat is one region or traffic-source breakdown row
type BucketStat struct {
	Key         string  `json:"key"`
	Count       int     `json:"count"`
	Percent     float64 `json:"percent"`
	UniqueUsers int     `json:"unique_users"`
}

// ActivityTiers partitions chatters by message volume
type ActivityTiers struct {
	VeryActive int `json:"very_active"` // >= 10 messages
	Active     int `json:"active"`      // 3-9 messages
	Passive    int `json:"passive"`     // everyone else who appeared
}

// NotableUser is a viewer worth surfacing: any role flag or nonzero activity.
type NotableUser struct {
	UserDetail
	Score int `json:"score"`
}

// Snapshot is the full derived statistics document. It is what gets persisted
// to disk and served over /api/stats.
type Snapshot struct {
	Session Session `json:"session"`

	TotalUSD       float64 `json:"total_usd"`
	TotalSecondary float64 `json:"total_secondary"`
	GoalUSD        float64 `json:"goal_usd,omitempty"`
	GoalAchieved   bool    `json:"goal_achieved"`

	UniqueChatters int `json:"unique_chatters"`
	UniqueGifters  int `json:"unique_gifters"`
	UniqueLikers   int `json:"unique_likers"`
	UniqueJoiners  int `json:"unique_joiners"`

	Activity ActivityTiers `json:"activity"`

	TopGifters  []LeaderboardEntry `json:"top_gifters"`
	TopChatters []LeaderboardEntry `json:"top_chatters"`
	TopLikers   []LeaderboardEntry `json:"top_likers"`

	GiftBreakdown  []GiftTypeStat  `json:"gift_breakdown"`
	ExpensiveGifts []ExpensiveGift `json:"expensive_gifts"`
	NotableUsers   []NotableUser   `json:"notable_users"`

	RegionBreakdown  []BucketStat `json:"region_breakdown"`
	TrafficBreakdown []BucketStat `json:"traffic_breakdown"`

	AvgGiftValue     float64 `json:"avg_gift_value"`
	AvgMessageLength float64 `json:"avg_message_length"`

	ChatHistory []ChatRecord `json:"chat_history"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Snapshot derives the consolidated statistics document from current state.
// It performs no mutation; two calls with no intervening Record produce
// identical ordering and values.
func (a *Aggregator) Snapshot() Snapshot {
	s := Snapshot{
		Session:     a.session,
		GoalUSD:     a.cfg.GoalUSD,
		GeneratedAt: time.Now().UTC(),
	}

	s.TotalUSD = round2(float64(a.session.TotalDiamonds) * a.cfg.DiamondUSDRate)
	s.TotalSecondary = round2(s.TotalUSD * a.cfg.USDSecondaryRate)
	s.GoalAchieved = a.cfg.GoalUSD > 0 && s.TotalUSD >= a.cfg.GoalUSD

	for _, u := range a.userOrder {
		if u.MessageCount > 0 {
			s.UniqueChatters++
		}
		if u.GiftCount > 0 {
			s.UniqueGifters++
		}
		if u.LikeCount > 0 {
			s.UniqueLikers++
		}
		switch {
		case u.MessageCount >= 10:
			s.Activity.VeryActive++
		case u.MessageCount >= 3:
			s.Activity.Active++
		default:
			s.Activity.Passive++
		}
	}
	s.UniqueJoiners = a.session.UniqueJoiners

	s.TopGifters = a.leaderboard(func(u *UserDetail) int { return u.GiftDiamonds })
	s.TopChatters = a.leaderboard(func(u *UserDetail) int { return u.MessageCount })
	s.TopLikers = a.leaderboard(func(u *UserDetail) int { return u.LikeCount })

	s.GiftBreakdown = a.giftBreakdown()
	s.ExpensiveGifts = append([]ExpensiveGift(nil), a.expensiveGifts...)
	s.NotableUsers = a.notableUsers()

	s.RegionBreakdown = bucketStats(a.regions)
	s.TrafficBreakdown = bucketStats(a.traffic)

	if a.giftEventCount > 0 {
		s.AvgGiftValue = round2(float64(a.session.TotalDiamonds) / float64(a.giftEventCount))
	}
	if a.session.TotalMessages > 0 {
		s.AvgMessageLength = round2(float64(a.totalMessageChars) / float64(a.session.TotalMessages))
	}

	s.ChatHistory = append([]ChatRecord(nil), a.chatHistory...)

	return s
}

// leaderboard builds a descending top-N board; ties keep first-seen order.
func (a *Aggregator) leaderboard(value func(*UserDetail) int) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(a.userOrder))
	for _, u := range a.userOrder {
		if v := value(u); v > 0 {
			entries = append(entries, LeaderboardEntry{
				Username: u.Username,
				Nickname: u.Nickname,
				Value:    v,
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Value > entries[j].Value
	})
	if len(entries) > a.cfg.LeaderboardSize {
		entries = entries[:a.cfg.LeaderboardSize]
	}
	return entries
}

func (a *Aggregator) giftBreakdown() []GiftTypeStat {
	out := make([]GiftTypeStat, 0, len(a.giftOrder))
	for _, g := range a.giftOrder {
		out = append(out, GiftTypeStat{
			Name:          g.Name,
			Count:         g.Count,
			Diamonds:      g.Diamonds,
			UniqueSenders: len(g.senders),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Diamonds > out[j].Diamonds
	})
	return out
}

// notableUsers lists viewers with a role flag or any activity, scored by
// activity plus gift value, capped.
func (a *Aggregator) notableUsers() []NotableUser {
	out := make([]NotableUser, 0)
	for _, u := range a.userOrder {
		hasRole := u.IsModerator || u.IsSubscriber || u.IsFollower || u.IsNewFollower
		active := u.MessageCount > 0 || u.GiftCount > 0 || u.LikeCount > 0 || u.ShareCount > 0
		if !hasRole && !active {
			continue
		}
		out = append(out, NotableUser{
			UserDetail: *u,
			Score:      u.GiftDiamonds + u.MessageCount*10 + u.LikeCount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > a.cfg.NotableUserCap {
		out = out[:a.cfg.NotableUserCap]
	}
	return out
}

// bucketStats turns a keyed bucket map into percentage rows. A zero grand
// total yields 0 percent everywhere, never NaN.
func bucketStats(m map[string]*bucket) []BucketStat {
	grand := 0
	keys := make([]string, 0, len(m))
	for k, b := range m {
		grand += b.count
		keys = append(keys, k)
	}
	// insertion order of the underlying buckets, then count desc
	sort.SliceStable(keys, func(i, j int) bool {
		return m[keys[i]].order < m[keys[j]].order
	})

	out := make([]BucketStat, 0, len(keys))
	for _, k := range keys {
		b := m[k]
		pct := 0.0
		if grand > 0 {
			pct = float64(b.count) / float64(grand) * 100
		}
		out = append(out, BucketStat{
			Key:         k,
			Count:       b.count,
			Percent:     pct,
			UniqueUsers: len(b.users),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
