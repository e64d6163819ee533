package stats

import (
	"time"

	"spyglass/pkg/config"
	"spyglass/pkg/models"
)

// Config carries the tunable constants of the aggregator. Rates and thresholds
// are configuration, not derived values; operators adjust them without code
// changes.
type Config struct {
	DiamondUSDRate         float64 // USD value of one diamond
	USDSecondaryRate       float64 // secondary currency per USD
	HighValueGiftThreshold int     // diamonds; at or above fires a gift alert
	ExpensiveGiftThreshold int     // diamonds; at or above enters the expensive-gift ring
	ExpensiveGiftCap       int
	ChatHistoryCap         int
	NotableUserCap         int
	LeaderboardSize        int
	GoalUSD                float64 // 0 disables the goal check
}

// DefaultConfig returns the shipped defaults, overridable via environment.
func DefaultConfig() Config {
	return Config{
		DiamondUSDRate:         config.GetEnvFloat("DIAMOND_USD_RATE", 0.005),
		USDSecondaryRate:       config.GetEnvFloat("USD_SECONDARY_RATE", 34),
		HighValueGiftThreshold: config.GetEnvInt("HIGH_VALUE_GIFT_THRESHOLD", 1000),
		ExpensiveGiftThreshold: config.GetEnvInt("EXPENSIVE_GIFT_THRESHOLD", 100),
		ExpensiveGiftCap:       config.GetEnvInt("EXPENSIVE_GIFT_CAP", 100),
		ChatHistoryCap:         config.GetEnvInt("CHAT_HISTORY_CAP", 500),
		NotableUserCap:         config.GetEnvInt("NOTABLE_USER_CAP", 200),
		LeaderboardSize:        config.GetEnvInt("LEADERBOARD_SIZE", 10),
		GoalUSD:                config.GetEnvFloat("GOAL_USD", 0),
	}
}

// Session is the per-broadcast counter block
type Session struct {
	RoomID          string     `json:"room_id"`
	Host            string     `json:"host,omitempty"`
	Title           string     `json:"title,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CurrentViewers  int        `json:"current_viewers"`
	PeakViewers     int        `json:"peak_viewers"`
	PeakViewersAt   *time.Time `json:"peak_viewers_at,omitempty"`
	TotalEverJoined int        `json:"total_ever_joined"`
	TotalDiamonds   int        `json:"total_diamonds"`
	TotalGifts      int        `json:"total_gifts"`
	TotalMessages   int        `json:"total_messages"`
	TotalLikes      int        `json:"total_likes"`
	TotalShares     int        `json:"total_shares"`
	TotalFollows    int        `json:"total_follows"`
	TotalSubscribes int        `json:"total_subscribes"`
	UniqueJoiners   int        `json:"unique_joiners"`
}

// UserDetail is the per-viewer rolling record, keyed by username. Fields merge
// additively; a record is never deleted during a session.
type UserDetail struct {
	Username      string     `json:"username"`
	Nickname      string     `json:"nickname,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	IsModerator   bool       `json:"is_moderator,omitempty"`
	IsSubscriber  bool       `json:"is_subscriber,omitempty"`
	IsFollower    bool       `json:"is_follower,omitempty"`
	IsNewFollower bool       `json:"is_new_follower,omitempty"`
	Level         int        `json:"level,omitempty"`
	FollowerCount int        `json:"follower_count,omitempty"`
	MessageCount  int        `json:"message_count"`
	GiftCount     int        `json:"gift_count"`
	GiftDiamonds  int        `json:"gift_diamonds"`
	LikeCount     int        `json:"like_count"`
	ShareCount    int        `json:"share_count"`
	JoinCount     int        `json:"join_count"`
	Region        string     `json:"region,omitempty"`
	TrafficSource string     `json:"traffic_source,omitempty"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`

	firstSeen int // arrival order, used to break leaderboard ties
}

// GiftAnalysis accumulates per gift name
type GiftAnalysis struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Diamonds int    `json:"diamonds"`

	senders map[string]struct{}
	order   int
}

// ChatRecord is one retained raw chat line
type ChatRecord struct {
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExpensiveGift is one retained high-diamond gift event
type ExpensiveGift struct {
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname,omitempty"`
	GiftName  string    `json:"gift_name"`
	Diamonds  int       `json:"diamonds"`
	Timestamp time.Time `json:"timestamp"`
}

type bucket struct {
	count int
	users map[string]struct{}
	order int
}

// Aggregator maintains all session statistics. It is not safe for concurrent
// use; a single dispatcher goroutine owns it (see internal/dispatch).
type Aggregator struct {
	cfg Config

	session Session
	started bool

	users     map[string]*UserDetail
	userOrder []*UserDetail

	gifts     map[string]*GiftAnalysis
	giftOrder []*GiftAnalysis

	regions map[string]*bucket
	traffic map[string]*bucket

	chatHistory    []ChatRecord
	expensiveGifts []ExpensiveGift

	totalMessageChars int
	giftEventCount    int
}

// New creates an empty aggregator with the given configuration.
func New(cfg Config) *Aggregator {
	a := &Aggregator{cfg: cfg}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.session = Session{}
	a.started = false
	a.users = make(map[string]*UserDetail)
	a.userOrder = nil
	a.gifts = make(map[string]*GiftAnalysis)
	a.giftOrder = nil
	a.regions = make(map[string]*bucket)
	a.traffic = make(map[string]*bucket)
	a.chatHistory = nil
	a.expensiveGifts = nil
	a.totalMessageChars = 0
	a.giftEventCount = 0
}

// StartSession resets all state for a newly observed broadcast. The start
// time stays nil until the upstream supplies one; session liveness is
// tracked separately so an unknown start time still closes cleanly.
func (a *Aggregator) StartSession(ev models.RoomInfoEvent) {
	a.reset()
	a.started = true
	started := ev.StartedAt
	a.session.RoomID = ev.RoomID
	a.session.Host = ev.Host.Username
	a.session.Title = ev.Title
	if !started.IsZero() {
		a.session.StartedAt = &started
	}
}

// EndSession closes the session logically. Values persist until the next
// StartSession.
func (a *Aggregator) EndSession(at time.Time) {
	t := at
	a.session.EndedAt = &t
}

// SessionActive reports whether a session has started and not yet ended.
func (a *Aggregator) SessionActive() bool {
	return a.started && a.session.EndedAt == nil
}

func (a *Aggregator) user(ref models.UserRef, at time.Time) *UserDetail {
	u, ok := a.users[ref.Username]
	if !ok {
		u = &UserDetail{Username: ref.Username, firstSeen: len(a.userOrder)}
		a.users[ref.Username] = u
		a.userOrder = append(a.userOrder, u)
	}
	if ref.Nickname != "" {
		u.Nickname = ref.Nickname
	}
	if ref.AvatarURL != "" {
		u.AvatarURL = ref.AvatarURL
	}
	if !at.IsZero() {
		t := at
		u.LastSeen = &t
	}
	return u
}

func mergeRoles(u *UserDetail, r models.RoleFlags) {
	u.IsModerator = u.IsModerator || r.IsModerator
	u.IsSubscriber = u.IsSubscriber || r.IsSubscriber
	u.IsFollower = u.IsFollower || r.IsFollower
	u.IsNewFollower = u.IsNewFollower || r.IsNewFollower
}

// RecordChat folds one chat message into the session.
func (a *Aggregator) RecordChat(ev models.ChatEvent) {
	a.session.TotalMessages++
	a.totalMessageChars += len([]rune(ev.Message))

	u := a.user(ev.User, ev.Timestamp)
	u.MessageCount++
	mergeRoles(u, ev.Roles)
	if ev.Level > u.Level {
		u.Level = ev.Level
	}
	if ev.FollowerCount > 0 {
		u.FollowerCount = ev.FollowerCount
	}
	if ev.Region != "" {
		u.Region = ev.Region
	}

	a.bump(a.regions, regionKey(ev.Region), ev.User.Username)

	a.chatHistory = append(a.chatHistory, ChatRecord{
		Username:  ev.User.Username,
		Nickname:  ev.User.Nickname,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	})
	if len(a.chatHistory) > a.cfg.ChatHistoryCap {
		a.chatHistory = a.chatHistory[len(a.chatHistory)-a.cfg.ChatHistoryCap:]
	}
}

// RecordGift folds one completed gift into the session.
func (a *Aggregator) RecordGift(ev models.GiftEvent) {
	a.session.TotalGifts++
	a.session.TotalDiamonds += ev.Diamonds
	a.giftEventCount++

	u := a.user(ev.User, ev.Timestamp)
	u.GiftCount++
	u.GiftDiamonds += ev.Diamonds
	mergeRoles(u, ev.Roles)

	name := ev.GiftName
	if name == "" {
		name = "unknown"
	}
	g, ok := a.gifts[name]
	if !ok {
		g = &GiftAnalysis{Name: name, senders: make(map[string]struct{}), order: len(a.giftOrder)}
		a.gifts[name] = g
		a.giftOrder = append(a.giftOrder, g)
	}
	g.Count++
	g.Diamonds += ev.Diamonds
	g.senders[ev.User.Username] = struct{}{}

	if ev.Diamonds >= a.cfg.ExpensiveGiftThreshold {
		a.expensiveGifts = append(a.expensiveGifts, ExpensiveGift{
			Username:  ev.User.Username,
			Nickname:  ev.User.Nickname,
			GiftName:  name,
			Diamonds:  ev.Diamonds,
			Timestamp: ev.Timestamp,
		})
		if len(a.expensiveGifts) > a.cfg.ExpensiveGiftCap {
			a.expensiveGifts = a.expensiveGifts[len(a.expensiveGifts)-a.cfg.ExpensiveGiftCap:]
		}
	}
}

// RecordLike folds a like batch into the session.
func (a *Aggregator) RecordLike(ev models.LikeEvent) {
	a.session.TotalLikes += ev.Likes

	u := a.user(ev.User, ev.Timestamp)
	u.LikeCount += ev.Likes
}

// RecordFollow folds a follow into the session.
func (a *Aggregator) RecordFollow(ev models.SocialEvent) {
	a.session.TotalFollows++

	u := a.user(ev.User, ev.Timestamp)
	u.IsFollower = true
	u.IsNewFollower = true
}

// RecordShare folds a share into the session.
func (a *Aggregator) RecordShare(ev models.SocialEvent) {
	a.session.TotalShares++

	u := a.user(ev.User, ev.Timestamp)
	u.ShareCount++
}

// RecordSubscribe folds a paid subscription into the session.
func (a *Aggregator) RecordSubscribe(ev models.SubscribeEvent) {
	a.session.TotalSubscribes++

	u := a.user(ev.User, ev.Timestamp)
	u.IsSubscriber = true
}

// RecordMember folds a room join into the session. TotalEverJoined counts
// join events including rejoins; the upstream viewer-count message carries no
// cumulative figure, so observed joins are the source.
func (a *Aggregator) RecordMember(ev models.MemberEvent) {
	u := a.user(ev.User, ev.Timestamp)
	if u.JoinCount == 0 {
		a.session.UniqueJoiners++
	}
	u.JoinCount++
	a.session.TotalEverJoined++
	if ev.TrafficSource != "" {
		u.TrafficSource = ev.TrafficSource
	}
	if ev.Region != "" {
		u.Region = ev.Region
	}

	a.bump(a.traffic, ev.TrafficSource, ev.User.Username)
}

// UpdateViewerCount sets the current viewer count. The peak only moves up, and
// carries the timestamp of when it was reached.
func (a *Aggregator) UpdateViewerCount(current int, at time.Time) {
	a.session.CurrentViewers = current
	if current > a.session.PeakViewers {
		a.session.PeakViewers = current
		t := at
		a.session.PeakViewersAt = &t
	}
}

func (a *Aggregator) bump(m map[string]*bucket, key, username string) {
	if key == "" {
		key = "unknown"
	}
	b, ok := m[key]
	if !ok {
		b = &bucket{users: make(map[string]struct{}), order: len(m)}
		m[key] = b
	}
	b.count++
	b.users[username] = struct{}{}
}

func regionKey(region string) string {
	if region == "" {
		return "unknown"
	}
	return region
}
