package dispatch

import (
	"context"
	"time"

	"spyglass/internal/connector"
	"spyglass/internal/metrics"
	"spyglass/internal/normalizer"
	"spyglass/internal/persist"
	"spyglass/internal/sink"
	"spyglass/internal/stats"
	"spyglass/pkg/logging"
	"spyglass/pkg/models"
)

// Broadcaster fans events out to connected dashboard clients.
type Broadcaster interface {
	BroadcastEvent(eventType, channel string, data interface{})
}

// Hooks let the caller observe session transitions without the dispatcher
// knowing about room-state tracking. All hooks run on the dispatcher
// goroutine and must not block.
type Hooks struct {
	OnSessionStart func(models.RoomInfoEvent)
	OnSessionEnd   func(models.StreamEndEvent)
	OnViewerCount  func(models.ViewerCountEvent)
}

// Config wires the dispatcher's collaborators. Hub, Sink, Writer and Metrics
// are optional; a nil value disables that output.
type Config struct {
	Normalizer    *normalizer.Normalizer
	Aggregator    *stats.Aggregator
	Writer        *persist.Writer
	Hub           Broadcaster
	Sink          sink.EventSink
	Hooks         Hooks
	Metrics       *metrics.Metrics
	Logger        logging.Logger
	StatsInterval time.Duration
}

type snapshotReq struct {
	reply chan stats.Snapshot
}

type sinkItem struct {
	roomID    string
	eventType string
	payload   interface{}
}

// Dispatcher is the single writer over the aggregator. Every raw event, stats
// read and session transition passes through its Run loop, so the aggregator
// itself needs no locking.
type Dispatcher struct {
	cfg Config

	events    chan connector.RawEvent
	snapshots chan snapshotReq
	sinkQueue chan sinkItem

	roomID string
	dirty  bool
}

// New creates a dispatcher. Call Run to start it.
func New(cfg Config) *Dispatcher {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 2 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		events:    make(chan connector.RawEvent, 1024),
		snapshots: make(chan snapshotReq),
		sinkQueue: make(chan sinkItem, 1024),
	}
}

// Ingest queues one raw event. Safe to call from any goroutine; when the
// queue is full the event is dropped rather than blocking the connector.
func (d *Dispatcher) Ingest(ev connector.RawEvent) {
	select {
	case d.events <- ev:
	default:
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.EventsDropped.WithLabelValues(ev.Kind).Inc()
		}
		d.cfg.Logger.WithFields(logging.Fields{
			"kind": ev.Kind,
		}).Warn("Event queue full, dropping event")
	}
}

// Snapshot returns the current aggregate state, computed on the dispatcher
// goroutine so reads never race writes.
func (d *Dispatcher) Snapshot(ctx context.Context) (stats.Snapshot, error) {
	req := snapshotReq{reply: make(chan stats.Snapshot, 1)}
	select {
	case d.snapshots <- req:
	case <-ctx.Done():
		return stats.Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		return snap, nil
	case <-ctx.Done():
		return stats.Snapshot{}, ctx.Err()
	}
}

// Run processes events until the context is cancelled. It owns the
// aggregator for its whole lifetime.
func (d *Dispatcher) Run(ctx context.Context) {
	go d.sinkWorker(ctx)

	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case ev := <-d.events:
			d.handle(ev)
		case req := <-d.snapshots:
			req.reply <- d.cfg.Aggregator.Snapshot()
		case <-ticker.C:
			d.flush()
		}
	}
}

// flush publishes and persists the current snapshot if anything changed
// since the last tick.
func (d *Dispatcher) flush() {
	if !d.dirty {
		return
	}
	d.dirty = false

	snap := d.cfg.Aggregator.Snapshot()
	if d.cfg.Hub != nil {
		d.cfg.Hub.BroadcastEvent("stats_update", "stats", snap)
	}
	if d.cfg.Writer != nil {
		d.cfg.Writer.Schedule(snap)
	}
}

func (d *Dispatcher) handle(raw connector.RawEvent) {
	result := d.cfg.Normalizer.Normalize(raw)
	switch result.Status {
	case normalizer.Skip:
		return
	case normalizer.Error:
		d.cfg.Logger.WithFields(logging.Fields{
			"kind":   raw.Kind,
			"reason": result.Reason,
		}).Warn("Event failed normalization")
	}

	for _, n := range result.Events {
		d.apply(n)
		d.broadcast(n)
		d.publish(n)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.EventsIngested.WithLabelValues(n.Kind).Inc()
		}
	}
}

// apply mutates the aggregator and drives session transitions.
func (d *Dispatcher) apply(n normalizer.Normalized) {
	agg := d.cfg.Aggregator

	switch ev := n.Event.(type) {
	case models.ChatEvent:
		agg.RecordChat(ev)
	case models.GiftEvent:
		if n.Kind != models.KindGift {
			return // alert duplicates the gift payload, count it once
		}
		agg.RecordGift(ev)
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.DiamondsCounted.WithLabelValues(ev.GiftName).Add(float64(ev.Diamonds))
		}
	case models.LikeEvent:
		agg.RecordLike(ev)
	case models.SocialEvent:
		if n.Kind == models.KindFollow {
			agg.RecordFollow(ev)
		} else {
			agg.RecordShare(ev)
		}
	case models.SubscribeEvent:
		agg.RecordSubscribe(ev)
	case models.MemberEvent:
		agg.RecordMember(ev)
	case models.ViewerCountEvent:
		agg.UpdateViewerCount(ev.Current, ev.Timestamp)
		if d.cfg.Hooks.OnViewerCount != nil {
			d.cfg.Hooks.OnViewerCount(ev)
		}
	case models.RoomInfoEvent:
		d.startSession(ev)
	case models.StreamEndEvent:
		d.endSession(ev)
		return // final write already done, skip the dirty mark
	case models.ErrorEvent:
		return // forwarded to clients, no aggregate impact
	default:
		return
	}

	d.dirty = true
}

func (d *Dispatcher) startSession(ev models.RoomInfoEvent) {
	d.roomID = ev.RoomID
	d.cfg.Aggregator.StartSession(ev)
	if d.cfg.Writer != nil {
		startedAt := ev.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		}
		d.cfg.Writer.StartSession(ev.RoomID, startedAt)
	}
	if d.cfg.Hooks.OnSessionStart != nil {
		d.cfg.Hooks.OnSessionStart(ev)
	}
	d.cfg.Logger.WithFields(logging.Fields{
		"room_id": ev.RoomID,
		"host":    ev.Host.Username,
	}).Info("Session started")
}

func (d *Dispatcher) endSession(ev models.StreamEndEvent) {
	if !d.cfg.Aggregator.SessionActive() {
		return
	}
	d.cfg.Aggregator.EndSession(ev.Timestamp)

	snap := d.cfg.Aggregator.Snapshot()
	if d.cfg.Hub != nil {
		d.cfg.Hub.BroadcastEvent("stats_update", "stats", snap)
	}
	if d.cfg.Writer != nil {
		if err := d.cfg.Writer.WriteFinal(snap); err != nil {
			d.cfg.Logger.WithError(err).Error("Final snapshot write failed")
		} else if d.cfg.Metrics != nil {
			d.cfg.Metrics.SnapshotWrites.WithLabelValues("final").Inc()
		}
	}
	if d.cfg.Hooks.OnSessionEnd != nil {
		d.cfg.Hooks.OnSessionEnd(ev)
	}
	d.dirty = false
	d.cfg.Logger.WithFields(logging.Fields{
		"room_id": d.roomID,
	}).Info("Session ended")
}

// broadcast routes the event to its WebSocket channel.
func (d *Dispatcher) broadcast(n normalizer.Normalized) {
	if d.cfg.Hub == nil {
		return
	}
	channel := "events"
	switch n.Kind {
	case models.KindGiftAlert:
		channel = "alerts"
	case models.KindError, models.KindRoomInfo, models.KindStreamEnd:
		channel = "system"
	}
	d.cfg.Hub.BroadcastEvent(n.Kind, channel, n.Event)
}

// publish queues the event for the downstream sink without blocking the loop.
func (d *Dispatcher) publish(n normalizer.Normalized) {
	if d.cfg.Sink == nil {
		return
	}
	select {
	case d.sinkQueue <- sinkItem{roomID: d.roomID, eventType: n.Kind, payload: n.Event}:
	default:
		d.cfg.Logger.Warn("Sink queue full, dropping event")
	}
}

func (d *Dispatcher) sinkWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.sinkQueue:
			if err := d.cfg.Sink.Publish(item.roomID, item.eventType, item.payload); err != nil {
				d.cfg.Logger.WithError(err).Warn("Sink publish failed")
			}
		}
	}
}
