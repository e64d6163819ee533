package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"spyglass/internal/connector"
	"spyglass/internal/dispatch"
	"spyglass/internal/handlers"
	"spyglass/internal/metrics"
	"spyglass/internal/normalizer"
	"spyglass/internal/persist"
	"spyglass/internal/recorder"
	"spyglass/internal/roomstate"
	"spyglass/internal/sink"
	"spyglass/internal/stats"
	"spyglass/internal/websocket"
	"spyglass/pkg/config"
	"spyglass/pkg/logging"
	"spyglass/pkg/models"
	"spyglass/pkg/monitoring"
	"spyglass/pkg/server"
	"spyglass/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("spyglass")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Spyglass (live stream analytics)")

	username := config.RequireEnv("TIKTOK_USERNAME")
	apiKey := config.GetEnv("TIKTOK_SIGNER_API_KEY", "")
	snapshotDir := config.GetEnv("SNAPSHOT_DIR", "./snapshots")
	recordingsDir := config.GetEnv("RECORDINGS_DIR", "./recordings")
	debounceMs := config.GetEnvInt("SNAPSHOT_DEBOUNCE_MS", 1000)
	profileTTL := config.GetEnvInt("PROFILE_CACHE_TTL_SECONDS", 600)
	pollInterval := config.GetEnvInt("PROFILE_POLL_SECONDS", 60)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("spyglass", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("spyglass", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		EventsIngested:    metricsCollector.NewCounter("events_ingested_total", "Normalized events ingested", []string{"event_type"}),
		EventsDropped:     metricsCollector.NewCounter("events_dropped_total", "Raw events dropped at the queue", []string{"event_type"}),
		DiamondsCounted:   metricsCollector.NewCounter("diamonds_counted_total", "Diamonds credited to the session", []string{"gift_name"}),
		HubConnections:    metricsCollector.NewGauge("websocket_hub_connections_active", "Active WebSocket hub connections", []string{"channel"}),
		HubMessages:       metricsCollector.NewCounter("websocket_hub_messages_total", "WebSocket hub messages", []string{"channel", "direction"}),
		SnapshotWrites:    metricsCollector.NewCounter("snapshot_writes_total", "Session snapshot files written", []string{"kind"}),
		KafkaMessages:     metricsCollector.NewCounter("kafka_messages_total", "Kafka records produced", []string{"event_type", "status"}),
		KafkaDuration:     metricsCollector.NewHistogram("kafka_produce_duration_seconds", "Kafka produce latency", []string{"topic"}, nil),
		RecordingSessions: metricsCollector.NewGauge("recording_sessions", "Stream recordings by state", []string{"state"}),
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(logger, serviceMetrics)
	go hub.Run()

	// TikTok connector
	conn, err := connector.NewTikTokConnector(logger, apiKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize TikTok connector")
	}
	defer conn.Close()

	// Broadcaster state tracker
	tracker := roomstate.NewTracker(conn, username, time.Duration(profileTTL)*time.Second, logger)

	// Debounced snapshot persistence
	writer, err := persist.NewWriter(snapshotDir, time.Duration(debounceMs)*time.Millisecond, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize snapshot writer")
	}

	// Stream recorder
	rec, err := recorder.New(recordingsDir, logger, serviceMetrics)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize recorder")
	}

	// Optional Kafka firehose
	var eventSink sink.EventSink
	if brokersEnv := config.GetEnv("KAFKA_BROKERS", ""); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		topic := config.GetEnv("KAFKA_TOPIC", "live_stream_events")
		kafkaSink, err := sink.NewKafkaSink(brokers, topic, logger, serviceMetrics)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka sink")
		}
		defer kafkaSink.Close()
		eventSink = kafkaSink
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(kafkaSink.Client()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One stats config feeds both the aggregator and the normalizer's
	// high-value threshold, so the two can never disagree
	statsCfg := stats.DefaultConfig()

	// Dispatcher owns the aggregator; every event and stats read goes through it
	dispatcher := dispatch.New(dispatch.Config{
		Normalizer: normalizer.New(logger, statsCfg.HighValueGiftThreshold),
		Aggregator: stats.New(statsCfg),
		Writer:     writer,
		Hub:        hub,
		Sink:       eventSink,
		Metrics:    serviceMetrics,
		Logger:     logger,
		Hooks: dispatch.Hooks{
			OnSessionStart: func(models.RoomInfoEvent) {
				// the refresh drives the tracker's live transition with a
				// fresh follower baseline
				go func() {
					if _, err := tracker.Refresh(); err != nil {
						logger.WithError(err).Warn("Profile refresh on session start failed")
					}
				}()
				tracker.StartPolling(ctx, time.Duration(pollInterval)*time.Second)
			},
			OnSessionEnd: func(ev models.StreamEndEvent) {
				tracker.MarkOffline(ev.Timestamp)
			},
			OnViewerCount: func(ev models.ViewerCountEvent) {
				tracker.ObserveViewers(ev.Current)
			},
		},
	})
	conn.OnAny(dispatcher.Ingest)
	go dispatcher.Run(ctx)

	// Keep the connector attached across sessions: retry while the
	// broadcaster is offline, re-attach when a stream ends
	retry := time.Duration(config.GetEnvInt("ATTACH_RETRY_SECONDS", 60)) * time.Second
	go func() {
		err := connector.Supervise(ctx, conn, username, retry, logger, func(status, message string) {
			hub.BroadcastEvent("connector_status", websocket.ChannelSystem, map[string]string{
				"status":   status,
				"username": username,
				"message":  message,
			})
		})
		var ae *connector.AttachError
		if errors.As(err, &ae) && ae.Class == connector.FailureNotFound {
			logger.WithError(err).Fatal("Broadcaster does not exist")
		}
	}()

	// Health checks
	healthChecker.AddCheck("connector", monitoring.ConnectorHealthCheck(conn))
	healthChecker.AddCheck("snapshot_dir", monitoring.SnapshotDirHealthCheck(snapshotDir))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"TIKTOK_USERNAME": username,
	}))

	// Setup router
	router := server.SetupServiceRouter(logger, "spyglass", healthChecker, metricsCollector)

	spyglassHandlers := handlers.NewSpyglassHandlers(dispatcher, hub, tracker, conn, rec, username, logger)

	router.GET("/ws", spyglassHandlers.HandleWebSocket)

	api := router.Group("/api")
	api.GET("/stats", spyglassHandlers.HandleStats)
	api.GET("/session", spyglassHandlers.HandleSession)
	api.GET("/profile/:username", spyglassHandlers.HandleProfile)
	api.POST("/recording/:username/start", spyglassHandlers.HandleRecordingStart)
	api.POST("/recording/:username/stop", spyglassHandlers.HandleRecordingStop)
	api.GET("/recording/:username/progress", spyglassHandlers.HandleRecordingProgress)

	// Start server with graceful shutdown; the hook flushes the final snapshot
	serverConfig := server.DefaultConfig("spyglass", "18020")
	if err := server.Start(serverConfig, router, logger, func(shutdownCtx context.Context) {
		snap, err := dispatcher.Snapshot(shutdownCtx)
		cancel()
		rec.StopAll()
		if err != nil {
			logger.WithError(err).Error("Could not capture final snapshot")
			return
		}
		if err := writer.WriteFinal(snap); err != nil {
			logger.WithError(err).Error("Final snapshot write failed")
			return
		}
		serviceMetrics.SnapshotWrites.WithLabelValues("final").Inc()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
