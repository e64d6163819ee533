package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spyglass/internal/connector"
	"spyglass/internal/dispatch"
	"spyglass/internal/recorder"
	"spyglass/internal/roomstate"
	"spyglass/internal/websocket"
	"spyglass/pkg/logging"
)

// SpyglassHandlers contains the HTTP handlers for the service
type SpyglassHandlers struct {
	dispatcher  *dispatch.Dispatcher
	hub         *websocket.Hub
	tracker     *roomstate.Tracker
	profiles    roomstate.ProfileSource
	recorder    *recorder.Recorder
	trackedUser string
	logger      logging.Logger
	startTime   time.Time
}

// NewSpyglassHandlers creates a new handlers instance
func NewSpyglassHandlers(
	dispatcher *dispatch.Dispatcher,
	hub *websocket.Hub,
	tracker *roomstate.Tracker,
	profiles roomstate.ProfileSource,
	rec *recorder.Recorder,
	trackedUser string,
	logger logging.Logger,
) *SpyglassHandlers {
	return &SpyglassHandlers{
		dispatcher:  dispatcher,
		hub:         hub,
		tracker:     tracker,
		profiles:    profiles,
		recorder:    rec,
		trackedUser: trackedUser,
		logger:      logger,
		startTime:   time.Now(),
	}
}

// HandleWebSocket serves WebSocket connections for dashboard clients
func (h *SpyglassHandlers) HandleWebSocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// HandleStats returns the current aggregate snapshot
func (h *SpyglassHandlers) HandleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.dispatcher.Snapshot(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Snapshot request failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleSession returns session metadata: the counters, hub stats, follower
// movement and the history of past sessions
func (h *SpyglassHandlers) HandleSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.dispatcher.Snapshot(ctx)
	if err != nil {
		h.logger.WithError(err).Error("Snapshot request failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":                  snap.Session,
		"live":                     h.tracker.Live(),
		"uptime":                   time.Since(h.startTime).String(),
		"websocket":                h.hub.Stats(),
		"follower_checkpoints":     h.tracker.Checkpoints(),
		"follower_growth_per_hour": h.tracker.AverageGrowthPerHour(),
		"past_sessions":            h.tracker.Summaries(),
	})
}

// HandleProfile looks up a broadcaster profile. The tracked broadcaster is
// served from the tracker's cache; anyone else costs an upstream fetch.
func (h *SpyglassHandlers) HandleProfile(c *gin.Context) {
	username := c.Param("username")
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"exists": false, "error": "username required"})
		return
	}

	var (
		profile *connector.RoomProfile
		err     error
	)
	if username == h.trackedUser {
		profile, err = h.tracker.Profile()
	} else {
		profile, err = h.profiles.FetchProfile(username)
	}

	if err != nil {
		class := connector.ClassOf(err)
		status := http.StatusBadGateway
		if class == connector.FailureNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"exists": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"exists":  true,
		"profile": profile,
		"live":    profile.Live,
	})
}

// HandleRecordingStart begins capturing the broadcaster's stream
func (h *SpyglassHandlers) HandleRecordingStart(c *gin.Context) {
	username := c.Param("username")

	var profile *connector.RoomProfile
	var err error
	if username == h.trackedUser {
		profile, err = h.tracker.Profile()
	} else {
		profile, err = h.profiles.FetchProfile(username)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if !profile.Live {
		c.JSON(http.StatusConflict, gin.H{"error": "broadcaster is not live"})
		return
	}

	progress, err := h.recorder.Start(username, profile.HlsURL)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, recorder.ErrAlreadyRecording):
			status = http.StatusConflict
		case errors.Is(err, recorder.ErrFFmpegNotFound), errors.Is(err, recorder.ErrNoStreamURL):
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, progress)
}

// HandleRecordingStop ends an active recording
func (h *SpyglassHandlers) HandleRecordingStop(c *gin.Context) {
	progress, err := h.recorder.Stop(c.Param("username"))
	if err != nil {
		if errors.Is(err, recorder.ErrNotRecording) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// HandleRecordingProgress reports the state of an active recording
func (h *SpyglassHandlers) HandleRecordingProgress(c *gin.Context) {
	progress, err := h.recorder.Progress(c.Param("username"))
	if err != nil {
		if errors.Is(err, recorder.ErrNotRecording) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}
