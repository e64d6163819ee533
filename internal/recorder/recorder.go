package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"spyglass/internal/metrics"
	"spyglass/pkg/logging"
)

var (
	ErrFFmpegNotFound   = errors.New("ffmpeg binary not found in PATH")
	ErrNoStreamURL      = errors.New("room has no HLS stream URL")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Progress reports the state of one recording.
type Progress struct {
	Username  string    `json:"username"`
	Path      string    `json:"path"`
	StartedAt time.Time `json:"started_at"`
	Elapsed   string    `json:"elapsed"`
	Bytes     int64     `json:"bytes"`
	Running   bool      `json:"running"`
}

type recording struct {
	username  string
	path      string
	startedAt time.Time
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	mu       sync.Mutex
	finished bool
	waitErr  error
}

// Recorder manages ffmpeg stream captures, one per broadcaster.
type Recorder struct {
	dir     string
	logger  logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active map[string]*recording
}

// New creates a recorder writing into dir.
func New(dir string, logger logging.Logger, m *metrics.Metrics) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings dir: %w", err)
	}
	return &Recorder{
		dir:     dir,
		logger:  logger,
		metrics: m,
		active:  make(map[string]*recording),
	}, nil
}

// Start launches an ffmpeg copy of the given HLS URL. Only one recording per
// broadcaster runs at a time.
func (r *Recorder) Start(username, hlsURL string) (*Progress, error) {
	if hlsURL == "" {
		return nil, ErrNoStreamURL
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, ErrFFmpegNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[username]; ok && !rec.done() {
		return nil, ErrAlreadyRecording
	}

	now := time.Now()
	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.mkv", username, now.Format("2006y01m02dT15h04m05s")))
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(r.dir, fmt.Sprintf("%s-%d.mkv", username, now.Unix()))
	}

	cmd := exec.Command("ffmpeg", "-i", hlsURL, "-c", "copy", path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	rec := &recording{
		username:  username,
		path:      path,
		startedAt: now,
		cmd:       cmd,
		stdin:     stdin,
	}
	r.active[username] = rec

	go func() {
		err := cmd.Wait()
		rec.mu.Lock()
		rec.finished = true
		rec.waitErr = err
		rec.mu.Unlock()
		if r.metrics != nil {
			r.metrics.RecordingSessions.WithLabelValues("active").Dec()
		}
		if err != nil {
			r.logger.WithError(err).WithFields(logging.Fields{
				"username": username,
				"path":     path,
			}).Warn("Recording process exited with error")
			return
		}
		r.logger.WithFields(logging.Fields{
			"username": username,
			"path":     path,
		}).Info("Recording finished")
	}()

	if r.metrics != nil {
		r.metrics.RecordingSessions.WithLabelValues("active").Inc()
	}
	r.logger.WithFields(logging.Fields{
		"username": username,
		"path":     path,
	}).Info("Recording started")

	return r.progressLocked(rec), nil
}

// Stop asks ffmpeg to finish cleanly by sending the "q" key press.
func (r *Recorder) Stop(username string) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[username]
	if !ok || rec.done() {
		return nil, ErrNotRecording
	}

	if _, err := rec.stdin.Write([]byte("q\n")); err != nil {
		// process may have died between the check and the write
		rec.cmd.Process.Kill()
	}

	delete(r.active, username)
	return r.progressLocked(rec), nil
}

// Progress reports the active recording for the broadcaster, if any.
func (r *Recorder) Progress(username string) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[username]
	if !ok {
		return nil, ErrNotRecording
	}
	return r.progressLocked(rec), nil
}

// StopAll terminates every active recording; used on shutdown.
func (r *Recorder) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for username, rec := range r.active {
		if !rec.done() {
			rec.stdin.Write([]byte("q\n"))
		}
		delete(r.active, username)
	}
}

func (r *Recorder) progressLocked(rec *recording) *Progress {
	var size int64
	if fi, err := os.Stat(rec.path); err == nil {
		size = fi.Size()
	}
	return &Progress{
		Username:  rec.username,
		Path:      rec.path,
		StartedAt: rec.startedAt,
		Elapsed:   time.Since(rec.startedAt).Round(time.Second).String(),
		Bytes:     size,
		Running:   !rec.done(),
	}
}

func (rec *recording) done() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.finished
}
