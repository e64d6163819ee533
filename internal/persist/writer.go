package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spyglass/internal/stats"
	"spyglass/pkg/logging"
)

const finalSuffix = "-final"

// Writer persists statistics snapshots as JSON documents, one file per
// session. Rolling writes are debounced and fire-and-forget; the final write
// on session end is synchronous and uses a distinct filename suffix so
// in-progress and completed sessions are distinguishable on disk.
type Writer struct {
	dir      string
	debounce *Debouncer
	logger   logging.Logger

	mu      sync.Mutex
	session string
}

// NewWriter creates a snapshot writer rooted at dir.
func NewWriter(dir string, window time.Duration, logger logging.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return &Writer{
		dir:      dir,
		debounce: NewDebouncer(window),
		logger:   logger,
	}, nil
}

// StartSession fixes the file name for the current session and re-arms the
// debouncer in case a previous session's final write stopped it.
func (w *Writer) StartSession(roomID string, startedAt time.Time) {
	w.mu.Lock()
	if roomID == "" {
		roomID = "room"
	}
	w.session = fmt.Sprintf("session-%s-%s", roomID, startedAt.UTC().Format("20060102T150405"))
	w.mu.Unlock()

	w.debounce.Reset()
}

// Schedule queues a rolling write of the snapshot after the quiescence
// window. Failures are logged and swallowed; in-memory state is never
// affected by disk errors.
func (w *Writer) Schedule(snap stats.Snapshot) {
	w.debounce.Trigger(func() {
		if err := w.write(snap, false); err != nil {
			w.logger.WithError(err).Error("Rolling snapshot write failed")
		}
	})
}

// WriteFinal synchronously writes the closing snapshot for the session. It
// runs off the hot path and is allowed to block.
func (w *Writer) WriteFinal(snap stats.Snapshot) error {
	w.debounce.Stop()
	if err := w.write(snap, true); err != nil {
		w.logger.WithError(err).Error("Final snapshot write failed")
		return err
	}
	return nil
}

// Path returns the file path a rolling or final write would use.
func (w *Writer) Path(final bool) string {
	w.mu.Lock()
	session := w.session
	w.mu.Unlock()

	if session == "" {
		session = "session-pending"
	}
	name := session
	if final {
		name += finalSuffix
	}
	return filepath.Join(w.dir, name+".json")
}

func (w *Writer) write(snap stats.Snapshot, final bool) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := w.Path(final)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}
