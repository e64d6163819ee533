package recorder

import (
	"errors"
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	r, err := New(t.TempDir(), logger, nil)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	return r
}

func TestStartRequiresStreamURL(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.Start("host", ""); !errors.Is(err, ErrNoStreamURL) {
		t.Fatalf("expected ErrNoStreamURL, got %v", err)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.Stop("host"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestProgressWithoutRecording(t *testing.T) {
	r := newTestRecorder(t)
	if _, err := r.Progress("host"); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}
