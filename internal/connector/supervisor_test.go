package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

type scriptedAttacher struct {
	mu     sync.Mutex
	calls  int
	script []func() (<-chan struct{}, error)
}

func (s *scriptedAttacher) Attach(ctx context.Context, username string) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.script) {
		// past the script, park until the supervisor is cancelled
		return nil, &AttachError{Class: FailureOffline, Message: "offline", Err: errors.New("offline")}
	}
	return s.script[i]()
}

func (s *scriptedAttacher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestSuperviseReattachesAfterStreamEnds(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	attacher := &scriptedAttacher{
		script: []func() (<-chan struct{}, error){
			// first session attaches and ends immediately
			func() (<-chan struct{}, error) { return closedChan(), nil },
			// second session also attaches, proving the loop resumed
			func() (<-chan struct{}, error) { return closedChan(), nil },
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var statuses []string
	go Supervise(ctx, attacher, "host", time.Millisecond, logger, func(status, message string) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	})

	deadline := time.Now().Add(2 * time.Second)
	for attacher.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor stopped after %d attach calls", attacher.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	connected := 0
	for _, s := range statuses {
		if s == "connected" {
			connected++
		}
	}
	if connected < 2 {
		t.Fatalf("expected a connected status per session, got %v", statuses)
	}
}

func TestSuperviseRetriesWhileOffline(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	offline := func() (<-chan struct{}, error) {
		return nil, &AttachError{Class: FailureOffline, Message: "offline", Err: errors.New("offline")}
	}
	attacher := &scriptedAttacher{
		script: []func() (<-chan struct{}, error){offline, offline, offline},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Supervise(ctx, attacher, "host", time.Millisecond, logger, nil)

	deadline := time.Now().Add(2 * time.Second)
	for attacher.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor gave up after %d attach calls", attacher.callCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSuperviseStopsOnUnknownUser(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	attacher := &scriptedAttacher{
		script: []func() (<-chan struct{}, error){
			func() (<-chan struct{}, error) {
				return nil, &AttachError{Class: FailureNotFound, Message: "no such user", Err: errors.New("not found")}
			},
		},
	}

	err := Supervise(context.Background(), attacher, "ghost", time.Millisecond, logger, nil)
	if ClassOf(err) != FailureNotFound {
		t.Fatalf("expected notFound, got %v", err)
	}
	if attacher.callCount() != 1 {
		t.Fatalf("unknown user must not be retried, attach called %d times", attacher.callCount())
	}
}
