package connector

import (
	"context"
	"errors"
	"time"

	"spyglass/pkg/logging"
)

// Attacher connects to one broadcaster's live stream. The returned channel
// closes when the event drain exits, whether through stream end or context
// cancellation.
type Attacher interface {
	Attach(ctx context.Context, username string) (<-chan struct{}, error)
}

// Supervise keeps an Attacher connected across sessions: it retries while the
// broadcaster is offline and re-attaches after each stream ends, so one
// process can observe any number of consecutive sessions. onStatus receives
// "connected" plus every failure class and may be nil. Supervise returns when
// the context is cancelled, or with an *AttachError when the user does not
// exist.
func Supervise(ctx context.Context, a Attacher, username string, retry time.Duration, logger logging.Logger, onStatus func(status, message string)) error {
	for {
		done, err := a.Attach(ctx, username)
		if err == nil {
			logger.WithFields(logging.Fields{
				"username": username,
			}).Info("Attached to live stream")
			if onStatus != nil {
				onStatus("connected", "")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-done:
			}

			logger.WithFields(logging.Fields{
				"username": username,
			}).Info("Stream drain finished, watching for the next session")
			continue
		}

		var ae *AttachError
		if errors.As(err, &ae) && ae.Class == FailureNotFound {
			return err
		}

		logger.WithError(err).WithFields(logging.Fields{
			"username": username,
			"class":    string(ClassOf(err)),
			"retry_in": retry.String(),
		}).Warn("Stream attach failed")
		if onStatus != nil {
			onStatus(string(ClassOf(err)), err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}
