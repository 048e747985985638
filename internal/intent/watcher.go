package intent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/vitrinehub/billing-engine/internal"
	intentmodel "github.com/vitrinehub/billing-engine/internal/core/datamodel/intent"
)

// ErrCheckInFlight reports that a status check for the intent is already
// running; the caller skips instead of stacking another gateway query.
var ErrCheckInFlight = errors.New("status check already in flight for this intent")

type WatcherConfig struct {
	InitialDelay time.Duration
	PollInterval time.Duration
	HardTimeout  time.Duration
}

// Watcher drives confirmation polling for pending intents. Checks are
// single-flight per intent and the loop is cancelable through its context;
// cancellation never rolls back a transition that already committed.
type Watcher struct {
	service *Service
	logger  *slog.Logger

	initialDelay time.Duration
	pollInterval time.Duration
	hardTimeout  time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewWatcher(service *Service, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 35 * time.Minute
	}
	return &Watcher{
		service:      service,
		logger:       logger,
		initialDelay: cfg.InitialDelay,
		pollInterval: cfg.PollInterval,
		hardTimeout:  cfg.HardTimeout,
		inFlight:     make(map[string]struct{}),
	}
}

// CheckOnce runs a single confirmation check, guarded so that only one check
// per intent is outstanding at a time.
func (w *Watcher) CheckOnce(ctx context.Context, intentID string) (*intentmodel.PaymentIntent, error) {
	if !w.tryAcquire(intentID) {
		return nil, ErrCheckInFlight
	}
	defer w.release(intentID)

	return w.service.CheckOnce(ctx, intentID)
}

// Watch polls until the intent reaches a terminal state, the hard timeout
// elapses, or the caller cancels. A gateway outage is logged and retried on
// the next tick; it never changes intent state.
func (w *Watcher) Watch(ctx context.Context, intentID string) (*intentmodel.PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, w.hardTimeout)
	defer cancel()

	timer := time.NewTimer(w.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("watch loop cancelled", "intent_id", intentID)
			return nil, ctx.Err()
		case <-timer.C:
		}

		record, err := w.CheckOnce(ctx, intentID)
		switch {
		case errors.Is(err, ErrCheckInFlight):
			// another caller is mid-check; wait for the next tick
		case errors.Is(err, apperrors.ErrGatewayUnavailable):
			w.logger.Warn("gateway unavailable during confirmation poll, will retry",
				"intent_id", intentID,
				"error", err)
		case err != nil:
			return nil, err
		case record.Status.Terminal():
			w.logger.Info("confirmation polling finished",
				"intent_id", intentID,
				"status", record.Status)
			return record, nil
		}

		timer.Reset(w.pollInterval)
	}
}

func (w *Watcher) tryAcquire(intentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[intentID]; busy {
		return false
	}
	w.inFlight[intentID] = struct{}{}
	return true
}

func (w *Watcher) release(intentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, intentID)
}
