package jobs

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"media-workbench/internal/domain"
)

// ErrRelayActive is returned when the relay is started twice.
var ErrRelayActive = errors.New("progress relay already active")

// ProgressSource delivers (job id, percent) notifications from the
// execution context until the returned func is called.
type ProgressSource interface {
	SubscribeProgress(handler func(id domain.JobID, percent float64)) (unsubscribe func())
}

// Relay folds progress notifications into a Registry. At most one
// subscription is active at a time.
type Relay struct {
	registry *Registry
	source   ProgressSource
	log      *zap.SugaredLogger

	mu          sync.Mutex
	unsubscribe func()
}

// NewRelay creates an inactive relay.
func NewRelay(registry *Registry, source ProgressSource, logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Relay{
		registry: registry,
		source:   source,
		log:      logger.Named("relay"),
	}
}

// Start subscribes to the progress source.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsubscribe != nil {
		return ErrRelayActive
	}
	if r.source == nil || r.registry == nil {
		return errors.New("progress relay is not configured")
	}

	r.unsubscribe = r.source.SubscribeProgress(r.deliver)
	r.log.Debug("progress relay subscribed")
	return nil
}

// Stop releases the subscription. Calling Stop on an inactive relay does
// nothing.
func (r *Relay) Stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		r.log.Debug("progress relay unsubscribed")
	}
}

// Active reports whether a subscription is held.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribe != nil
}

// deliver applies one event. Late events for removed jobs are dropped.
func (r *Relay) deliver(id domain.JobID, percent float64) {
	if !r.registry.UpdateProgress(id, percent) {
		r.log.Debugw("discarding progress for untracked job", "job_id", id, "percent", percent)
	}
}
