package jobs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-workbench/internal/domain"
)

// fakeSource records subscriptions and lets tests push progress.
type fakeSource struct {
	mu       sync.Mutex
	next     int
	handlers map[int]func(domain.JobID, float64)
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[int]func(domain.JobID, float64))}
}

// SubscribeProgress stores the handler until unsubscribed.
func (s *fakeSource) SubscribeProgress(handler func(domain.JobID, float64)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	key := s.next
	s.handlers[key] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, key)
	}
}

// emit delivers one event to every subscriber.
func (s *fakeSource) emit(id domain.JobID, percent float64) {
	s.mu.Lock()
	handlers := make([]func(domain.JobID, float64), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(id, percent)
	}
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// TestRelayFoldsProgressIntoRegistry checks events update tracked jobs.
func TestRelayFoldsProgressIntoRegistry(t *testing.T) {
	registry := NewRegistry()
	source := newFakeSource()
	relay := NewRelay(registry, source, nil)
	require.NoError(t, relay.Start())
	defer relay.Stop()

	require.NoError(t, registry.CreateJob("abc123", "Trimming Audio", "/audio/trim"))
	source.emit("abc123", 45)

	job, ok := registry.GetJobByID("abc123")
	require.True(t, ok)
	assert.Equal(t, float64(45), job.ProgressPercent)
}

// TestRelayDiscardsUnknownJobs checks events for removed jobs are dropped.
func TestRelayDiscardsUnknownJobs(t *testing.T) {
	registry := NewRegistry()
	source := newFakeSource()
	relay := NewRelay(registry, source, nil)
	require.NoError(t, relay.Start())
	defer relay.Stop()

	require.NoError(t, registry.CreateJob("a", "A", "/a"))
	registry.RemoveJob("a")

	assert.NotPanics(t, func() { source.emit("a", 99) })
	assert.Zero(t, registry.Len())
}

// TestRelaySingleSubscription rejects a second start and allows restart after stop.
func TestRelaySingleSubscription(t *testing.T) {
	registry := NewRegistry()
	source := newFakeSource()
	relay := NewRelay(registry, source, nil)

	require.NoError(t, relay.Start())
	assert.ErrorIs(t, relay.Start(), ErrRelayActive)
	assert.Equal(t, 1, source.subscribers())
	assert.True(t, relay.Active())

	relay.Stop()
	relay.Stop()
	assert.Zero(t, source.subscribers())
	assert.False(t, relay.Active())

	require.NoError(t, relay.Start())
	assert.Equal(t, 1, source.subscribers())
	relay.Stop()
}

// TestRelayLastWriteWins documents out-of-order delivery behavior.
func TestRelayLastWriteWins(t *testing.T) {
	registry := NewRegistry()
	source := newFakeSource()
	relay := NewRelay(registry, source, nil)
	require.NoError(t, relay.Start())
	defer relay.Stop()

	require.NoError(t, registry.CreateJob("a", "A", "/a"))
	source.emit("a", 60)
	source.emit("a", 60)
	source.emit("a", 40)

	job, _ := registry.GetJobByID("a")
	assert.Equal(t, float64(40), job.ProgressPercent)
}
