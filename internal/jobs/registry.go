package jobs

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"media-workbench/internal/domain"
)

// ErrDuplicateJobID is returned when a job id is already tracked.
var ErrDuplicateJobID = errors.New("job id already registered")

// ErrInvalidJobID is returned for an empty job id.
var ErrInvalidJobID = errors.New("job id is required")

// ChangeKind classifies registry mutations delivered to observers.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeProgress ChangeKind = "progress"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one registry mutation as seen by observers. For removals Job
// holds the last known state.
type Change struct {
	Kind ChangeKind       `json:"kind"`
	Job  domain.JobHandle `json:"job"`
}

// entry wraps a handle with its creation order.
type entry struct {
	handle domain.JobHandle
	seq    uint64
}

// Registry is the single source of truth for tracked jobs.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[domain.JobID]*entry
	nextSeq uint64

	watchMu    sync.RWMutex
	nextWatch  uint64
	watchers   map[domain.JobID]map[uint64]func(Change)
	allWatches map[uint64]func(Change)

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:       make(map[domain.JobID]*entry),
		watchers:   make(map[domain.JobID]map[uint64]func(Change)),
		allWatches: make(map[uint64]func(Change)),
		now:        time.Now,
	}
}

// CreateJob starts tracking a job at zero progress.
func (r *Registry) CreateJob(id domain.JobID, name, originPage string) error {
	if strings.TrimSpace(string(id)) == "" {
		return ErrInvalidJobID
	}

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return errors.Wrapf(ErrDuplicateJobID, "create job %s", id)
	}
	r.nextSeq++
	e := &entry{
		handle: domain.JobHandle{
			ID:         id,
			Name:       name,
			OriginPage: originPage,
			CreatedAt:  r.now().UTC(),
		},
		seq: r.nextSeq,
	}
	r.jobs[id] = e
	snapshot := e.handle
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeCreated, Job: snapshot})
	return nil
}

// UpdateProgress replaces the progress of a tracked job. The value is
// stored as given. Unknown ids are ignored and report false.
func (r *Registry) UpdateProgress(id domain.JobID, percent float64) bool {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.handle.ProgressPercent = percent
	snapshot := e.handle
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeProgress, Job: snapshot})
	return true
}

// RemoveJob stops tracking a job. Removing an unknown id is a no-op.
func (r *Registry) RemoveJob(id domain.JobID) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.jobs, id)
	snapshot := e.handle
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeRemoved, Job: snapshot})
}

// GetJobByID returns a copy of the tracked job.
func (r *Registry) GetJobByID(id domain.JobID) (domain.JobHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return domain.JobHandle{}, false
	}
	return e.handle, true
}

// GetJobIDByName returns the id of a live job with the given name. When
// several jobs share the name, the earliest created one wins.
func (r *Registry) GetJobIDByName(name string) (domain.JobID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *entry
	for _, e := range r.jobs {
		if e.handle.Name != name {
			continue
		}
		if found == nil || e.seq < found.seq {
			found = e
		}
	}
	if found == nil {
		return "", false
	}
	return found.handle.ID, true
}

// JobsByName returns every live job with the given name in creation order.
func (r *Registry) JobsByName(name string) []domain.JobHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*entry, 0, 1)
	for _, e := range r.jobs {
		if e.handle.Name == name {
			matches = append(matches, e)
		}
	}
	return handlesInOrder(matches)
}

// Jobs returns a snapshot of all live jobs in creation order.
func (r *Registry) Jobs() []domain.JobHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*entry, 0, len(r.jobs))
	for _, e := range r.jobs {
		all = append(all, e)
	}
	return handlesInOrder(all)
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Watch registers fn for changes to one job id. The returned func stops
// delivery and is safe to call more than once.
func (r *Registry) Watch(id domain.JobID, fn func(Change)) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	r.nextWatch++
	key := r.nextWatch
	if r.watchers[id] == nil {
		r.watchers[id] = make(map[uint64]func(Change))
	}
	r.watchers[id][key] = fn

	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		delete(r.watchers[id], key)
		if len(r.watchers[id]) == 0 {
			delete(r.watchers, id)
		}
	}
}

// WatchAll registers fn for changes to any job.
func (r *Registry) WatchAll(fn func(Change)) func() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	r.nextWatch++
	key := r.nextWatch
	r.allWatches[key] = fn

	return func() {
		r.watchMu.Lock()
		defer r.watchMu.Unlock()
		delete(r.allWatches, key)
	}
}

// notify fans a change out to observers without holding the job lock.
func (r *Registry) notify(change Change) {
	r.watchMu.RLock()
	targets := make([]func(Change), 0, len(r.allWatches)+len(r.watchers[change.Job.ID]))
	for _, fn := range r.watchers[change.Job.ID] {
		targets = append(targets, fn)
	}
	for _, fn := range r.allWatches {
		targets = append(targets, fn)
	}
	r.watchMu.RUnlock()

	for _, fn := range targets {
		fn(change)
	}
}

func handlesInOrder(entries []*entry) []domain.JobHandle {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.JobHandle, len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}
