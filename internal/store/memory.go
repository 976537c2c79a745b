package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// InMemoryStore is a JobStore kept entirely in memory. It is used in tests
// and as a fallback when no durable DSN is configured.
type InMemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]models.Job
	deliveries map[string]models.Delivery // keyed by recipient + "\x00" + messageID
}

// Compile-time check that InMemoryStore implements JobStore.
var _ JobStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:       make(map[string]models.Job),
		deliveries: make(map[string]models.Delivery),
	}
}

func deliveryKey(recipient, messageID string) string {
	return recipient + "\x00" + messageID
}

func (s *InMemoryStore) AddJob(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scheduleJSON, err := marshalSchedule(job.Schedule)
	if err != nil {
		return err
	}
	if dup, err := s.findDuplicateLocked(job.OwnerKey, job.Payload.Body, scheduleJSON); err != nil {
		return err
	} else if dup != nil {
		return ErrJobExists
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) ListJobs(ownerKey string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.Job
	for _, j := range s.jobs {
		if j.OwnerKey == ownerKey {
			jobs = append(jobs, j)
		}
	}
	sortByNextRun(jobs)
	return jobs, nil
}

func (s *InMemoryStore) ListDependents(jobID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.Job
	for _, j := range s.jobs {
		if j.DependsOnJobID == jobID {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *InMemoryStore) FindDuplicate(ownerKey, body, scheduleJSON string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findDuplicateLocked(ownerKey, body, scheduleJSON)
}

func (s *InMemoryStore) findDuplicateLocked(ownerKey, body, scheduleJSON string) (*models.Job, error) {
	for _, j := range s.jobs {
		if j.OwnerKey != ownerKey || j.Payload.Body != body || j.State == models.JobStateCompleted {
			continue
		}
		existing, err := marshalSchedule(j.Schedule)
		if err != nil {
			return nil, err
		}
		if existing == scheduleJSON {
			copy := j
			return &copy, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) RemoveJob(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *InMemoryStore) UpdateNextRun(id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.NextRunAt = copyTime(next)
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) SetJobState(id string, state models.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.State = state
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) AdvanceJob(id string, next *time.Time, state models.JobState, attemptCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.NextRunAt = copyTime(next)
	j.State = state
	j.AttemptCount = attemptCount
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) SnoozeJob(id string, next time.Time, snoozeCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.NextRunAt = &next
	j.SnoozeCount = snoozeCount
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) DueJobs(now time.Time, state models.JobState, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.Job
	for _, j := range s.jobs {
		if j.State == state && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			jobs = append(jobs, j)
		}
	}
	sortByNextRun(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *InMemoryStore) AddDelivery(d models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[deliveryKey(d.To, d.MessageID)] = d
	return nil
}

func (s *InMemoryStore) TakeDelivery(recipient, messageID string) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey(recipient, messageID)
	d, ok := s.deliveries[key]
	if !ok {
		return nil, nil
	}
	delete(s.deliveries, key)
	return &d, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortByNextRun(jobs []models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		ta, tb := jobs[a].NextRunAt, jobs[b].NextRunAt
		switch {
		case ta == nil && tb == nil:
			return jobs[a].ID < jobs[b].ID
		case ta == nil:
			return false
		case tb == nil:
			return true
		default:
			return ta.Before(*tb)
		}
	})
}
