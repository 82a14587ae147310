package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests, the ATS harness and
// local development.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	transmissions map[string]efile.Transmission
	bySubmission  map[string]string
	acks          map[string][]efile.AckRecord
	now           func() time.Time
}

var _ storage.TransmissionStore = (*Store)(nil)
var _ storage.AcknowledgmentStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:        1,
		transmissions: make(map[string]efile.Transmission),
		bySubmission:  make(map[string]string),
		acks:          make(map[string][]efile.AckRecord),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// TransmissionStore implementation --------------------------------------------

func (s *Store) CreateTransmission(_ context.Context, t efile.Transmission) (efile.Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = s.nextIDLocked()
	} else if _, exists := s.transmissions[t.ID]; exists {
		return efile.Transmission{}, fmt.Errorf("transmission %s: %w", t.ID, storage.ErrConflict)
	}
	if t.Status == "" {
		t.Status = efile.StatusCreated
	}
	if t.SubmissionID != "" {
		if _, taken := s.bySubmission[t.SubmissionID]; taken {
			return efile.Transmission{}, fmt.Errorf("submission %s: %w", t.SubmissionID, storage.ErrConflict)
		}
	}

	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	s.transmissions[t.ID] = t
	if t.SubmissionID != "" {
		s.bySubmission[t.SubmissionID] = t.ID
	}
	return t, nil
}

func (s *Store) UpdateTransmission(_ context.Context, t efile.Transmission) (efile.Transmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transmissions[t.ID]
	if !ok {
		return efile.Transmission{}, fmt.Errorf("transmission %s: %w", t.ID, storage.ErrNotFound)
	}
	if t.Version != original.Version {
		return efile.Transmission{}, fmt.Errorf("transmission %s version %d (stored %d): %w", t.ID, t.Version, original.Version, storage.ErrConflict)
	}

	t = efile.MergeWriteOnce(original, t)
	if t.SubmissionID != "" && original.SubmissionID == "" {
		if owner, taken := s.bySubmission[t.SubmissionID]; taken && owner != t.ID {
			return efile.Transmission{}, fmt.Errorf("submission %s: %w", t.SubmissionID, storage.ErrConflict)
		}
	}
	if holdsReturn(t) && !holdsReturn(original) {
		for id, other := range s.transmissions {
			if id != t.ID && other.ReturnID == t.ReturnID && holdsReturn(other) {
				return efile.Transmission{}, fmt.Errorf("return %s already has transmission %s in %s: %w", t.ReturnID, id, other.Status, storage.ErrConflict)
			}
		}
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = s.now()
	if t.UpdatedAt.Before(original.UpdatedAt) {
		t.UpdatedAt = original.UpdatedAt
	}
	t.Version = original.Version + 1

	s.transmissions[t.ID] = t
	if t.SubmissionID != "" {
		s.bySubmission[t.SubmissionID] = t.ID
	}
	return t, nil
}

// holdsReturn reports whether t occupies its return's single live slot.
func holdsReturn(t efile.Transmission) bool {
	if t.ReturnID == "" || t.Environment == efile.EnvironmentTest {
		return false
	}
	switch t.Status {
	case efile.StatusTransmitting, efile.StatusPending, efile.StatusAccepted, efile.StatusCompleted:
		return true
	}
	return false
}

func (s *Store) GetTransmission(_ context.Context, id string) (efile.Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transmissions[id]
	if !ok {
		return efile.Transmission{}, fmt.Errorf("transmission %s: %w", id, storage.ErrNotFound)
	}
	return t, nil
}

func (s *Store) GetTransmissionBySubmissionID(_ context.Context, submissionID string) (efile.Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySubmission[submissionID]
	if !ok {
		return efile.Transmission{}, fmt.Errorf("submission %s: %w", submissionID, storage.ErrNotFound)
	}
	return s.transmissions[id], nil
}

func (s *Store) ListTransmissions(_ context.Context, filter efile.ListFilter) ([]efile.Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]efile.Transmission, 0, len(s.transmissions))
	for _, t := range s.transmissions {
		if filter.Matches(t) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// AcknowledgmentStore implementation ------------------------------------------

func (s *Store) RecordAcknowledgment(_ context.Context, rec efile.AckRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.acks[rec.SubmissionID] {
		if existing.Status == rec.Status {
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now()
	}
	rec.Errors = append([]efile.AckError(nil), rec.Errors...)
	s.acks[rec.SubmissionID] = append(s.acks[rec.SubmissionID], rec)
	return true, nil
}

func (s *Store) ListAcknowledgments(_ context.Context, submissionID string) ([]efile.AckRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.acks[submissionID]
	out := make([]efile.AckRecord, len(records))
	copy(out, records)
	return out, nil
}
