package measurement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu sync.Mutex

	nowFn func() time.Time

	records map[string]Measurement
}

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:   nowFn,
		records: make(map[string]Measurement),
	}
}

func (s *MemoryStore) Create(_ context.Context, m Measurement) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Status != StatusPending {
		return fmt.Errorf("%w: new measurements must be Pending, got %q", ErrInvalidMeasurement, m.Status)
	}

	now := s.nowFn().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, m.ID)
	}
	rec := cloneMeasurement(m)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[m.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Measurement, error) {
	if s == nil {
		return Measurement{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneMeasurement(rec), nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	return s.transition(id, func(rec *Measurement) error {
		if rec.Status != StatusPending {
			return fmt.Errorf("%w: %s -> Processing", ErrInvalidTransition, rec.Status)
		}
		rec.Status = StatusProcessing
		return nil
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, att Attestation) error {
	if err := att.Validate(); err != nil {
		return err
	}
	return s.transition(id, func(rec *Measurement) error {
		if rec.Status != StatusProcessing {
			return fmt.Errorf("%w: %s -> Completed", ErrInvalidTransition, rec.Status)
		}
		rec.Status = StatusCompleted
		rec.Attestation = cloneAttestation(&att)
		return nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string) error {
	return s.transition(id, func(rec *Measurement) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s -> Failed", ErrInvalidTransition, rec.Status)
		}
		rec.Status = StatusFailed
		return nil
	})
}

// transition replaces the stored record in one step so concurrent readers
// never observe a half-applied update.
func (s *MemoryStore) transition(id string, apply func(*Measurement) error) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	now := s.nowFn().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cloneMeasurement(rec)
	if err := apply(&next); err != nil {
		return err
	}
	next.UpdatedAt = now
	s.records[id] = next
	return nil
}

func cloneMeasurement(m Measurement) Measurement {
	out := m
	out.Attestation = cloneAttestation(m.Attestation)
	return out
}

func cloneAttestation(a *Attestation) *Attestation {
	if a == nil {
		return nil
	}
	out := *a
	out.MerklePath = nil
	if len(a.MerklePath) > 0 {
		out.MerklePath = make([]common.Hash, len(a.MerklePath))
		copy(out.MerklePath, a.MerklePath)
	}
	return &out
}
