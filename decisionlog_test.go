package rebac

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// flakyDecisionStore fails the first failures Append calls, then accepts.
type flakyDecisionStore struct {
	mu       sync.Mutex
	failures int
	attempts int
	records  []*DecisionRecord
}

func (s *flakyDecisionStore) Append(_ context.Context, records []*DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return fmt.Errorf("write timeout")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *flakyDecisionStore) Query(context.Context, DecisionFilter) ([]*DecisionRecord, error) {
	return nil, nil
}

func (s *flakyDecisionStore) Counts(context.Context, string, time.Time) (int64, int64, error) {
	return 0, 0, nil
}

func (s *flakyDecisionStore) TopDeniedSubjects(context.Context, string, time.Time, int) ([]SubjectCount, error) {
	return nil, nil
}

func (s *flakyDecisionStore) MarkArchived(context.Context, string, time.Time) (int64, error) {
	return 0, nil
}

func (s *flakyDecisionStore) stored() []*DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DecisionRecord, len(s.records))
	copy(out, s.records)
	return out
}

func TestDecisionWriterFlushesOnClose(t *testing.T) {
	store := &flakyDecisionStore{}
	w := NewDecisionWriter(store, nil, 16, 8, time.Hour)

	for i := 0; i < 5; i++ {
		w.Enqueue(&DecisionRecord{TenantID: "t1", SubjectID: "alice"})
	}
	w.Close()

	if got := len(store.stored()); got != 5 {
		t.Fatalf("expected 5 records after close, got %d", got)
	}
}

func TestDecisionWriterBatchSizeTriggersFlush(t *testing.T) {
	store := &flakyDecisionStore{}
	w := NewDecisionWriter(store, nil, 16, 2, time.Hour)
	defer w.Close()

	w.Enqueue(&DecisionRecord{TenantID: "t1"})
	w.Enqueue(&DecisionRecord{TenantID: "t1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.stored()) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("batch never flushed, stored %d", len(store.stored()))
}

func TestDecisionWriterRetriesUntilAccepted(t *testing.T) {
	store := &flakyDecisionStore{failures: 2}
	w := NewDecisionWriter(store, nil, 16, 8, time.Hour)

	w.Enqueue(&DecisionRecord{TenantID: "t1", SubjectID: "alice"})
	w.Close()

	if got := len(store.stored()); got != 1 {
		t.Fatalf("expected record delivered after retries, got %d", got)
	}
	if store.attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", store.attempts)
	}
}

func TestDecisionWriterAssignsIDs(t *testing.T) {
	store := &flakyDecisionStore{}
	w := NewDecisionWriter(store, nil, 16, 8, time.Hour)

	w.Enqueue(&DecisionRecord{TenantID: "t1"})
	w.Close()

	records := store.stored()
	if len(records) != 1 || records[0].ID == "" {
		t.Fatalf("expected an id assigned on enqueue, got %+v", records)
	}
}
