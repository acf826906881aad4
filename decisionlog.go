package rebac

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// DECISION LOG
// ============================================================================

// DecisionVia records which mechanism produced a decision.
type DecisionVia string

const (
	ViaTuple     DecisionVia = "tuple"
	ViaPolicy    DecisionVia = "policy"
	ViaExpansion DecisionVia = "userset-expansion"
	ViaNone      DecisionVia = "none"
)

// DecisionRecord is one immutable audit entry. Appended for every unique
// check evaluated; never updated or deleted except by retention-driven
// archival through MarkArchived.
type DecisionRecord struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	SubjectID string      `json:"subject_id"`
	Namespace string      `json:"namespace"`
	ObjectID  string      `json:"object_id"`
	Relation  string      `json:"relation"`
	Allowed   bool        `json:"allowed"`
	Via       DecisionVia `json:"via"`
	Reason    string      `json:"reason"`
	Depth     int         `json:"depth"`
	Error     string      `json:"error,omitempty"` // set when evaluation failed (not a deny)
	Timestamp time.Time   `json:"timestamp"`
	LatencyMS float64     `json:"latency_ms"`
	Archived  bool        `json:"archived,omitempty"`
}

// DecisionFilter narrows Query results. Zero values mean "any".
type DecisionFilter struct {
	TenantID  string
	SubjectID string
	Namespace string
	Allowed   *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// SubjectCount is one row of the top-denied-subjects report.
type SubjectCount struct {
	SubjectID string `json:"subject_id"`
	Count     int64  `json:"count"`
}

// DecisionStats is the aggregate surface behind /decisions/stats.
type DecisionStats struct {
	Allowed   int64          `json:"allowed"`
	Denied    int64          `json:"denied"`
	TopDenied []SubjectCount `json:"top_denied"`
}

// ============================================================================
// ASYNC WRITER
// ============================================================================

// DecisionWriter buffers records and flushes them to the DecisionStore in
// batches. Audit completeness beats exactness: enqueue blocks rather than
// drops when the buffer is full, and a failed flush is retried with backoff,
// accepting the possibility of duplicate rows (at-least-once).
type DecisionWriter struct {
	store         DecisionStore
	log           logger.Logger
	ch            chan *DecisionRecord
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

func NewDecisionWriter(store DecisionStore, log logger.Logger, bufferSize, batchSize int, flushInterval time.Duration) *DecisionWriter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 200 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	w := &DecisionWriter{
		store:         store,
		log:           log,
		ch:            make(chan *DecisionRecord, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBackoff:  100 * time.Millisecond,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands a record to the background flusher. Blocks when the buffer
// is full: losing audit rows is worse than back-pressuring the hot path.
func (w *DecisionWriter) Enqueue(rec *DecisionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	w.ch <- rec
}

func (w *DecisionWriter) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionRecord, 0, w.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flushWithRetry(batch)
		batch = batch[:0]
	}
	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushWithRetry keeps trying until the store accepts the batch. Duplicates
// on a retried partial write are acceptable; missing entries are not.
func (w *DecisionWriter) flushWithRetry(batch []*DecisionRecord) {
	backoff := w.retryBackoff
	for attempt := 1; ; attempt++ {
		err := w.store.Append(context.Background(), batch)
		if err == nil {
			return
		}
		w.log.Error("decision log flush failed",
			"attempt", attempt,
			"records", len(batch),
			"error", err.Error())
		time.Sleep(backoff)
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// Close flushes the remaining buffer and stops the worker.
func (w *DecisionWriter) Close() {
	w.closeOnce.Do(func() { close(w.ch) })
	w.wg.Wait()
}
