// Package usage records enforcement decisions for downstream accounting.
// Recording is asynchronous: the enforcement path hands a record to the
// Dispatcher and never waits on the backend.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gateguard/gateguard/internal/domain"
	"github.com/gateguard/gateguard/internal/metrics"
)

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, record domain.UsageRecord) error
}

const (
	defaultBufferSize = 1024
	recordTimeout     = 5 * time.Second
)

// Dispatcher decouples the request path from the usage backend with a
// bounded buffer. When the buffer is full the record is dropped and counted;
// accounting is best-effort and must never add request latency.
type Dispatcher struct {
	recorder Recorder
	buf      chan domain.UsageRecord

	stopOnce sync.Once
	stop     chan struct{}
	done     sync.WaitGroup
}

func NewDispatcher(recorder Recorder, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	d := &Dispatcher{
		recorder: recorder,
		buf:      make(chan domain.UsageRecord, bufferSize),
		stop:     make(chan struct{}),
	}

	d.done.Add(1)
	go d.drain()

	return d
}

// Dispatch enqueues a record without blocking.
func (d *Dispatcher) Dispatch(record domain.UsageRecord) {
	select {
	case d.buf <- record:
	default:
		metrics.RecordUsageDropped()
	}
}

func (d *Dispatcher) drain() {
	defer d.done.Done()

	for {
		select {
		case record := <-d.buf:
			d.record(record)
		case <-d.stop:
			// Flush whatever is buffered before exiting.
			for {
				select {
				case record := <-d.buf:
					d.record(record)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) record(record domain.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := d.recorder.Record(ctx, record); err != nil {
		slog.Warn("failed to record usage",
			"subject_id", record.SubjectID,
			"operation", record.Operation,
			"error", err,
		)
	}
}

// Close flushes buffered records and stops the worker.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.done.Wait()
}

// InMemoryRecorder keeps records in memory. Used in tests and when no
// accounting backend is configured.
type InMemoryRecorder struct {
	mu      sync.Mutex
	records []domain.UsageRecord
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{records: make([]domain.UsageRecord, 0)}
}

func (r *InMemoryRecorder) Record(ctx context.Context, record domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *InMemoryRecorder) Records() []domain.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UsageRecord, len(r.records))
	copy(out, r.records)
	return out
}
