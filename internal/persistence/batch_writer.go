// Package persistence buffers sqlite writes and commits them in transactions.
package persistence

import (
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("batch writer closed")

// WriteOp is one statement with its arguments.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriterMetrics reports what the writer has committed.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// BatchWriter groups writes into transactions, flushing on size or on an interval. Ops queued
// together through Write land in the same transaction.
type BatchWriter struct {
	db       *sql.DB
	maxSize  int
	interval time.Duration

	mu      sync.Mutex
	buffer  []WriteOp
	closed  bool
	metrics BatchWriterMetrics

	// txMu serializes transactions so batches commit in queue order.
	txMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBatchWriter starts a writer. maxSize is the op count that triggers an immediate flush;
// interval is the background flush period.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues ops as one unit.
func (bw *BatchWriter) Write(ops ...WriteOp) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrClosed
	}
	bw.buffer = append(bw.buffer, ops...)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		return bw.Flush()
	}
	return nil
}

// WriteQuery queues a single statement.
func (bw *BatchWriter) WriteQuery(query string, args ...any) error {
	return bw.Write(WriteOp{Query: query, Args: args})
}

// Flush commits everything buffered.
func (bw *BatchWriter) Flush() error {
	bw.txMu.Lock()
	defer bw.txMu.Unlock()

	bw.mu.Lock()
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	err := bw.execute(ops)

	bw.mu.Lock()
	bw.metrics.TotalBatches++
	bw.metrics.LastBatchSize = len(ops)
	bw.metrics.LastFlushTime = time.Now()
	if err != nil {
		bw.metrics.TotalErrors++
	} else {
		bw.metrics.TotalWrites += uint64(len(ops))
	}
	bw.mu.Unlock()
	return err
}

func (bw *BatchWriter) execute(ops []WriteOp) error {
	tx, err := bw.db.Begin()
	if err != nil {
		log.Printf("persistence: begin transaction: %v", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			log.Printf("persistence: statement failed, rolled back %d ops: %v", len(ops), err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("persistence: commit: %v", err)
		return err
	}
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("persistence: background flush: %v", err)
			}
		case <-bw.done:
			return
		}
	}
}

// Pending returns the number of buffered ops.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns a copy of the counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.metrics
}

// Close stops the background loop and commits what is left.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	bw.wg.Wait()
	return bw.Flush()
}
