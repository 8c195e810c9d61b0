package persistence

import (
	"context"
	"sync"
	"time"

	"agentbatch/pkg/logx"
)

// Operation constants for Request.
const (
	OpInsertEvent = "insert_event"
	OpUpsertJob   = "upsert_job"
)

// Request is one write handed to the worker goroutine. Writes are
// fire-and-forget; the audit trail must never block the job pipeline.
type Request struct {
	Operation string
	Data      any
}

// Writer serialises all database writes through one goroutine.
type Writer struct {
	ops    *Operations
	logger *logx.Logger
	ch     chan *Request
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewWriter returns a writer with the given request buffer. When the
// buffer is full, further requests are dropped with a warning rather than
// stalling callers.
func NewWriter(ops *Operations, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{
		ops:    ops,
		logger: logx.NewLogger("persistence"),
		ch:     make(chan *Request, buffer),
		done:   make(chan struct{}),
	}
}

func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.loop()
}

// Stop drains buffered requests and halts the worker. Draining is bounded
// by ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.done)
	w.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		w.logger.Warn("Persistence drain timed out with %d requests buffered", len(w.ch))
		return ctx.Err()
	}
}

// Enqueue hands a request to the worker without blocking.
func (w *Writer) Enqueue(req *Request) {
	select {
	case w.ch <- req:
	default:
		w.logger.Warn("Persistence buffer full, dropping %s", req.Operation)
	}
}

// RecordEvent enqueues one transition for the audit log.
func (w *Writer) RecordEvent(ev *JobEvent) {
	w.Enqueue(&Request{Operation: OpInsertEvent, Data: ev})
}

// RecordJob enqueues a job summary upsert.
func (w *Writer) RecordJob(s *JobSummary) {
	w.Enqueue(&Request{Operation: OpUpsertJob, Data: s})
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.ch:
			w.apply(req)
		case <-w.done:
			// Drain whatever is buffered, then exit.
			for {
				select {
				case req := <-w.ch:
					w.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) apply(req *Request) {
	start := time.Now()
	var err error
	switch req.Operation {
	case OpInsertEvent:
		if ev, ok := req.Data.(*JobEvent); ok {
			err = w.ops.InsertEvent(ev)
		}
	case OpUpsertJob:
		if s, ok := req.Data.(*JobSummary); ok {
			err = w.ops.UpsertJob(s)
		}
	default:
		w.logger.Warn("Unknown persistence operation %q", req.Operation)
		return
	}
	if err != nil {
		w.logger.Error("Persistence %s failed: %v", req.Operation, err)
		return
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		w.logger.Warn("Persistence %s took %s", req.Operation, elapsed.Round(time.Millisecond))
	}
}
