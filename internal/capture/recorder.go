package capture

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/telemetry"
)

const (
	defaultFlushInterval  = 200 * time.Millisecond
	defaultFlushThreshold = 256
	maxQueued             = 100_000
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	SessionID         string
	InternalSessionID string
	FlushInterval     time.Duration
	FlushThreshold    int
}

// Recorder implements Hooks by queueing records in memory. A background
// goroutine flushes them to the Sink, so hooks never touch the disk.
type Recorder struct {
	cfg  RecorderConfig
	sink Sink
	pid  int

	mu       sync.Mutex
	queue    []Record
	inflight map[string]string
	closed   bool

	flushMu sync.Mutex
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

// NewRecorder starts a recorder writing to sink.
func NewRecorder(cfg RecorderConfig, sink Sink) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	r := &Recorder{
		cfg:      cfg,
		sink:     sink,
		pid:      os.Getpid(),
		inflight: make(map[string]string),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) base(kind RecordKind, requestID string, t time.Time) Record {
	return Record{
		Kind:              kind,
		SessionID:         r.cfg.SessionID,
		InternalSessionID: r.cfg.InternalSessionID,
		RequestID:         requestID,
		Time:              t.UTC(),
		PID:               r.pid,
	}
}

// OnRequest implements Hooks.
func (r *Recorder) OnRequest(ev RequestEvent) {
	rec := r.base(KindRequest, ev.RequestID, ev.Time)
	rec.Method = ev.Method
	rec.URL = ev.URL
	rec.Headers = RedactHeaders(ev.Headers)
	rec.Body = ev.Body
	r.enqueue(rec, func() { r.inflight[ev.RequestID] = ev.URL })
	telemetry.CaptureRequests(context.Background())
}

// OnResponseChunk implements Hooks.
func (r *Recorder) OnResponseChunk(ev ChunkEvent) {
	rec := r.base(KindChunk, ev.RequestID, ev.Time)
	rec.Seq = ev.Seq
	rec.Data = ev.Data
	r.enqueue(rec, nil)
	telemetry.CaptureChunks(context.Background())
}

// OnResponseComplete implements Hooks.
func (r *Recorder) OnResponseComplete(ev ResponseEvent) {
	rec := r.base(KindResponse, ev.RequestID, ev.EndedAt)
	rec.URL = ev.URL
	rec.StatusCode = ev.StatusCode
	rec.Headers = ev.Headers
	rec.StartedAt = ev.StartedAt.UTC()
	rec.EndedAt = ev.EndedAt.UTC()
	rec.DurationMS = ev.EndedAt.Sub(ev.StartedAt).Milliseconds()
	rec.Incomplete = ev.Incomplete
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	r.enqueue(rec, func() { delete(r.inflight, ev.RequestID) })
	if ev.Incomplete {
		telemetry.CaptureIncomplete(context.Background())
	}
}

func (r *Recorder) enqueue(rec Record, update func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		slog.Debug("capture event after close dropped", "kind", rec.Kind, "request_id", rec.RequestID)
		return
	}
	if update != nil {
		update()
	}
	r.queue = append(r.queue, rec)
	full := len(r.queue) >= r.cfg.FlushThreshold
	r.mu.Unlock()

	if full {
		select {
		case r.notify <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-r.notify:
			r.Flush()
		case <-r.done:
			return
		}
	}
}

// Flush writes queued records to the sink. A failed batch is put back at
// the head of the queue.
func (r *Recorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	batch := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := r.sink.Write(batch); err != nil {
		slog.Warn("capture flush failed", "records", len(batch), "error", err)
		r.mu.Lock()
		if len(batch)+len(r.queue) <= maxQueued {
			r.queue = append(batch, r.queue...)
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of records not yet flushed.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops the flusher, marks in-flight calls incomplete, records the
// end of the session and drains everything to the sink.
func (r *Recorder) Close(status string) error {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()

		now := time.Now()
		r.mu.Lock()
		ids := make([]string, 0, len(r.inflight))
		for id := range r.inflight {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rec := r.base(KindResponse, id, now)
			rec.URL = r.inflight[id]
			rec.EndedAt = now.UTC()
			rec.Incomplete = true
			r.queue = append(r.queue, rec)
		}
		r.inflight = map[string]string{}
		end := r.base(KindSessionEnd, "", now)
		end.Status = status
		r.queue = append(r.queue, end)
		r.closed = true
		r.mu.Unlock()

		if err := r.Flush(); err != nil {
			r.err = err
		}
		if err := r.sink.Close(); err != nil && r.err == nil {
			r.err = err
		}
	})
	return r.err
}

// HandleSignals closes the recorder on SIGINT or SIGTERM and then
// re-raises the signal so the host's own handling still applies.
func (r *Recorder) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			r.Close("cancelled")
			signal.Stop(ch)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		case <-ctx.Done():
		case <-r.done:
		}
	}()
}
