package audit

import (
	"context"
	"sync"
	"time"

	"clinigate.org/internal/ids"
	"clinigate.org/internal/obs"
	"clinigate.org/internal/stream"
)

const defaultWriteTimeout = 5 * time.Second

// Outcome is the result of one sink write.
type Outcome struct {
	Entry Entry
	Err   error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Event is the published form of an Outcome.
type Event struct {
	Entry Entry  `json:"entry"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Task tracks one dispatched write.
type Task struct {
	done    chan struct{}
	outcome Outcome
}

func newTask() *Task { return &Task{done: make(chan struct{})} }

func (t *Task) finish(o Outcome) {
	t.outcome = o
	close(t.done)
}

// Done is closed once the write finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the write finished or ctx ends.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Recorder dispatches entries to a Sink off the request path.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	events  *stream.Stream[Event]
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Recorder)

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithEvents publishes every outcome on s.
func WithEvents(s *stream.Stream[Event]) Option {
	return func(r *Recorder) { r.events = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{sink: sink, timeout: defaultWriteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps e and writes it in the background. The write is detached
// from ctx cancellation; only its values (request id) are kept.
func (r *Recorder) Record(ctx context.Context, e Entry) *Task {
	task := newTask()
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if err := e.Validate(); err != nil {
		r.complete(task, Outcome{Entry: e, Err: err})
		return task
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.complete(task, Outcome{Entry: e, Err: ErrClosed})
		return task
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		wctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		err := r.sink.Append(wctx, e)
		r.complete(task, Outcome{Entry: e, Err: err})
	}()
	return task
}

func (r *Recorder) complete(task *Task, o Outcome) {
	action := string(o.Entry.Action)
	if o.Err != nil {
		obs.AuditWrite(action, "failed")
		obs.Logger().Warn().
			Err(o.Err).
			Str("audit_id", o.Entry.ID).
			Int64("doctor_id", o.Entry.ClinicianID).
			Str("patient_id", o.Entry.PatientID).
			Str("action", action).
			Str("request_id", o.Entry.RequestID).
			Msg("Failed to log access")
	} else {
		obs.AuditWrite(action, "ok")
	}
	if r.events != nil {
		ev := Event{Entry: o.Entry, OK: o.Err == nil}
		if o.Err != nil {
			ev.Error = o.Err.Error()
		}
		r.events.Publish(ev)
	}
	task.finish(o)
}

// Close stops accepting entries and waits for in-flight writes.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
