package s7

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"s7link/logging"
)

// Provider resolves read requests against PLC memory. It must return
// exactly one result per item, in the same order.
type Provider interface {
	Read(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error)

func (f ProviderFunc) Read(ctx context.Context, items []ReadRequestItem) ([]ReadResultItem, error) {
	return f(ctx, items)
}

// Transport is the connection an ack is sent on. Frame wraps an S7 PDU
// in the lower-layer headers and returns the buffer and its valid
// length. Send must serialize concurrent callers.
type Transport interface {
	Frame(pdu []byte) ([]byte, int, error)
	Send(ctx context.Context, frame []byte) error
}

// JobState is the position of a job in the dispatch pipeline.
type JobState int32

const (
	JobReceived JobState = iota
	JobDecoding
	JobAwaitingProvider
	JobEncoding
	JobSending
	JobDone
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobReceived:
		return "received"
	case JobDecoding:
		return "decoding"
	case JobAwaitingProvider:
		return "awaiting provider"
	case JobEncoding:
		return "encoding"
	case JobSending:
		return "sending"
	case JobDone:
		return "done"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the final result of one inbound job.
type Outcome struct {
	Ref      uint16
	Function string   // "read" for dispatched read jobs; empty when the header did not decode
	State    JobState // JobDone or JobFailed
	Stage    JobState // last stage entered before completion
	Items    int
	Err      error
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the ack was sent.
func (o Outcome) OK() bool { return o.State == JobDone }

// Job is the handle for one dispatched read job.
type Job struct {
	ref     uint16
	items   []ReadRequestItem
	started time.Time
	state   atomic.Int32
	done    chan struct{}
	outcome Outcome
}

func newJob(ref uint16, items []ReadRequestItem) *Job {
	j := &Job{ref: ref, items: items, started: time.Now(), done: make(chan struct{})}
	j.state.Store(int32(JobReceived))
	return j
}

func (j *Job) Ref() uint16 { return j.ref }

// Items returns the decoded request items.
func (j *Job) Items() []ReadRequestItem { return j.items }

func (j *Job) State() JobState { return JobState(j.state.Load()) }

func (j *Job) set(s JobState) { j.state.Store(int32(s)) }

// Done is closed once the job reaches JobDone or JobFailed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome returns the final outcome. It is only valid after Done is closed.
func (j *Job) Outcome() Outcome { return j.outcome }

// Wait blocks until the job completes or ctx ends.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Received        uint64 `json:"received"`
	Completed       uint64 `json:"completed"`
	Failed          uint64 `json:"failed"`
	DecodeErrors    uint64 `json:"decode_errors"`
	ProviderErrors  uint64 `json:"provider_errors"`
	TransportErrors uint64 `json:"transport_errors"`
	InFlight        int64  `json:"in_flight"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOutcomeHandler adds a callback run on the worker after every job.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(d *Dispatcher) { d.handlers = append(d.handlers, fn) }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithJobTimeout bounds the provider call and send of each job.
func WithJobTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithMaxInFlight limits concurrently processed jobs. Jobs over the
// limit wait on their worker, never on the receive path.
func WithMaxInFlight(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// Dispatcher decodes inbound jobs on the caller's goroutine and
// answers them on a worker goroutine per job.
type Dispatcher struct {
	ctx       *Context
	provider  Provider
	transport Transport
	handlers  []func(Outcome)
	log       zerolog.Logger
	timeout   time.Duration
	sem       chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	received        atomic.Uint64
	completed       atomic.Uint64
	failed          atomic.Uint64
	decodeErrors    atomic.Uint64
	providerErrors  atomic.Uint64
	transportErrors atomic.Uint64
	inFlight        atomic.Int64
}

// NewDispatcher creates a dispatcher answering jobs for one connection.
func NewDispatcher(c *Context, p Provider, t Transport, opts ...Option) (*Dispatcher, error) {
	if c == nil || p == nil || t == nil {
		return nil, fmt.Errorf("%w: dispatcher needs context, provider and transport", ErrInvalidContext)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		ctx:       c,
		provider:  p,
		transport: t,
		log:       logging.Logger().With().Str("component", "s7").Logger(),
		timeout:   c.JobTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.base, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Dispatch routes an inbound S7 PDU by message type and function.
// Only read jobs are served; anything else fails with ErrUnsupportedJob.
func (d *Dispatcher) Dispatch(pdu []byte) (*Job, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}

	h, fn, err := PeekHeader(pdu)
	if err != nil {
		d.received.Add(1)
		d.decodeFailed(0, "", err)
		return nil, err
	}
	if h.MessageType != MessageJob {
		d.received.Add(1)
		err = fmt.Errorf("%w: message type %s", ErrUnsupportedJob, h.MessageType)
		d.decodeFailed(h.PDUReference, functionName(fn), err)
		return nil, err
	}
	switch fn {
	case s7FuncRead:
		return d.dispatchRead(pdu)
	default:
		d.received.Add(1)
		err = fmt.Errorf("%w: %s", ErrUnsupportedJob, functionName(fn))
		d.decodeFailed(h.PDUReference, functionName(fn), err)
		return nil, err
	}
}

func functionName(fn byte) string {
	switch fn {
	case s7FuncRead:
		return "read"
	case s7FuncWrite:
		return "write"
	case s7FuncSetupComm:
		return "setup communication"
	default:
		return fmt.Sprintf("function 0x%02X", fn)
	}
}

// DispatchReadJob decodes pdu before returning, so the caller may reuse
// the buffer immediately. The provider call, encoding and send run on a
// separate goroutine; the returned Job reports their outcome.
func (d *Dispatcher) DispatchReadJob(pdu []byte) (*Job, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	return d.dispatchRead(pdu)
}

// dispatchRead must be called with d.mu read-locked.
func (d *Dispatcher) dispatchRead(pdu []byte) (*Job, error) {
	d.received.Add(1)
	logging.DebugRX("s7", pdu)

	dg, err := DecodeReadJob(pdu)
	if err != nil {
		var ref uint16
		if h, _, herr := PeekHeader(pdu); herr == nil {
			ref = h.PDUReference
		}
		d.decodeFailed(ref, functionName(s7FuncRead), err)
		return nil, err
	}

	job := newJob(dg.Header.PDUReference, Translate(dg))
	d.inFlight.Add(1)
	d.wg.Add(1)
	go d.run(job)
	return job, nil
}

func (d *Dispatcher) run(job *Job) {
	defer d.wg.Done()
	defer d.inFlight.Add(-1)

	ctx := d.base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	job.set(JobAwaitingProvider)
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			d.finish(job, fmt.Errorf("%w: %w", ErrProviderFailure, ctx.Err()))
			return
		}
	}

	results, err := d.callProvider(ctx, job.items)
	if err != nil {
		d.finish(job, fmt.Errorf("%w: %w", ErrProviderFailure, err))
		return
	}
	if len(results) != len(job.items) {
		d.finish(job, fmt.Errorf("%w: %d results for %d items", ErrProviderFailure, len(results), len(job.items)))
		return
	}
	for i := range results {
		if results[i].ReturnCode.OK() && results[i].TransportSize == DataNull {
			results[i].TransportSize = job.items[i].TransportSize.DataTransportSize()
		}
	}

	job.set(JobEncoding)
	buf, n, err := EncodeReadJobAck(d.ctx, job.ref, results)
	if err != nil {
		d.finish(job, err)
		return
	}
	defer ReleaseAckBuffer(buf)

	job.set(JobSending)
	if err := ctx.Err(); err != nil {
		d.finish(job, fmt.Errorf("%w: %w", ErrTransportFailure, err))
		return
	}
	frame, fn, err := d.transport.Frame(buf[:n])
	if err != nil {
		d.finish(job, fmt.Errorf("%w: frame: %w", ErrTransportFailure, err))
		return
	}
	logging.DebugTX("s7", frame[:fn])
	if err := d.transport.Send(ctx, frame[:fn]); err != nil {
		d.finish(job, fmt.Errorf("%w: %w", ErrTransportFailure, err))
		return
	}
	d.finish(job, nil)
}

// callProvider turns a provider panic into a job failure.
func (d *Dispatcher) callProvider(ctx context.Context, items []ReadRequestItem) (results []ReadResultItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return d.provider.Read(ctx, items)
}

func (d *Dispatcher) finish(job *Job, err error) {
	stage := job.State()
	o := Outcome{
		Ref:      job.ref,
		Function: functionName(s7FuncRead),
		State:    JobDone,
		Stage:    stage,
		Items:    len(job.items),
		Started:  job.started,
		Duration: time.Since(job.started),
	}
	if err != nil {
		o.State = JobFailed
		o.Err = &JobError{Ref: job.ref, Stage: stage, Err: err}
	}
	job.outcome = o
	job.set(o.State)
	d.report(o)
	close(job.done)
}

func (d *Dispatcher) decodeFailed(ref uint16, function string, err error) {
	now := time.Now()
	d.report(Outcome{
		Ref:      ref,
		Function: function,
		State:    JobFailed,
		Stage:    JobDecoding,
		Err:      &JobError{Ref: ref, Stage: JobDecoding, Err: err},
		Started:  now,
	})
}

// report counts and logs the outcome, then hands it to the handlers.
func (d *Dispatcher) report(o Outcome) {
	if o.OK() {
		d.completed.Add(1)
		d.log.Debug().Uint16("ref", o.Ref).Int("items", o.Items).Dur("duration", o.Duration).Msg("read job acknowledged")
	} else {
		d.failed.Add(1)
		switch {
		case errors.Is(o.Err, ErrTransportFailure):
			d.transportErrors.Add(1)
		case errors.Is(o.Err, ErrProviderFailure):
			d.providerErrors.Add(1)
		case o.Stage == JobDecoding:
			d.decodeErrors.Add(1)
		}
		ev := d.log.Error().Err(o.Err).Uint16("ref", o.Ref).Str("stage", o.Stage.String())
		if o.Function != "" {
			ev = ev.Str("function", o.Function)
		}
		ev.Msg("job failed")
		logging.DebugError("s7", "job", o.Err)
	}
	for _, fn := range d.handlers {
		fn(o)
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:        d.received.Load(),
		Completed:       d.completed.Load(),
		Failed:          d.failed.Load(),
		DecodeErrors:    d.decodeErrors.Load(),
		ProviderErrors:  d.providerErrors.Load(),
		TransportErrors: d.transportErrors.Load(),
		InFlight:        d.inFlight.Load(),
	}
}

// Close rejects new jobs, cancels in-flight ones at their next
// suspension point and waits for their workers to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
