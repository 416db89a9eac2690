// Package engine wires the S7 dispatch pipeline to configuration, the
// outcome history and the MQTT, Valkey and Kafka reporters.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"s7link/config"
	"s7link/kafka"
	"s7link/logging"
	"s7link/mqtt"
	"s7link/s7"
	"s7link/valkey"
)

// reportTimeout bounds one fan-out of an outcome to all reporters.
const reportTimeout = 10 * time.Second

// Reporter receives encoded job outcomes. The mqtt, valkey and kafka
// managers implement it.
type Reporter interface {
	Name() string
	StartAll() int
	StopAll()
	ReportOutcome(ctx context.Context, ref uint16, failed bool, payload []byte) error
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	Logger     *zerolog.Logger // nil uses the package logger

	// Reporters are added after the configured mqtt, valkey and kafka managers.
	Reporters []Reporter
}

// Engine owns the session context, the dispatchers serving it and the
// reporters their outcomes fan out to.
type Engine struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger

	ctx       *s7.Context
	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	reporters []Reporter

	Events  *EventBus
	history *RingBuffer
	pending s7.PendingConnections

	mu          sync.Mutex
	dispatchers []*s7.Dispatcher
	stopped     bool
	wg          sync.WaitGroup
}

// New validates the configuration and creates an Engine with its reporter
// managers loaded but not started.
func New(c Config) (*Engine, error) {
	if c.AppConfig == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidInput)
	}
	if err := c.AppConfig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s7ctx, err := c.AppConfig.S7Context()
	if err != nil {
		return nil, err
	}

	log := logging.Logger()
	if c.Logger != nil {
		log = *c.Logger
	}

	cfg := c.AppConfig
	e := &Engine{
		cfg:        cfg,
		configPath: c.ConfigPath,
		log:        log.With().Str("component", "engine").Logger(),
		ctx:        s7ctx,
		mqttMgr:    mqtt.NewManager(),
		valkeyMgr:  valkey.NewManager(),
		kafkaMgr:   kafka.NewManager(),
		Events:     NewEventBus(),
		history:    NewRingBuffer(cfg.Status.History),
	}
	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)

	e.reporters = append([]Reporter{e.mqttMgr, e.valkeyMgr, e.kafkaMgr}, c.Reporters...)
	return e, nil
}

// Start connects every enabled reporter in parallel and waits for the
// attempts to finish.
func (e *Engine) Start() {
	var g errgroup.Group
	for _, r := range e.reporters {
		r := r // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			started := r.StartAll()
			if started > 0 {
				e.log.Info().Str("reporter", r.Name()).Int("started", started).Msg("reporters started")
				e.emit(EventReporterStarted, ServiceEvent{Kind: r.Name()})
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Stop closes all dispatchers, waits for pending reports and disconnects
// the reporters.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	dispatchers := e.dispatchers
	e.dispatchers = nil
	e.mu.Unlock()

	for _, d := range dispatchers {
		d.Close()
	}
	e.wg.Wait()

	for _, r := range e.reporters {
		r.StopAll()
		e.emit(EventReporterStopped, ServiceEvent{Kind: r.Name()})
	}
}

// Serve creates a dispatcher for one connection. Its outcomes are
// recorded, emitted on the event bus and reported.
func (e *Engine) Serve(p s7.Provider, t s7.Transport, opts ...s7.Option) (*s7.Dispatcher, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, s7.ErrDispatcherClosed
	}

	base := []s7.Option{
		s7.WithLogger(e.log.With().Str("component", "s7").Logger()),
		s7.WithMaxInFlight(e.cfg.Dispatch.MaxInFlight),
		s7.WithOutcomeHandler(e.handleOutcome),
	}
	d, err := s7.NewDispatcher(e.Context(), p, t, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	e.dispatchers = append(e.dispatchers, d)
	return d, nil
}

// Release closes a dispatcher and stops tracking it. Its counters no
// longer contribute to Stats.
func (e *Engine) Release(d *s7.Dispatcher) {
	e.mu.Lock()
	for i, cur := range e.dispatchers {
		if cur == d {
			e.dispatchers = append(e.dispatchers[:i], e.dispatchers[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	d.Close()
}

func (e *Engine) handleOutcome(o s7.Outcome) {
	msg := NewOutcomeMessage(e.cfg.Namespace, o)
	e.history.Add(msg)

	switch {
	case o.OK():
		e.emit(EventJobCompleted, JobEvent{Outcome: msg})
	case o.Stage == s7.JobDecoding:
		e.emit(EventDecodeFailed, JobEvent{Outcome: msg})
	default:
		e.emit(EventJobFailed, JobEvent{Outcome: msg})
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		e.log.Error().Err(err).Uint16("ref", o.Ref).Msg("encode outcome")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.report(msg.Ref, msg.Failed(), payload)
	}()
}

// report fans one outcome out to every reporter. A failing reporter does
// not cancel the others.
func (e *Engine) report(ref uint16, failed bool, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	var g errgroup.Group
	for _, r := range e.reporters {
		r := r // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			if err := r.ReportOutcome(ctx, ref, failed, payload); err != nil {
				e.emit(EventReportFailed, ServiceEvent{Kind: r.Name(), Err: err})
				return fmt.Errorf("%s: %w", r.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn().Err(err).Uint16("ref", ref).Msg("outcome report failed")
		logging.DebugError("engine", "report outcome", err)
	}
}

// ConnectionRequest builds an encoded connection request from the
// session context and registers it for correlation.
func (e *Engine) ConnectionRequest() ([]byte, error) {
	req, err := s7.BuildConnectionRequest(e.ctx)
	if err != nil {
		return nil, err
	}
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}
	e.pending.Add(req)
	logging.DebugTX("cotp", frame)
	e.emit(EventConnectionRequested, connectionEvent(req))
	return frame, nil
}

// ConfirmConnection decodes a connection confirm and matches it to an
// outstanding request.
func (e *Engine) ConfirmConnection(frame []byte) (*s7.ConnectionDatagram, error) {
	logging.DebugRX("cotp", frame)
	cc, err := s7.DecodeConnectionConfirm(frame)
	if err != nil {
		return nil, err
	}
	req, ok := e.pending.Match(cc)
	if !ok {
		return nil, fmt.Errorf("%w: no pending request for confirm from ref %d", ErrNotFound, cc.SourceReference)
	}
	ev := connectionEvent(cc)
	ev.DestinationReference = req.SourceReference
	e.emit(EventConnectionCorrelated, ev)
	return cc, nil
}

// AcceptConnection answers an inbound connection request and returns the
// encoded confirm.
func (e *Engine) AcceptConnection(frame []byte) ([]byte, error) {
	logging.DebugRX("cotp", frame)
	req, err := s7.DecodeConnectionRequest(frame)
	if err != nil {
		return nil, err
	}
	cc, err := s7.BuildConnectionConfirm(req, e.ctx.SourceReference)
	if err != nil {
		return nil, err
	}
	out, err := cc.Encode()
	if err != nil {
		return nil, err
	}
	logging.DebugTX("cotp", out)
	e.emit(EventConnectionAccepted, connectionEvent(req))
	return out, nil
}

// PendingConnections returns the number of unconfirmed requests.
func (e *Engine) PendingConnections() int {
	return e.pending.Len()
}

func connectionEvent(d *s7.ConnectionDatagram) ConnectionEvent {
	return ConnectionEvent{
		SourceReference:      d.SourceReference,
		DestinationReference: d.DestinationReference,
		SourceTSAP:           d.SourceTSAP,
		DestinationTSAP:      d.DestinationTSAP,
	}
}

// Context returns a copy of the session context.
func (e *Engine) Context() *s7.Context {
	c := *e.ctx
	return &c
}

// Namespace returns the configured namespace.
func (e *Engine) Namespace() string {
	return e.cfg.Namespace
}

// Stats sums the counters of all live dispatchers.
func (e *Engine) Stats() s7.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total s7.Stats
	for _, d := range e.dispatchers {
		s := d.Stats()
		total.Received += s.Received
		total.Completed += s.Completed
		total.Failed += s.Failed
		total.DecodeErrors += s.DecodeErrors
		total.ProviderErrors += s.ProviderErrors
		total.TransportErrors += s.TransportErrors
		total.InFlight += s.InFlight
	}
	return total
}

// Recent returns up to n recorded outcomes, newest first.
func (e *Engine) Recent(n int) []OutcomeMessage {
	return e.history.Recent(n)
}

// Since returns outcomes recorded after ts, oldest first.
func (e *Engine) Since(ts time.Time) []OutcomeMessage {
	return e.history.Since(ts)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}
