package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SceneSink receives applied events. Implementations are mutated only from
// the poller's apply step, never from producer threads; that single writer
// rule is what keeps sinks simple.
type SceneSink interface {
	AddLayer(descriptor layers.Descriptor) error
	RemoveLayer(descriptor layers.Descriptor) error
	StartAnimation(settings layers.AnimationSettings) error
	StopAnimation() error
	PlayMovie(clip layers.MovieClip) error
	Dirty()
}

// AppliedEvent describes one event the poller has applied.
type AppliedEvent struct {
	Session string
	EventID uint64
	Type    eventlog.EventType
}

// Notifier is the optional capability to observe applied events, used to fan
// them out to in-process subscribers.
type Notifier interface {
	EventApplied(event AppliedEvent)
}

// DrawCallback runs after a poll cycle that applied events, so the next
// presented frame reflects them.
type DrawCallback func()

// State tracks the poller's connection lifecycle.
type State int32

const (
	// StateDisconnected means the poller is not bound to a session.
	StateDisconnected State = iota
	// StateConnectedIdle means the poller is bound and between poll cycles.
	StateConnectedIdle
	// StatePolling means the poller is fetching new events.
	StatePolling
	// StateApplying means the poller is applying fetched events to the sink.
	StateApplying
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedIdle:
		return "connected_idle"
	case StatePolling:
		return "polling"
	case StateApplying:
		return "applying"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errMissingStore = errors.New("event log store is required")
	errMissingSink  = errors.New("scene sink is required")
	errNotConnected = errors.New("poller is not connected to a session")
)

// PollError wraps a failure with a dotted operation code.
type PollError struct {
	code string
	err  error
}

func (e *PollError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *PollError) Unwrap() error {
	return e.err
}

const (
	opPollerNew     = "poller.new"
	opConnect       = "poller.connect_session"
	opHasEvents     = "poller.has_events"
	opProcessEvents = "poller.process_events"
)

func newPollError(operation, reason string, cause error) error {
	return &PollError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const defaultMinPollInterval = time.Second

// PollerConfig describes the dependencies of a Poller.
type PollerConfig struct {
	Store *eventlog.Store
	Sink  SceneSink

	// NodeID owns the persisted cursor row. Defaults to a fresh UUID, which
	// makes the node a late joiner; reuse a stable id to resume after restart.
	NodeID string

	// MinPollInterval throttles HasEvents so the store is never hit on every
	// render frame. Defaults to one second.
	MinPollInterval time.Duration

	Clock        func() time.Time
	Logger       *zap.Logger
	DrawCallback DrawCallback
	Notifier     Notifier
}

// Poller turns the session's event log back into local scene state, exactly
// once per event, in ascending id order. The cursor advances after each
// applied row and a failed row stops the cycle without advancing, so the row
// is retried on the next cycle.
type Poller struct {
	store    *eventlog.Store
	sink     SceneSink
	nodeID   string
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	draw     DrawCallback
	notifier Notifier

	state       atomic.Int32
	session     eventlog.Session
	lastEventID atomic.Uint64
	lastPoll    time.Time
}

// NewPoller constructs a disconnected Poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Store == nil {
		return nil, newPollError(opPollerNew, "missing_store", errMissingStore)
	}
	if cfg.Sink == nil {
		return nil, newPollError(opPollerNew, "missing_sink", errMissingSink)
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	interval := cfg.MinPollInterval
	if interval <= 0 {
		interval = defaultMinPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:    cfg.Store,
		sink:     cfg.Sink,
		nodeID:   nodeID,
		interval: interval,
		clock:    clock,
		logger:   logger,
		draw:     cfg.DrawCallback,
		notifier: cfg.Notifier,
	}, nil
}

// NodeID returns the identifier owning the poller's cursor row.
func (p *Poller) NodeID() string {
	return p.nodeID
}

// State returns the poller's current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Cursor returns the last event id fully applied. Safe to call from other
// goroutines while the poller is running; status surfaces read it per request.
func (p *Poller) Cursor() uint64 {
	return p.lastEventID.Load()
}

// Session returns the connected session.
func (p *Poller) Session() eventlog.Session {
	return p.session
}

// ConnectToSession binds the poller to the named session, creating it if
// absent. A node with a persisted cursor resumes from it; a node never seen
// before starts at the current tail of the log, so a late joiner applies only
// events appended after it connected.
func (p *Poller) ConnectToSession(ctx context.Context, name eventlog.SessionName) error {
	session, err := p.store.ResolveSession(ctx, name)
	if err != nil {
		return newPollError(opConnect, "resolve_failed", err)
	}

	cursor, found, err := p.store.LoadCursor(ctx, p.nodeID, session.ID)
	if err != nil {
		return newPollError(opConnect, "load_cursor_failed", err)
	}
	if !found {
		cursor, err = p.store.Tail(ctx, session.ID)
		if err != nil {
			return newPollError(opConnect, "tail_failed", err)
		}
		if err := p.store.SaveCursor(ctx, p.nodeID, session.ID, cursor); err != nil {
			return newPollError(opConnect, "save_cursor_failed", err)
		}
	}

	p.session = session
	p.lastEventID.Store(cursor)
	p.lastPoll = time.Time{}
	p.state.Store(int32(StateConnectedIdle))
	p.logger.Info("connected to session",
		zap.String("session", session.Name),
		zap.String("node_id", p.nodeID),
		zap.Uint64("cursor", cursor))
	return nil
}

// Disconnect unbinds the poller. The persisted cursor stays behind for the
// next connect under the same node id.
func (p *Poller) Disconnect() {
	p.state.Store(int32(StateDisconnected))
}

// HasEvents reports whether unapplied events exist. The check is throttled to
// the configured interval; inside the window it reports false without
// touching the store.
func (p *Poller) HasEvents(ctx context.Context) (bool, error) {
	if p.State() == StateDisconnected {
		return false, newPollError(opHasEvents, "not_connected", errNotConnected)
	}

	now := p.clock()
	if !p.lastPoll.IsZero() && now.Sub(p.lastPoll) < p.interval {
		return false, nil
	}
	p.lastPoll = now

	tail, err := p.store.Tail(ctx, p.session.ID)
	if err != nil {
		return false, newPollError(opHasEvents, "tail_failed", err)
	}
	return tail > p.lastEventID.Load(), nil
}

// ProcessEvents fetches and applies every event after the cursor, in order.
// The cursor advances after each applied row; a row that fails to decode or
// apply stops the cycle with the cursor still before it, so the next cycle
// retries the same row before anything newer.
func (p *Poller) ProcessEvents(ctx context.Context) (int, error) {
	if p.State() == StateDisconnected {
		return 0, newPollError(opProcessEvents, "not_connected", errNotConnected)
	}

	p.state.Store(int32(StatePolling))
	defer p.state.Store(int32(StateConnectedIdle))

	events, err := p.store.EventsAfter(ctx, p.session.ID, p.lastEventID.Load())
	if err != nil {
		return 0, newPollError(opProcessEvents, "fetch_failed", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	p.state.Store(int32(StateApplying))
	applied := 0
	for _, event := range events {
		if err := p.applyEvent(ctx, event); err != nil {
			p.logger.Error("event apply failed; stopping cycle",
				zap.String("operation", opProcessEvents),
				zap.String("session", p.session.Name),
				zap.Uint64("event_id", event.ID),
				zap.Int("type", int(event.Type)),
				zap.Error(err))
			return applied, newPollError(opProcessEvents, "apply_failed", err)
		}

		p.lastEventID.Store(event.ID)
		applied++
		if err := p.store.SaveCursor(ctx, p.nodeID, p.session.ID, event.ID); err != nil {
			// The event is applied; a stale persisted cursor only means a
			// replay after restart, which the sink tolerates.
			p.logger.Warn("cursor persist failed",
				zap.String("session", p.session.Name),
				zap.Uint64("event_id", event.ID),
				zap.Error(err))
		}
		if p.notifier != nil {
			p.notifier.EventApplied(AppliedEvent{
				Session: p.session.Name,
				EventID: event.ID,
				Type:    event.Type,
			})
		}
	}
	return applied, nil
}

func (p *Poller) applyEvent(ctx context.Context, event eventlog.Event) error {
	switch event.Type {
	case eventlog.EventTypeAddLayer, eventlog.EventTypeRemoveLayer:
		payload, err := p.store.LoadLayerPayload(ctx, p.session.ID, event.PayloadID)
		if err != nil {
			return err
		}
		descriptor, err := layers.Decode(payload.XMLData)
		if err != nil {
			return err
		}
		if event.Type == eventlog.EventTypeAddLayer {
			if err := p.sink.AddLayer(descriptor); err != nil {
				return err
			}
		} else {
			if err := p.sink.RemoveLayer(descriptor); err != nil {
				return err
			}
		}

	case eventlog.EventTypeAnimation:
		payload, err := p.store.LoadAnimationPayload(ctx, p.session.ID, event.PayloadID)
		if err != nil {
			return err
		}
		if payload.Animate {
			settings := layers.AnimationSettings{
				Speed:         payload.Speed,
				Accumulate:    payload.Accumulate,
				DateTimeStep:  payload.DateTimeStep,
				TimeWindow:    payload.TimeWindow,
				NumDaysToShow: payload.NumDaysToShow,
			}
			if err := p.sink.StartAnimation(settings); err != nil {
				return err
			}
		} else {
			if err := p.sink.StopAnimation(); err != nil {
				return err
			}
		}

	case eventlog.EventTypePlayMovie:
		payload, err := p.store.LoadMoviePayload(ctx, p.session.ID, event.PayloadID)
		if err != nil {
			return err
		}
		clip, err := decodeMovie(payload)
		if err != nil {
			return err
		}
		if err := p.sink.PlayMovie(clip); err != nil {
			return err
		}

	default:
		_, err := eventlog.ParseEventType(int(event.Type))
		return err
	}

	p.sink.Dirty()
	return nil
}

func decodeMovie(payload eventlog.MoviePayload) (layers.MovieClip, error) {
	position, err := layers.ParseVec3(payload.Position)
	if err != nil {
		return layers.MovieClip{}, err
	}
	width, err := layers.ParseVec3(payload.Width)
	if err != nil {
		return layers.MovieClip{}, err
	}
	height, err := layers.ParseVec3(payload.Height)
	if err != nil {
		return layers.MovieClip{}, err
	}
	return layers.MovieClip{Position: position, Width: width, Height: height, Path: payload.Path}, nil
}

// Tick runs one throttled poll cycle and, when events were applied, invokes
// the draw callback so the next presented frame reflects them. Hosts with a
// render loop call this once per frame; headless hosts use Run.
func (p *Poller) Tick(ctx context.Context) error {
	hasEvents, err := p.HasEvents(ctx)
	if err != nil {
		return err
	}
	if !hasEvents {
		return nil
	}

	applied, err := p.ProcessEvents(ctx)
	if applied > 0 && p.draw != nil {
		p.draw()
	}
	return err
}

// Run ticks the poller at its poll interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Disconnect()
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				// Cycle errors are retried on the next tick; only log here.
				p.logger.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}
