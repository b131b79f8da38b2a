package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/lockstep/internal/eventlog"
	"github.com/MarcoPoloResearchLab/lockstep/internal/jobs"
	"github.com/MarcoPoloResearchLab/lockstep/internal/layers"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("event log store is required")
	errMissingExecutor = errors.New("job executor is required")
	noOpLogger         = zap.NewNop()
)

// ErrInvalidCommand marks a command rejected by validation before any store
// write. Callers distinguish it from publish failures to answer with a
// client error instead of a server error.
var ErrInvalidCommand = errors.New("commands: invalid command")

// PublishError wraps a failure with a dotted operation code.
type PublishError struct {
	code string
	err  error
}

func (e *PublishError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *PublishError) Unwrap() error {
	return e.err
}

const (
	opPublisherNew = "commands.publisher.new"
	opConnect      = "commands.connect_session"
	opExecute      = "commands.execute"
)

func newPublishError(operation, reason string, cause error) error {
	return &PublishError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ProgressFunc reports build progress for an expensive layer preparation.
type ProgressFunc func(completed, total uint64)

// Preparer is the optional capability to run a layer's expensive data build
// before it is published. Absence is an ordinary nil check, never a runtime
// type query.
type Preparer interface {
	Prepare(ctx context.Context, descriptor layers.Descriptor, progress ProgressFunc) error
}

// PublisherConfig describes the dependencies of a Publisher.
type PublisherConfig struct {
	Store    *eventlog.Store
	Executor *jobs.Executor
	Preparer Preparer
	Logger   *zap.Logger
}

// Publisher turns commands into event log rows. Layer commands run on the job
// executor so the caller's thread never blocks on the store; animation and
// movie commands publish synchronously since they carry no expensive local
// work. A publish that fails is reported and never retried automatically, so
// a transient store outage requires the caller to resubmit.
type Publisher struct {
	store    *eventlog.Store
	executor *jobs.Executor
	preparer Preparer
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[eventlog.SessionName]uint64
}

// NewPublisher constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, newPublishError(opPublisherNew, "missing_store", errMissingStore)
	}
	if cfg.Executor == nil {
		return nil, newPublishError(opPublisherNew, "missing_executor", errMissingExecutor)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Publisher{
		store:    cfg.Store,
		executor: cfg.Executor,
		preparer: cfg.Preparer,
		logger:   logger,
		sessions: make(map[eventlog.SessionName]uint64),
	}, nil
}

// ConnectToSession resolves (or creates) the named session and caches its id
// for subsequent publishes.
func (p *Publisher) ConnectToSession(ctx context.Context, name eventlog.SessionName) (eventlog.Session, error) {
	session, err := p.store.ResolveSession(ctx, name)
	if err != nil {
		return eventlog.Session{}, newPublishError(opConnect, "resolve_failed", err)
	}
	p.mu.Lock()
	p.sessions[name] = session.ID
	p.mu.Unlock()
	return session, nil
}

// Receipt reports how a command was dispatched. Synchronous commands carry
// the appended event; job backed commands carry the job handle, whose Done
// channel delivers the publish outcome for callers that care.
type Receipt struct {
	Event eventlog.Event
	Job   *jobs.Handle
}

// Execute realizes one command against the named session.
func (p *Publisher) Execute(ctx context.Context, name eventlog.SessionName, command Command) (Receipt, error) {
	if err := validateCommand(command); err != nil {
		return Receipt{}, newPublishError(opExecute, "invalid_command", fmt.Errorf("%w: %v", ErrInvalidCommand, err))
	}

	sessionID, err := p.sessionID(ctx, name)
	if err != nil {
		return Receipt{}, err
	}

	if !command.jobBacked() {
		event, err := command.publish(ctx, p.store, sessionID)
		if err != nil {
			p.logger.Error("command publish failed",
				zap.String("operation", opExecute),
				zap.String("command", command.Name()),
				zap.String("session", name.String()),
				zap.Error(err))
			return Receipt{}, newPublishError(opExecute, "publish_failed", err)
		}
		return Receipt{Event: event}, nil
	}

	// Session id and descriptor are captured here, at submission time, so a
	// later change of the publisher's bindings cannot redirect the job.
	handle, err := p.executor.Submit(command.Name(), p.layerJob(command, name, sessionID))
	if err != nil {
		return Receipt{}, newPublishError(opExecute, "submit_failed", err)
	}
	return Receipt{Job: handle}, nil
}

func (p *Publisher) layerJob(command Command, name eventlog.SessionName, sessionID uint64) func(ctx context.Context) error {
	preparer := p.preparer
	return func(ctx context.Context) error {
		if add, ok := command.(AddLayer); ok && preparer != nil {
			progress := func(completed, total uint64) {
				p.logger.Debug("layer build progress",
					zap.String("layer", add.Descriptor.Name),
					zap.Uint64("completed", completed),
					zap.Uint64("total", total))
			}
			if err := preparer.Prepare(ctx, add.Descriptor, progress); err != nil {
				return newPublishError(opExecute, "prepare_failed", err)
			}
		}

		event, err := command.publish(ctx, p.store, sessionID)
		if err != nil {
			return newPublishError(opExecute, "publish_failed", err)
		}
		p.logger.Info("command published",
			zap.String("command", command.Name()),
			zap.String("session", name.String()),
			zap.Uint64("event_id", event.ID))
		return nil
	}
}

func (p *Publisher) sessionID(ctx context.Context, name eventlog.SessionName) (uint64, error) {
	p.mu.Lock()
	sessionID, ok := p.sessions[name]
	p.mu.Unlock()
	if ok {
		return sessionID, nil
	}
	session, err := p.ConnectToSession(ctx, name)
	if err != nil {
		return 0, err
	}
	return session.ID, nil
}

func validateCommand(command Command) error {
	switch typed := command.(type) {
	case AddLayer:
		return typed.Descriptor.Validate()
	case RemoveLayer:
		_, err := layers.NewLayerName(typed.Descriptor.Name)
		return err
	case StartAnimation, StopAnimation:
		return nil
	case PlayMovie:
		if typed.Clip.Path == "" {
			return errors.New("commands: movie path is required")
		}
		return nil
	default:
		return fmt.Errorf("commands: unsupported command %T", command)
	}
}
