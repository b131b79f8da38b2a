package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State tracks a job through its lifecycle.
type State int32

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = iota
	// StateStarted means a worker is running the job body.
	StateStarted
	// StateFinished means the job body returned, successfully or not.
	StateFinished
	// StateCancelled means the job was cancelled before a worker picked it up.
	StateCancelled
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStarted:
		return "started"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrExecutorClosed indicates a submit after shutdown began.
	ErrExecutorClosed = errors.New("jobs: executor closed")
	// ErrQueueFull indicates the bounded queue rejected a submit.
	ErrQueueFull = errors.New("jobs: queue full")
	// ErrJobPanicked indicates the job body panicked; the panic is contained
	// at the job boundary.
	ErrJobPanicked = errors.New("jobs: job panicked")
)

const (
	defaultWorkers    = 2
	defaultQueueDepth = 64
)

// Result is the terminal outcome of one job.
type Result struct {
	State State
	Err   error
}

// Handle observes and cancels a submitted job. Done yields exactly one
// Result and is then closed, so callers that do not care may simply drop the
// handle.
type Handle struct {
	id    string
	name  string
	state atomic.Int32
	done  chan Result
	once  sync.Once
}

// ID returns the job's identifier.
func (h *Handle) ID() string {
	return h.id
}

// Name returns the label supplied at submission.
func (h *Handle) Name() string {
	return h.name
}

// State returns the job's current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done returns the channel the terminal result is delivered on.
func (h *Handle) Done() <-chan Result {
	return h.done
}

// Cancel prevents the job from starting. It is a no-op once a worker has
// picked the job up.
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(int32(StateQueued), int32(StateCancelled)) {
		return false
	}
	h.finish(Result{State: StateCancelled})
	return true
}

func (h *Handle) finish(result Result) {
	h.once.Do(func() {
		h.state.Store(int32(result.State))
		h.done <- result
		close(h.done)
	})
}

type task struct {
	handle *Handle
	run    func(ctx context.Context) error
}

// ExecutorConfig describes the worker pool.
type ExecutorConfig struct {
	Workers    int
	QueueDepth int
	Logger     *zap.Logger
}

// Executor runs job bodies on a fixed pool of workers so callers never block
// on serialization or store writes. There is no ordering guarantee between
// jobs.
type Executor struct {
	queue   chan task
	logger  *zap.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// mu covers closed and the send into queue, so a submit can never race
	// Shutdown's close of the channel.
	mu     sync.Mutex
	closed bool
}

// NewExecutor constructs an Executor and starts its workers.
func NewExecutor(cfg ExecutorConfig) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	executor := &Executor{
		queue:   make(chan task, depth),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
	executor.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go executor.worker()
	}
	return executor
}

// Submit queues a job body for execution and returns its handle. The body
// runs at most once; its error, if any, is delivered on the handle instead of
// propagating to the submitter.
func (e *Executor) Submit(name string, run func(ctx context.Context) error) (*Handle, error) {
	if run == nil {
		return nil, errors.New("jobs: job body is required")
	}

	handle := &Handle{
		id:   uuid.NewString(),
		name: name,
		done: make(chan Result, 1),
	}
	handle.state.Store(int32(StateQueued))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}
	select {
	case e.queue <- task{handle: handle, run: run}:
		return handle, nil
	default:
		return nil, ErrQueueFull
	}
}

// Shutdown stops accepting jobs, waits for queued work to drain, then stops
// the workers. It returns early if ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for t := range e.queue {
		e.execute(t)
	}
}

func (e *Executor) execute(t task) {
	// A cancelled job is finished already; just drop it.
	if !t.handle.state.CompareAndSwap(int32(StateQueued), int32(StateStarted)) {
		return
	}

	err := e.runContained(t)
	if err != nil {
		e.logger.Error("job failed",
			zap.String("job_id", t.handle.id),
			zap.String("job", t.handle.name),
			zap.Error(err))
	}
	t.handle.finish(Result{State: StateFinished, Err: err})
}

func (e *Executor) runContained(t task) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, recovered)
		}
	}()
	return t.run(e.baseCtx)
}
