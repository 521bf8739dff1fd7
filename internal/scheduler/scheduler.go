package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helionlab/shotline/internal/compiler"
	"github.com/helionlab/shotline/internal/dispatch"
	"github.com/helionlab/shotline/internal/infrastructure/config"
	"github.com/helionlab/shotline/internal/sequence"
)

// Store is the persistence interface the scheduler needs. Satisfied by
// sequence.SQLiteRepository.
type Store interface {
	GetByID(ctx context.Context, id string) (*sequence.Sequence, error)
	UpdateStatus(ctx context.Context, id string, state sequence.State, errDetail *string) error
	SetExpectedShots(ctx context.Context, id string, expected int) error
	SaveShot(ctx context.Context, shot *sequence.ShotRecord) error
}

// ShotCompiler turns one binding into a shot program. Satisfied by
// compiler.Compiler.
type ShotCompiler interface {
	Compile(seq *sequence.Sequence, shotIndex int, binding sequence.Binding) (*compiler.Program, error)
}

// Dispatcher executes one compiled program against the apparatus.
// Satisfied by dispatch.Client.
type Dispatcher interface {
	Dispatch(ctx context.Context, program *compiler.Program) (*dispatch.Result, error)
}

// Evaluator covers the expression operations admission and iteration
// need. Satisfied by expression.Evaluator.
type Evaluator interface {
	Validate(expr string) error
	EvaluateFloat(expr string, vars map[string]float64) (float64, error)
}

// Telemetry receives shot and sequence measurements. Satisfied by the
// InfluxDB client; nil disables telemetry.
type Telemetry interface {
	WriteShotMetric(sequenceID string, shotIndex int, attempts int, outcome string, duration time.Duration)
	WriteSequenceMetric(sequenceID string, state string, completed, expected int)
}

// Logger is the logging interface used by the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is provided.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StateIdle is the snapshot state when no sequence holds the apparatus
// and none has run yet.
const StateIdle = "idle"

// Snapshot is the atomically readable view of the scheduler. After a
// sequence ends it keeps reporting that sequence's terminal state until
// the next Start.
type Snapshot struct {
	State      string `json:"state"`
	SequenceID string `json:"sequence_id,omitempty"`
	ShotIndex  int    `json:"shot_index"`
	Completed  int    `json:"completed_shots"`
	Expected   int    `json:"expected_shots"`
	LastError  string `json:"last_error,omitempty"`
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Store       Store
	Compiler    ShotCompiler
	Dispatcher  Dispatcher
	Evaluator   Evaluator
	Broadcaster Broadcaster
	Telemetry   Telemetry
	Logger      Logger

	// Reserved lists variable names sequences may not assign (the
	// evaluator's injected constants).
	Reserved []string
}

// Scheduler executes sequences one shot at a time on a single apparatus.
type Scheduler struct {
	store       Store
	compiler    ShotCompiler
	dispatcher  Dispatcher
	eval        Evaluator
	broadcaster Broadcaster
	telemetry   Telemetry
	logger      Logger
	reserved    []string
	cfg         config.ExecutionConfig

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	closed       bool
	active       bool
	activeID     string
	seq          *sequence.Sequence
	state        sequence.State
	started      bool
	shotIndex    int
	completed    int
	expected     int
	lastError    string
	pendingPause bool
	pendingAbort bool
	wake         chan struct{}
	loopDone     chan struct{}
}

// compiledShot is one unit flowing through the compile-ahead pipeline.
type compiledShot struct {
	item    sequence.Item
	program *compiler.Program
	err     error
}

// New creates a Scheduler. Call Close to release it; an active sequence
// is recorded as crashed on shutdown.
func New(deps Deps, cfg config.ExecutionConfig) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:       deps.Store,
		compiler:    deps.Compiler,
		dispatcher:  deps.Dispatcher,
		eval:        deps.Evaluator,
		broadcaster: deps.Broadcaster,
		telemetry:   deps.Telemetry,
		logger:      logger,
		reserved:    deps.Reserved,
		cfg:         cfg,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Start admits a sequence and begins executing it.
//
// Admission runs synchronously: static validation, shot counting, and
// compilation of the first shot all happen before Start returns, so a
// sequence that cannot produce its first program never transitions to
// Running. The shot loop then runs in the scheduler's own goroutine and
// outlives the caller's context.
//
// Parameters:
//   - ctx: Bounds the admission work only
//   - sequenceID: The sequence to execute
//
// Returns:
//   - error: *AlreadyRunningError if the apparatus is held; validation,
//     counting or first-shot compilation failures otherwise
func (s *Scheduler) Start(ctx context.Context, sequenceID string) error {
	// Claim the apparatus: check-and-set under one lock.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active {
		held := s.activeID
		s.mu.Unlock()
		return &AlreadyRunningError{SequenceID: held}
	}
	s.active = true
	s.activeID = sequenceID
	s.seq = nil
	s.state = sequence.StatePreparing
	s.started = false
	s.shotIndex = 0
	s.completed = 0
	s.expected = 0
	s.lastError = ""
	s.pendingPause = false
	s.pendingAbort = false
	s.wake = make(chan struct{}, 1)
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	seq, err := s.prepare(ctx, sequenceID)
	if err != nil {
		return err
	}

	startIndex := seq.CompletedShots
	it := sequence.NewIteratorAt(seq.Steps, s.eval, startIndex)

	first, haveFirst, err := it.Next()
	if err != nil {
		it.Close()
		s.failAdmission(seq, fmt.Errorf("deriving first binding: %w", err))
		return fmt.Errorf("deriving first binding: %w", err)
	}

	var firstProgram *compiler.Program
	if haveFirst {
		firstProgram, err = s.compiler.Compile(seq, first.Index, first.Binding)
		if err != nil {
			it.Close()
			s.failAdmission(seq, err)
			return err
		}
	}

	s.setState(seq.ID, sequence.StateRunning, "")
	s.logger.Info("sequence started",
		"sequence_id", seq.ID,
		"expected_shots", s.snapshotExpected(),
		"resume_index", startIndex,
	)

	go s.run(seq, it, first, haveFirst, firstProgram)
	return nil
}

// prepare loads, validates and counts the sequence. On failure the
// apparatus claim is released and the failure is recorded.
func (s *Scheduler) prepare(ctx context.Context, sequenceID string) (*sequence.Sequence, error) {
	seq, err := s.store.GetByID(ctx, sequenceID)
	if err != nil {
		s.releaseClaim()
		return nil, fmt.Errorf("loading sequence: %w", err)
	}

	s.mu.Lock()
	s.seq = seq
	s.completed = seq.CompletedShots
	s.mu.Unlock()

	s.setState(seq.ID, sequence.StatePreparing, "")

	if err := sequence.Validate(seq, s.eval, s.reserved); err != nil {
		s.failAdmission(seq, err)
		return nil, err
	}

	expected, err := sequence.CountShots(ctx, seq.Steps, s.eval)
	if err != nil {
		s.failAdmission(seq, fmt.Errorf("counting shots: %w", err))
		return nil, fmt.Errorf("counting shots: %w", err)
	}
	if err := s.store.SetExpectedShots(ctx, seq.ID, expected); err != nil {
		s.failAdmission(seq, fmt.Errorf("recording shot count: %w", err))
		return nil, fmt.Errorf("recording shot count: %w", err)
	}

	s.mu.Lock()
	s.expected = expected
	s.mu.Unlock()

	return seq, nil
}

// failAdmission records an admission failure and releases the claim. A
// sequence that fails admission is persisted as crashed so the failure is
// visible, with no shots recorded.
func (s *Scheduler) failAdmission(seq *sequence.Sequence, cause error) {
	s.setState(seq.ID, sequence.StateCrashed, cause.Error())
	s.logger.Error("sequence admission failed", "sequence_id", seq.ID, "error", cause)
	s.releaseClaim()
}

// releaseClaim frees the apparatus without touching persisted state.
func (s *Scheduler) releaseClaim() {
	s.mu.Lock()
	s.active = false
	if s.loopDone != nil && !s.started {
		close(s.loopDone)
		s.started = true
	}
	s.mu.Unlock()
}

// run is the control loop: it consumes the compile-ahead pipeline,
// executes each shot, and observes pause/abort at shot boundaries.
func (s *Scheduler) run(seq *sequence.Sequence, it *sequence.Iterator, first sequence.Item, haveFirst bool, firstProgram *compiler.Program) {
	s.mu.Lock()
	s.started = true
	loopDone := s.loopDone
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer close(loopDone)
	defer cancel()
	defer it.Close()

	pipeline := make(chan compiledShot, s.cfg.CompileAhead)
	go s.compileWorker(ctx, seq, it, first, haveFirst, firstProgram, pipeline)

	for {
		if stop := s.observeControls(ctx, seq); stop {
			return
		}

		select {
		case shot, open := <-pipeline:
			if !open {
				s.finalize(seq, sequence.StateFinished, "", false)
				return
			}
			if shot.err != nil {
				// A mid-sequence derivation or compilation failure
				// crashes the sequence with its history preserved.
				s.finalize(seq, sequence.StateCrashed, shot.err.Error(), false)
				return
			}
			if err := s.executeShot(ctx, seq, shot); err != nil {
				if ctx.Err() != nil {
					s.finalize(seq, sequence.StateCrashed, "engine shutdown mid-sequence", false)
					return
				}
				if s.cfg.SkipFailedShots {
					s.logger.Warn("shot failed, continuing",
						"sequence_id", seq.ID, "shot_index", shot.item.Index, "error", err)
					continue
				}
				s.finalize(seq, sequence.StateCrashed, err.Error(), false)
				return
			}

		case <-ctx.Done():
			s.finalize(seq, sequence.StateCrashed, "engine shutdown mid-sequence", false)
			return
		}
	}
}

// compileWorker compiles bindings ahead of the dispatch loop, feeding the
// bounded in-order pipeline. It stops after the first error.
func (s *Scheduler) compileWorker(ctx context.Context, seq *sequence.Sequence, it *sequence.Iterator, first sequence.Item, haveFirst bool, firstProgram *compiler.Program, out chan<- compiledShot) {
	defer close(out)

	send := func(shot compiledShot) bool {
		select {
		case out <- shot:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if haveFirst {
		if !send(compiledShot{item: first, program: firstProgram}) {
			return
		}
	}

	for {
		item, ok, err := it.Next()
		if err != nil {
			send(compiledShot{err: err})
			return
		}
		if !ok {
			return
		}

		program, err := s.compiler.Compile(seq, item.Index, item.Binding)
		if err != nil {
			send(compiledShot{item: item, err: err})
			return
		}
		if !send(compiledShot{item: item, program: program}) {
			return
		}
	}
}

// observeControls applies pause/abort requests at a shot boundary.
// Returns true when the loop must stop.
func (s *Scheduler) observeControls(ctx context.Context, seq *sequence.Sequence) bool {
	s.mu.Lock()
	abort, pause := s.pendingAbort, s.pendingPause
	wake := s.wake
	s.mu.Unlock()

	if abort {
		s.finalize(seq, sequence.StateFinished, "", true)
		return true
	}
	if !pause {
		return false
	}

	s.setState(seq.ID, sequence.StatePaused, "")
	s.logger.Info("sequence paused", "sequence_id", seq.ID)

	for {
		select {
		case <-wake:
			s.mu.Lock()
			abort, pause = s.pendingAbort, s.pendingPause
			s.mu.Unlock()
			if abort {
				s.finalize(seq, sequence.StateFinished, "", true)
				return true
			}
			if !pause {
				s.setState(seq.ID, sequence.StateRunning, "")
				s.logger.Info("sequence resumed", "sequence_id", seq.ID)
				return false
			}

		case <-ctx.Done():
			s.finalize(seq, sequence.StateCrashed, "engine shutdown while paused", false)
			return true
		}
	}
}

// executeShot dispatches one compiled program, applying the retry policy,
// and records the outcome. The returned error is the shot's fatal
// failure, nil on success.
func (s *Scheduler) executeShot(ctx context.Context, seq *sequence.Sequence, shot compiledShot) error {
	s.mu.Lock()
	s.shotIndex = shot.item.Index
	s.mu.Unlock()

	timeout := shot.program.Duration() + s.cfg.ShotTimeoutGrace()
	backoff := s.cfg.RetryBackoff()
	startedAt := time.Now().UTC()

	var result *dispatch.Result
	var lastErr error
	attempts := 0
	for attempts < s.cfg.RetryAttempts {
		attempts++

		dispatchCtx, cancelDispatch := context.WithTimeout(ctx, timeout)
		result, lastErr = s.dispatcher.Dispatch(dispatchCtx, shot.program)
		cancelDispatch()

		if lastErr == nil {
			break
		}
		if !dispatch.IsRetryable(lastErr) || attempts >= s.cfg.RetryAttempts {
			break
		}

		s.logger.Warn("retrying shot",
			"sequence_id", seq.ID,
			"shot_index", shot.item.Index,
			"attempt", attempts,
			"backoff", backoff,
			"error", lastErr,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, s.cfg.RetryBackoffMax())
	}

	finishedAt := time.Now().UTC()
	record := &sequence.ShotRecord{
		SequenceID: seq.ID,
		Index:      shot.item.Index,
		Binding:    shot.item.Binding,
		Attempts:   attempts,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	if lastErr == nil {
		record.Outcome = sequence.OutcomeSuccess
		record.Data = result.Data
	} else {
		detail := lastErr.Error()
		record.Outcome = sequence.OutcomeFailed
		record.Error = &detail
	}

	if err := s.saveShotWithRetry(ctx, record); err != nil {
		return fmt.Errorf("persisting shot %d: %w", shot.item.Index, err)
	}

	s.mu.Lock()
	s.completed++
	completed, expected := s.completed, s.expected
	if lastErr != nil {
		s.lastError = *record.Error
	}
	s.mu.Unlock()

	s.publish(Event{
		Type: EventShotCompleted,
		Payload: map[string]any{
			"sequence_id":     seq.ID,
			"shot_index":      shot.item.Index,
			"outcome":         string(record.Outcome),
			"attempts":        attempts,
			"completed_shots": completed,
			"expected_shots":  expected,
		},
	})
	if s.telemetry != nil {
		s.telemetry.WriteShotMetric(seq.ID, shot.item.Index, attempts,
			string(record.Outcome), finishedAt.Sub(startedAt))
	}

	if lastErr != nil {
		return fmt.Errorf("shot %d failed after %d attempts: %w", shot.item.Index, attempts, lastErr)
	}
	return nil
}

// saveShotWithRetry persists a shot record, retrying storage failures
// with the dispatch backoff policy. Losing acquired data is worse than a
// delayed write.
func (s *Scheduler) saveShotWithRetry(ctx context.Context, record *sequence.ShotRecord) error {
	backoff := s.cfg.RetryBackoff()
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err = s.store.SaveShot(ctx, record); err == nil {
			return nil
		}
		if attempt >= s.cfg.RetryAttempts {
			break
		}
		s.logger.Warn("retrying shot persistence",
			"sequence_id", record.SequenceID, "shot_index", record.Index, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, s.cfg.RetryBackoffMax())
	}
	return err
}

// finalize records the sequence's terminal state and releases the
// apparatus.
func (s *Scheduler) finalize(seq *sequence.Sequence, state sequence.State, detail string, interrupted bool) {
	s.setStateExtra(seq.ID, state, detail, interrupted)

	s.mu.Lock()
	s.active = false
	s.pendingPause = false
	s.pendingAbort = false
	completed, expected := s.completed, s.expected
	s.mu.Unlock()

	s.logger.Info("sequence finished",
		"sequence_id", seq.ID,
		"state", string(state),
		"completed_shots", completed,
		"expected_shots", expected,
		"interrupted", interrupted,
	)
}

// setState persists a lifecycle transition, updates the snapshot and
// broadcasts the change.
func (s *Scheduler) setState(sequenceID string, state sequence.State, detail string) {
	s.setStateExtra(sequenceID, state, detail, false)
}

func (s *Scheduler) setStateExtra(sequenceID string, state sequence.State, detail string, interrupted bool) {
	var detailPtr *string
	if detail != "" {
		detailPtr = &detail
	}

	// Persist with the storage retry policy; a transition that cannot be
	// recorded is logged but does not wedge the loop.
	backoff := s.cfg.RetryBackoff()
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err = s.store.UpdateStatus(s.baseCtx, sequenceID, state, detailPtr); err == nil {
			break
		}
		if attempt >= s.cfg.RetryAttempts {
			break
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, s.cfg.RetryBackoffMax())
	}
	if err != nil {
		s.logger.Error("persisting state transition failed",
			"sequence_id", sequenceID, "state", string(state), "error", err)
	}

	s.mu.Lock()
	s.state = state
	if detail != "" {
		s.lastError = detail
	}
	completed, expected := s.completed, s.expected
	s.mu.Unlock()

	payload := map[string]any{
		"sequence_id":     sequenceID,
		"state":           string(state),
		"completed_shots": completed,
		"expected_shots":  expected,
	}
	if detail != "" {
		payload["error"] = detail
	}
	if interrupted {
		payload["interrupted"] = true
	}
	s.publish(Event{Type: EventSequenceStateChanged, Payload: payload})

	if s.telemetry != nil {
		s.telemetry.WriteSequenceMetric(sequenceID, string(state), completed, expected)
	}
}

func (s *Scheduler) publish(event Event) {
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(event)
	}
}

// Pause requests suspension at the next shot boundary. The in-flight
// shot, if any, completes first.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.active || s.state != sequence.StateRunning {
		return ErrNotRunning
	}
	s.pendingPause = true
	s.signalWakeLocked()
	return nil
}

// Resume continues a paused sequence.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.active {
		return ErrNotRunning
	}
	// Resume also cancels a pause that has not taken effect yet.
	if s.state != sequence.StatePaused && !s.pendingPause {
		return ErrNotPaused
	}
	s.pendingPause = false
	s.signalWakeLocked()
	return nil
}

// Abort stops the sequence at the next shot boundary, preserving all
// recorded shots. The sequence finishes with partial results.
func (s *Scheduler) Abort() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.active {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.pendingAbort = true
	s.state = sequence.StateAborting
	sequenceID := s.activeID
	completed, expected := s.completed, s.expected
	s.signalWakeLocked()
	s.mu.Unlock()

	// Observers see Aborting immediately; persistence follows at the
	// shot boundary in finalize.
	s.publish(Event{
		Type: EventSequenceStateChanged,
		Payload: map[string]any{
			"sequence_id":     sequenceID,
			"state":           string(sequence.StateAborting),
			"completed_shots": completed,
			"expected_shots":  expected,
		},
	})
	return nil
}

// Snapshot returns the current execution state. Safe to call at any time
// from any goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:     StateIdle,
		ShotIndex: s.shotIndex,
		Completed: s.completed,
		Expected:  s.expected,
		LastError: s.lastError,
	}
	if s.seq != nil {
		snap.SequenceID = s.seq.ID
		snap.State = string(s.state)
	}
	return snap
}

// Close shuts the scheduler down. An active sequence is interrupted and
// recorded as crashed; Close blocks until the control loop has exited.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var loopDone chan struct{}
	if s.active {
		loopDone = s.loopDone
	}
	s.mu.Unlock()

	s.cancel()
	if loopDone != nil {
		<-loopDone
	}
	return nil
}

func (s *Scheduler) signalWakeLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) snapshotExpected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}
