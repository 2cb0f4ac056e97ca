// ABOUTME: Drains the offline command queue to the server in strict FIFO order
// ABOUTME: Handles conflicts, retry scheduling with capped backoff, and failure surfacing
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/remote"
	"github.com/harperreed/dealsync/schema"
	"github.com/sethvargo/go-retry"
)

// Queue defines the queue operations needed by the reconciler.
type Queue interface {
	ListPending(ctx context.Context, scope string) ([]models.Command, error)
	MarkStatus(ctx context.Context, id string, status models.CommandStatus, detail string) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Clear(ctx context.Context, ids ...string) error
	Rebase(ctx context.Context, scope, recordID, serverID string, base *time.Time) error
}

// Cache defines the cache operations needed to publish server truth.
type Cache interface {
	Upsert(ctx context.Context, scope string, record models.Deal)
	Replace(ctx context.Context, scope, oldID string, record models.Deal)
	Remove(ctx context.Context, scope, id string) (models.Deal, int, bool)
}

// Failure is a command outcome the user needs to hear about.
type Failure struct {
	Scope     string
	Command   models.Command
	Class     remote.Class
	Code      string
	Message   string
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	return fmt.Sprintf("%s %s %s failed (%s): %s", f.Scope, f.Command.Type, f.Command.RecordID, f.Class, msg)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result summarizes one drain.
type Result struct {
	Skipped   bool
	Synced    int
	Conflicts int
	Failed    int
	// Remaining is the number of commands left in the queue when the drain stopped early.
	Remaining int
	// RetryIn is the delay before the scheduled retry, zero when none is scheduled.
	RetryIn time.Duration
}

// Options configures a Reconciler.
type Options struct {
	Queue     Queue
	Writer    remote.Writer
	Cache     Cache
	Logger    *log.Logger
	OnFailure func(*Failure)
	// Refresh is called after permanent failures so server truth replaces optimistic values.
	Refresh func(ctx context.Context, scope string)
	// Retry runs a scheduled retry. When nil the reconciler calls Drain itself.
	Retry     func(ctx context.Context, scope string)
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// rebase is the server's identity for a record synced earlier in a drain.
type rebase struct {
	id   string
	base *time.Time
}

type retryState struct {
	backoff retry.Backoff
	timer   *time.Timer
	seq     int
}

// Reconciler drains queued commands. Safe for concurrent use.
type Reconciler struct {
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining map[string]bool
	retries  map[string]*retryState
	closed   bool
}

// New creates a reconciler.
func New(opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		draining: make(map[string]bool),
		retries:  make(map[string]*retryState),
	}
}

// Draining reports whether a drain for scope is in progress.
func (r *Reconciler) Draining(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining[scope]
}

// Drain transmits every pending command for scope. A concurrent call while a
// drain for the same scope runs returns immediately with Skipped set.
func (r *Reconciler) Drain(ctx context.Context, scope string) (Result, error) {
	r.mu.Lock()
	if r.closed || r.draining[scope] {
		r.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	r.draining[scope] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.draining, scope)
		r.mu.Unlock()
	}()

	cmds, err := r.opts.Queue.ListPending(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list pending commands: %w", err)
	}

	var (
		result       Result
		stopped      outcome
		needsRefresh bool
		rebased      = make(map[string]rebase)
	)

loop:
	for i, cmd := range cmds {
		queuedID := cmd.RecordID
		if rb, ok := rebased[queuedID]; ok {
			cmd.RecordID = rb.id
			if cmd.Type == models.CommandUpdate {
				cmd.BaseUpdatedAt = rb.base
			}
		}
		out, err := r.process(ctx, scope, cmd, rebased)
		if err != nil {
			return result, err
		}
		if rb, ok := rebased[cmd.RecordID]; ok && queuedID != cmd.RecordID {
			rebased[queuedID] = rb
		}
		switch out {
		case outcomeSynced:
			result.Synced++
		case outcomeConflict:
			result.Conflicts++
		case outcomeRefresh:
			result.Synced++
			needsRefresh = true
		case outcomeDropped:
			result.Failed++
			needsRefresh = true
		case outcomeRetry:
			result.Remaining = len(cmds) - i
			stopped = out
			break loop
		case outcomeExhausted:
			result.Failed++
			result.Remaining = len(cmds) - i - 1
			needsRefresh = true
			stopped = out
			break loop
		case outcomeHalt:
			result.Remaining = len(cmds) - i
			stopped = out
			break loop
		}
	}

	switch {
	case stopped == outcomeRetry, stopped == outcomeExhausted && result.Remaining > 0:
		result.RetryIn = r.scheduleRetry(scope)
	case stopped != outcomeHalt:
		r.resetRetry(scope)
	}

	if needsRefresh && r.opts.Refresh != nil {
		r.opts.Refresh(ctx, scope)
	}
	return result, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSynced
	outcomeRefresh
	outcomeConflict
	outcomeDropped
	outcomeRetry
	outcomeExhausted
	outcomeHalt
)

func (r *Reconciler) process(ctx context.Context, scope string, cmd models.Command, rebased map[string]rebase) (outcome, error) {
	if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandSyncing, ""); err != nil {
		return outcomeHalt, fmt.Errorf("failed to mark command syncing: %w", err)
	}

	res, err := r.transmit(ctx, scope, cmd)
	if ctx.Err() != nil {
		// Cancelled, not failed: the command goes back to waiting without spending an attempt.
		_ = r.opts.Queue.MarkStatus(context.Background(), cmd.ID, models.CommandPending, "")
		return outcomeHalt, nil
	}

	class := remote.Classify(res, err)
	if cmd.Type == models.CommandDelete && res.Code == remote.CodeNotFound {
		class = remote.ClassNone
	}

	switch class {
	case remote.ClassNone:
		return r.synced(ctx, scope, cmd, res, rebased)

	case remote.ClassConflict:
		if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandConflict, res.Message); err != nil {
			return outcomeHalt, fmt.Errorf("failed to mark command conflict: %w", err)
		}
		if err := r.opts.Queue.Clear(ctx, cmd.ID); err != nil {
			return outcomeHalt, fmt.Errorf("failed to clear command: %w", err)
		}
		adopted := false
		if server := schema.NormalizeJSON(res.Record); server != nil && server.OrganizationID == scope {
			r.opts.Cache.Upsert(ctx, scope, *server)
			adopted = true
		}
		r.surface(&Failure{Scope: scope, Command: cmd, Class: class, Code: res.Code, Message: res.Message})
		if !adopted {
			return outcomeDropped, nil
		}
		return outcomeConflict, nil

	case remote.ClassTransient:
		attempts, incErr := r.opts.Queue.IncrementAttempts(ctx, cmd.ID)
		if incErr != nil {
			return outcomeHalt, fmt.Errorf("failed to increment attempts: %w", incErr)
		}
		detail := failureDetail(res, err)
		if attempts < cmd.MaxAttempts {
			if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandFailed, detail); err != nil {
				return outcomeHalt, fmt.Errorf("failed to mark command failed: %w", err)
			}
			r.logger.Warn("command failed, will retry", "scope", scope, "id", cmd.RecordID, "attempt", attempts, "err", detail)
			return outcomeRetry, nil
		}
		if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandFailed, "retries exhausted: "+detail); err != nil {
			return outcomeHalt, fmt.Errorf("failed to mark command failed: %w", err)
		}
		r.surface(&Failure{Scope: scope, Command: cmd, Class: class, Code: res.Code, Message: res.Message, Exhausted: true, Err: err})
		if err := r.opts.Queue.Clear(ctx, cmd.ID); err != nil {
			return outcomeHalt, fmt.Errorf("failed to clear command: %w", err)
		}
		return outcomeExhausted, nil

	case remote.ClassAuthorization:
		if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandPending, failureDetail(res, err)); err != nil {
			return outcomeHalt, fmt.Errorf("failed to mark command pending: %w", err)
		}
		r.surface(&Failure{Scope: scope, Command: cmd, Class: class, Code: res.Code, Message: res.Message, Err: err})
		return outcomeHalt, nil

	default:
		if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandFailed, failureDetail(res, err)); err != nil {
			return outcomeHalt, fmt.Errorf("failed to mark command failed: %w", err)
		}
		r.surface(&Failure{Scope: scope, Command: cmd, Class: class, Code: res.Code, Message: res.Message, Err: err})
		if err := r.opts.Queue.Clear(ctx, cmd.ID); err != nil {
			return outcomeHalt, fmt.Errorf("failed to clear command: %w", err)
		}
		return outcomeDropped, nil
	}
}

func (r *Reconciler) synced(ctx context.Context, scope string, cmd models.Command, res remote.Result, rebased map[string]rebase) (outcome, error) {
	if err := r.opts.Queue.MarkStatus(ctx, cmd.ID, models.CommandSynced, ""); err != nil {
		return outcomeHalt, fmt.Errorf("failed to mark command synced: %w", err)
	}
	if err := r.opts.Queue.Clear(ctx, cmd.ID); err != nil {
		return outcomeHalt, fmt.Errorf("failed to clear command: %w", err)
	}

	if cmd.Type == models.CommandDelete {
		r.opts.Cache.Remove(ctx, scope, cmd.RecordID)
		return outcomeSynced, nil
	}

	server := schema.NormalizeJSON(res.Record)
	if server == nil || server.OrganizationID != scope {
		r.logger.Warn("server accepted command without a valid record", "scope", scope, "id", cmd.RecordID)
		return outcomeRefresh, nil
	}
	if cmd.Type == models.CommandCreate {
		r.opts.Cache.Replace(ctx, scope, cmd.RecordID, *server)
	} else {
		r.opts.Cache.Upsert(ctx, scope, *server)
	}

	// Later commands for this record were queued against the pre-sync copy.
	var base *time.Time
	if !server.UpdatedAt.IsZero() {
		t := server.UpdatedAt
		base = &t
	}
	if err := r.opts.Queue.Rebase(ctx, scope, cmd.RecordID, server.ID, base); err != nil {
		return outcomeHalt, fmt.Errorf("failed to rebase queued commands: %w", err)
	}
	rebased[cmd.RecordID] = rebase{id: server.ID, base: base}
	return outcomeSynced, nil
}

func (r *Reconciler) transmit(ctx context.Context, scope string, cmd models.Command) (remote.Result, error) {
	switch cmd.Type {
	case models.CommandCreate:
		return r.opts.Writer.Create(ctx, scope, cmd.Payload)
	case models.CommandUpdate:
		return r.opts.Writer.Update(ctx, scope, cmd.RecordID, cmd.Payload, cmd.BaseUpdatedAt)
	case models.CommandDelete:
		return r.opts.Writer.Delete(ctx, scope, cmd.RecordID)
	}
	return remote.Result{Code: remote.CodeValidation, Message: fmt.Sprintf("unknown command type %q", cmd.Type)}, nil
}

func (r *Reconciler) surface(f *Failure) {
	r.logger.Error("sync command failed", "scope", f.Scope, "id", f.Command.RecordID, "class", f.Class, "err", f)
	if r.opts.OnFailure != nil {
		r.opts.OnFailure(f)
	}
}

func failureDetail(res remote.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Message != "" {
		return res.Message
	}
	if res.Code != "" {
		return res.Code
	}
	return fmt.Sprintf("status %d", res.Status)
}

// scheduleRetry arms a timer that drains scope again after the next backoff step.
func (r *Reconciler) scheduleRetry(scope string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}

	st, ok := r.retries[scope]
	if !ok {
		st = &retryState{backoff: retry.WithCappedDuration(r.opts.MaxDelay, retry.NewExponential(r.opts.BaseDelay))}
		r.retries[scope] = st
	}
	delay, stop := st.backoff.Next()
	if stop {
		return 0
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.seq++
	seq := st.seq
	st.timer = time.AfterFunc(delay, func() { r.fire(scope, st, seq) })
	return delay
}

func (r *Reconciler) fire(scope string, st *retryState, seq int) {
	r.mu.Lock()
	current, ok := r.retries[scope]
	live := !r.closed && ok && current == st && st.seq == seq
	r.mu.Unlock()
	if !live {
		return
	}
	if r.opts.Retry != nil {
		r.opts.Retry(r.ctx, scope)
		return
	}
	if _, err := r.Drain(r.ctx, scope); err != nil {
		r.logger.Error("scheduled drain failed", "scope", scope, "err", err)
	}
}

// resetRetry forgets the backoff after a clean drain.
func (r *Reconciler) resetRetry(scope string) {
	r.Cancel(scope)
}

// Cancel stops any scheduled retry for scope and resets its backoff.
func (r *Reconciler) Cancel(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.retries[scope]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.retries, scope)
	}
}

// RetryScheduled reports whether a retry timer is armed for scope.
func (r *Reconciler) RetryScheduled(scope string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.retries[scope]
	return ok && st.timer != nil
}

// Close cancels every scheduled retry. Later drains are skipped.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	for scope, st := range r.retries {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(r.retries, scope)
	}
	r.mu.Unlock()
	r.cancel()
}
