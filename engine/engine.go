// ABOUTME: Deal sync engine: owns the cache, offline queue, reconciler, and real-time feed
// ABOUTME: Constructed once per process and passed to whatever needs it
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/cache"
	"github.com/harperreed/dealsync/db"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/realtime"
	"github.com/harperreed/dealsync/reconcile"
	"github.com/harperreed/dealsync/remote"
	"golang.org/x/sync/singleflight"
)

// Default timings.
const (
	DefaultLoadingTimeout      = 30 * time.Second
	DefaultFirstLoadRetryDelay = 1500 * time.Millisecond
	DefaultStaleAfter          = 5 * time.Minute
)

// ErrOffline is returned by Drain while the engine is offline.
var ErrOffline = errors.New("engine is offline")

// Options configures an Engine. Cache, Queue, Writer, and Reader are required.
type Options struct {
	Cache  *cache.Tiered
	Queue  *db.Queue
	Writer remote.Writer
	Reader remote.Reader
	// Stream enables real-time subscriptions. Optional.
	Stream remote.Stream
	Logger *log.Logger

	Scope   string
	Offline bool

	// Ready, when set, is closed once the host's session is established.
	// The first fetch for a scope waits on it instead of retrying.
	Ready <-chan struct{}

	// OnFailure receives failures the reconciler surfaces while draining.
	OnFailure func(*reconcile.Failure)

	LoadingTimeout      time.Duration
	FirstLoadRetryDelay time.Duration
	StaleAfter          time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration

	Now func() time.Time
}

type inflightFetch struct {
	seq    uint64
	cancel context.CancelFunc
}

// Engine is the deal synchronization engine. Safe for concurrent use.
type Engine struct {
	opts   Options
	logger *log.Logger
	cache  *cache.Tiered
	queue  *db.Queue
	writer remote.Writer
	reader remote.Reader

	locks   *Locks
	recon   *reconcile.Reconciler
	mux     *realtime.Multiplexer
	loading *loadingTracker
	fetches singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	scope    string
	online   bool
	inflight map[string]*inflightFetch
	fetchSeq uint64
	loaded   map[string]bool
	closed   bool
}

// New creates an engine. Nothing touches the network until it is asked to.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Cache == nil:
		return nil, fmt.Errorf("failed to create engine: cache is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("failed to create engine: queue is required")
	case opts.Writer == nil, opts.Reader == nil:
		return nil, fmt.Errorf("failed to create engine: remote writer and reader are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.LoadingTimeout <= 0 {
		opts.LoadingTimeout = DefaultLoadingTimeout
	}
	if opts.FirstLoadRetryDelay <= 0 {
		opts.FirstLoadRetryDelay = DefaultFirstLoadRetryDelay
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:     opts,
		logger:   opts.Logger,
		cache:    opts.Cache,
		queue:    opts.Queue,
		writer:   opts.Writer,
		reader:   opts.Reader,
		locks:    NewLocks(),
		loading:  newLoadingTracker(opts.LoadingTimeout, opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
		scope:    opts.Scope,
		online:   !opts.Offline,
		inflight: make(map[string]*inflightFetch),
		loaded:   make(map[string]bool),
	}

	e.recon = reconcile.New(reconcile.Options{
		Queue:     opts.Queue,
		Writer:    opts.Writer,
		Cache:     opts.Cache,
		Logger:    opts.Logger,
		OnFailure: e.surface,
		Refresh: func(ctx context.Context, scope string) {
			if _, err := e.Refresh(ctx, scope); err != nil {
				e.logger.Warn("refresh after failed drain failed", "scope", scope, "err", err)
			}
		},
		Retry: func(ctx context.Context, scope string) {
			if !e.Online() {
				return
			}
			if _, err := e.drainScope(ctx, scope); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("scheduled drain failed", "scope", scope, "err", err)
			}
		},
		BaseDelay: opts.RetryBaseDelay,
		MaxDelay:  opts.RetryMaxDelay,
	})

	if opts.Stream != nil {
		e.mux = realtime.New(realtime.Options{
			Stream:    opts.Stream,
			Cache:     opts.Cache,
			Logger:    opts.Logger,
			BaseDelay: opts.ReconnectBaseDelay,
			MaxDelay:  opts.ReconnectMaxDelay,
		})
	}
	return e, nil
}

func (e *Engine) surface(f *reconcile.Failure) {
	e.logger.Warn("queued change failed", "scope", f.Scope, "id", f.Command.RecordID, "class", f.Class, "err", f.Err)
	if e.opts.OnFailure != nil {
		e.opts.OnFailure(f)
	}
}

// Scope returns the active organization.
func (e *Engine) Scope() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

func (e *Engine) activeScope() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.scope == "" {
		return "", ErrNoScope
	}
	return e.scope, nil
}

// SetScope switches the active organization. In-flight fetches and scheduled
// retries of the old scope are cancelled and the real-time feed follows.
func (e *Engine) SetScope(scope string) error {
	if scope == "" {
		return ErrNoScope
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	old := e.scope
	if old == scope {
		e.mu.Unlock()
		return nil
	}
	e.scope = scope
	if f := e.inflight[old]; f != nil {
		f.cancel()
	}
	online := e.online
	e.mu.Unlock()

	if old != "" {
		e.fetches.Forget(old)
		e.recon.Cancel(old)
	}
	if e.mux != nil {
		e.mux.SetScope(scope)
	}
	e.logger.Info("switched organization", "from", old, "to", scope)

	if online {
		go e.drainInBackground(scope)
		// Real-time events only patch a loaded list, so the new scope needs one.
		if _, ok := e.cache.Get(e.ctx, scope); !ok {
			go e.fetchInBackground(scope)
		}
	}
	return nil
}

func (e *Engine) fetchInBackground(scope string) {
	if _, err := e.Fetch(e.ctx, scope); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("background fetch failed", "scope", scope, "err", err)
	}
}

// Online reports whether writes go to the server.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records connectivity. Coming back online drains the active scope.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	scope, closed := e.scope, e.closed
	e.mu.Unlock()

	if closed || was == online || scope == "" {
		return
	}
	if !online {
		e.recon.Cancel(scope)
		e.logger.Info("offline, changes will be queued", "scope", scope)
		return
	}
	e.logger.Info("back online, draining queued changes", "scope", scope)
	go e.drainInBackground(scope)
}

func (e *Engine) drainInBackground(scope string) {
	if _, err := e.drainScope(e.ctx, scope); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("drain failed", "scope", scope, "err", err)
	}
}

// Drain transmits queued changes for the active scope.
func (e *Engine) Drain(ctx context.Context) (reconcile.Result, error) {
	scope, err := e.activeScope()
	if err != nil {
		return reconcile.Result{}, err
	}
	if !e.Online() {
		return reconcile.Result{}, ErrOffline
	}
	return e.drainScope(ctx, scope)
}

func (e *Engine) drainScope(ctx context.Context, scope string) (reconcile.Result, error) {
	done := e.loading.begin(scope, "drain")
	defer done()

	dbh := e.queue.DB()
	if err := db.UpdateSyncStatus(ctx, dbh, scope, db.SyncDraining, nil); err != nil {
		e.logger.Warn("failed to record sync status", "scope", scope, "err", err)
	}

	res, err := e.recon.Drain(ctx, scope)
	if err != nil {
		msg := err.Error()
		if serr := db.UpdateSyncStatus(ctx, dbh, scope, db.SyncError, &msg); serr != nil {
			e.logger.Warn("failed to record sync status", "scope", scope, "err", serr)
		}
		return res, err
	}
	if res.Skipped {
		return res, nil
	}

	if err := db.RecordDrain(ctx, dbh, scope, e.opts.Now()); err != nil {
		e.logger.Warn("failed to record drain", "scope", scope, "err", err)
	}
	if err := db.UpdateSyncStatus(ctx, dbh, scope, db.SyncIdle, nil); err != nil {
		e.logger.Warn("failed to record sync status", "scope", scope, "err", err)
	}
	e.logger.Debug("drain finished", "scope", scope, "synced", res.Synced, "conflicts", res.Conflicts,
		"failed", res.Failed, "remaining", res.Remaining)
	return res, nil
}

// Revalidate is the resume hook. It promotes newer durable data, drains
// queued changes, and refetches when the cached copy is older than StaleAfter.
func (e *Engine) Revalidate(ctx context.Context) error {
	scope, err := e.activeScope()
	if err != nil {
		return err
	}
	if e.cache.Revalidate(ctx, scope) {
		e.logger.Debug("promoted newer durable cache", "scope", scope)
	}
	if !e.Online() {
		return nil
	}

	if _, err := e.drainScope(ctx, scope); err != nil {
		return fmt.Errorf("failed to drain on revalidate: %w", err)
	}

	memory, _ := e.cache.Freshness(ctx, scope)
	if memory.IsZero() || e.opts.Now().Sub(memory) > e.opts.StaleAfter {
		if _, err := e.Refresh(ctx, scope); err != nil {
			return fmt.Errorf("failed to refresh on revalidate: %w", err)
		}
	}
	return nil
}

// Subscribe registers cb for real-time changes in the active scope.
func (e *Engine) Subscribe(callerID string, cb realtime.Callback) (func(), error) {
	if e.mux == nil {
		return nil, fmt.Errorf("failed to subscribe: no real-time stream configured")
	}
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}
	return e.mux.Subscribe(scope, callerID, cb)
}

// Loading reports whether a fetch or drain for scope is running within its ceiling.
func (e *Engine) Loading(scope string) bool {
	return e.loading.loading(scope)
}

// Pending lists queued commands for the active scope in every status.
func (e *Engine) Pending(ctx context.Context) ([]models.Command, error) {
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}
	return e.queue.List(ctx, scope)
}

// Status is a point-in-time view of the engine for status displays.
type Status struct {
	Scope          string
	Online         bool
	Connected      bool
	Loading        bool
	Draining       bool
	RetryScheduled bool
	Pending        int
	LastDrainAt    *time.Time
	LastFetchAt    *time.Time
	LastError      string
}

// Status reports the engine's state for the active scope.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	scope, err := e.activeScope()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Scope:          scope,
		Online:         e.Online(),
		Loading:        e.Loading(scope),
		Draining:       e.recon.Draining(scope),
		RetryScheduled: e.recon.RetryScheduled(scope),
	}
	if e.mux != nil {
		st.Connected = e.mux.Connected()
	}
	if st.Pending, err = e.queue.Count(ctx, scope); err != nil {
		return st, err
	}
	state, err := db.GetSyncState(ctx, e.queue.DB(), scope)
	if err != nil {
		return st, err
	}
	if state != nil {
		st.LastDrainAt = state.LastDrainAt
		st.LastFetchAt = state.LastFetchAt
		if state.ErrorMessage != nil {
			st.LastError = *state.ErrorMessage
		}
	}
	return st, nil
}

// Close tears down the real-time feed, timers, queue, and cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if e.mux != nil {
		e.mux.Close()
	}
	e.recon.Close()
	e.loading.stop()

	var errs []error
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
	}
	if err := e.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	return errors.Join(errs...)
}
