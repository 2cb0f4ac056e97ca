// ABOUTME: Shares one upstream real-time subscription among many in-process subscribers
// ABOUTME: Validates and scope-checks events, applies them to the cache, then fans out
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/remote"
	"github.com/harperreed/dealsync/schema"
	"github.com/sethvargo/go-retry"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("multiplexer closed")

// Change is a validated event delivered to subscribers. Record is nil for deletes.
type Change struct {
	Type   models.EventType
	ID     string
	Record *models.Deal
}

// Callback receives changes in delivery order. A callback must not switch the
// scope or close the multiplexer: both wait for delivery to finish.
type Callback func(Change)

// Cache defines the cache operations events are applied through.
type Cache interface {
	InsertIfAbsent(ctx context.Context, scope string, record models.Deal) bool
	Upsert(ctx context.Context, scope string, record models.Deal)
	Remove(ctx context.Context, scope, id string) (models.Deal, int, bool)
}

// Options configures a Multiplexer.
type Options struct {
	Stream    remote.Stream
	Cache     Cache
	Logger    *log.Logger
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type registration struct {
	callerID string
	cb       Callback
}

// Multiplexer keeps at most one live upstream subscription per process.
type Multiplexer struct {
	opts   Options
	logger *log.Logger

	// deliver is held for one event's validate, apply and fan-out. Scope
	// switches and Close take it first so no event outlives its scope.
	deliver sync.Mutex

	mu         sync.Mutex
	scope      string
	regs       []*registration
	gen        uint64
	sub        remote.Subscription
	cancelDial context.CancelFunc
	reconnect  *time.Timer
	backoff    retry.Backoff
	closed     bool
}

// New creates a multiplexer. No upstream is opened until the first Subscribe.
func New(opts Options) *Multiplexer {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	return &Multiplexer{opts: opts, logger: opts.Logger}
}

func (m *Multiplexer) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.opts.MaxDelay, retry.NewExponential(m.opts.BaseDelay))
}

// Subscribe registers cb under callerID for scope. A second registration with
// the same callerID replaces the first. Subscribing to a different scope
// switches the shared upstream to it.
func (m *Multiplexer) Subscribe(scope, callerID string, cb Callback) (func(), error) {
	if scope == "" {
		return nil, fmt.Errorf("failed to subscribe: empty scope")
	}
	if cb == nil {
		return nil, fmt.Errorf("failed to subscribe: nil callback")
	}

	m.mu.Lock()
	switching := scope != m.scope
	m.mu.Unlock()
	release := func() {}
	if switching {
		m.deliver.Lock()
		release = m.deliver.Unlock
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		release()
		return nil, ErrClosed
	}

	var stale remote.Subscription
	if scope != m.scope {
		stale = m.switchScopeLocked(scope)
	}

	reg := &registration{callerID: callerID, cb: cb}
	replaced := false
	for i, r := range m.regs {
		if r.callerID == callerID {
			m.regs[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		m.regs = append(m.regs, reg)
	}

	if m.sub == nil && m.cancelDial == nil && m.reconnect == nil {
		m.connectLocked()
	}
	m.mu.Unlock()
	release()

	closeQuietly(stale)

	var once sync.Once
	return func() { once.Do(func() { m.unsubscribe(reg) }) }, nil
}

func (m *Multiplexer) unsubscribe(reg *registration) {
	m.mu.Lock()
	for i, r := range m.regs {
		if r == reg {
			m.regs = append(m.regs[:i], m.regs[i+1:]...)
			break
		}
	}
	var stale remote.Subscription
	if len(m.regs) == 0 {
		stale = m.teardownLocked()
	}
	m.mu.Unlock()
	closeQuietly(stale)
}

// SetScope switches the active organization. With subscribers registered the
// upstream is torn down and recreated for the new scope.
func (m *Multiplexer) SetScope(scope string) {
	m.deliver.Lock()
	m.mu.Lock()
	if m.closed || scope == m.scope {
		m.mu.Unlock()
		m.deliver.Unlock()
		return
	}
	stale := m.switchScopeLocked(scope)
	if len(m.regs) > 0 && scope != "" {
		m.connectLocked()
	}
	m.mu.Unlock()
	m.deliver.Unlock()
	closeQuietly(stale)
}

func (m *Multiplexer) switchScopeLocked(scope string) remote.Subscription {
	stale := m.teardownLocked()
	m.scope = scope
	m.backoff = nil
	return stale
}

// teardownLocked invalidates the current generation and returns the upstream to close.
func (m *Multiplexer) teardownLocked() remote.Subscription {
	m.gen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	sub := m.sub
	m.sub = nil
	return sub
}

func closeQuietly(sub remote.Subscription) {
	if sub != nil {
		_ = sub.Close()
	}
}

// connectLocked starts dialing the upstream for the current generation.
func (m *Multiplexer) connectLocked() {
	m.gen++
	gen, scope := m.gen, m.scope
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	go m.dial(ctx, gen, scope)
}

func (m *Multiplexer) dial(ctx context.Context, gen uint64, scope string) {
	sub, err := m.opts.Stream.Subscribe(ctx, scope, m.handler(gen))

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		closeQuietly(sub)
		return
	}
	m.cancelDial = nil
	if err != nil {
		m.logger.Warn("real-time subscribe failed", "scope", scope, "err", err)
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
		return
	}
	m.sub = sub
	m.backoff = nil
	m.mu.Unlock()

	m.logger.Debug("real-time subscription open", "scope", scope)
	go m.watch(gen, sub)
}

// watch schedules a reconnect when the upstream ends on its own.
func (m *Multiplexer) watch(gen uint64, sub remote.Subscription) {
	err, ok := <-sub.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.closed || m.sub != sub {
		return
	}
	if ok && err != nil {
		m.logger.Warn("real-time subscription lost", "scope", m.scope, "err", err)
	}
	m.sub = nil
	m.scheduleReconnectLocked(gen)
}

func (m *Multiplexer) scheduleReconnectLocked(gen uint64) {
	if len(m.regs) == 0 {
		return
	}
	if m.backoff == nil {
		m.backoff = m.newBackoff()
	}
	delay, stop := m.backoff.Next()
	if stop {
		return
	}
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen || m.closed || len(m.regs) == 0 {
			return
		}
		m.reconnect = nil
		m.connectLocked()
	})
}

// handler processes upstream events for one generation.
func (m *Multiplexer) handler(gen uint64) remote.Handler {
	return func(ev remote.Event) {
		m.deliver.Lock()
		defer m.deliver.Unlock()

		m.mu.Lock()
		if m.gen != gen || m.closed {
			m.mu.Unlock()
			return
		}
		scope := m.scope
		m.mu.Unlock()

		change, ok := m.validate(scope, ev)
		if !ok {
			return
		}
		m.apply(scope, change)

		m.mu.Lock()
		if m.gen != gen || m.closed || m.scope != scope {
			m.mu.Unlock()
			m.logger.Debug("dropping event after scope change", "scope", scope)
			return
		}
		regs := append([]*registration(nil), m.regs...)
		m.mu.Unlock()

		for _, r := range regs {
			m.invoke(r, change)
		}
	}
}

func (m *Multiplexer) validate(scope string, ev remote.Event) (Change, bool) {
	switch ev.Type {
	case models.EventDelete:
		id, orgID, ok := schema.IdentityJSON(ev.Record)
		if !ok {
			m.logger.Debug("dropping malformed delete event", "scope", scope)
			return Change{}, false
		}
		if orgID != scope {
			m.logger.Debug("dropping event for another organization", "scope", scope, "org", orgID)
			return Change{}, false
		}
		return Change{Type: ev.Type, ID: id}, true

	case models.EventInsert, models.EventUpdate:
		deal := schema.NormalizeJSON(ev.Record)
		if deal == nil {
			m.logger.Debug("dropping invalid event record", "scope", scope)
			return Change{}, false
		}
		if deal.OrganizationID != scope {
			m.logger.Debug("dropping event for another organization", "scope", scope, "org", deal.OrganizationID)
			return Change{}, false
		}
		return Change{Type: ev.Type, ID: deal.ID, Record: deal}, true
	}
	m.logger.Debug("dropping unknown event type", "scope", scope, "type", ev.Type)
	return Change{}, false
}

func (m *Multiplexer) apply(scope string, c Change) {
	if m.opts.Cache == nil {
		return
	}
	ctx := context.Background()
	switch c.Type {
	case models.EventInsert:
		m.opts.Cache.InsertIfAbsent(ctx, scope, *c.Record)
	case models.EventUpdate:
		m.opts.Cache.Upsert(ctx, scope, *c.Record)
	case models.EventDelete:
		m.opts.Cache.Remove(ctx, scope, c.ID)
	}
}

func (m *Multiplexer) invoke(r *registration, c Change) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("subscriber panicked", "caller", r.callerID, "panic", p)
		}
	}()
	if c.Record != nil {
		rec := c.Record.Clone()
		c.Record = &rec
	}
	r.cb(c)
}

// Scope returns the active organization.
func (m *Multiplexer) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// Connected reports whether an upstream subscription is live.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub != nil
}

// Subscribers returns the number of registrations.
func (m *Multiplexer) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

// Close tears down the upstream and cancels any pending reconnect.
func (m *Multiplexer) Close() {
	m.deliver.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.deliver.Unlock()
		return
	}
	m.closed = true
	stale := m.teardownLocked()
	m.regs = nil
	m.mu.Unlock()
	m.deliver.Unlock()
	closeQuietly(stale)
}
