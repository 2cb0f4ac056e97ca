// ABOUTME: In-memory authoritative deal store with updated_at conflict detection
// ABOUTME: Implements the remote Writer, Reader, and Stream interfaces in-process
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/remote"
	"github.com/harperreed/dealsync/schema"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before it is dropped.
const subscriberBuffer = 256

// ErrSubscriberTooSlow ends a subscription whose buffer filled up.
var ErrSubscriberTooSlow = errors.New("subscriber fell behind")

type partition struct {
	order   []string
	records map[string]models.Deal
}

// Store holds deals per organization and fans out changes to subscribers.
type Store struct {
	mu     sync.Mutex
	orgs   map[string]*partition
	subs   map[string]map[uint64]*storeSub
	nextID uint64
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		orgs: make(map[string]*partition),
		subs: make(map[string]map[uint64]*storeSub),
		now:  time.Now,
	}
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) partition(scope string) *partition {
	p, ok := s.orgs[scope]
	if !ok {
		p = &partition{records: make(map[string]models.Deal)}
		s.orgs[scope] = p
	}
	return p
}

// stamp returns a timestamp strictly after prev so every write moves updated_at forward.
func (s *Store) stamp(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	return t
}

func encode(d models.Deal) json.RawMessage {
	data, _ := json.Marshal(d)
	return data
}

func rejected(status int, code, message string, current *models.Deal) remote.Result {
	res := remote.Result{Status: status, Code: code, Message: message}
	if current != nil {
		res.Record = encode(*current)
	}
	return res
}

// Seed inserts records as-is after normalizing them. Invalid records are reported.
func (s *Store) Seed(scope string, records ...map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(scope)
	for _, raw := range records {
		d := schema.Normalize(raw)
		if d == nil || d.OrganizationID != scope {
			return fmt.Errorf("invalid seed record %v", raw[models.FieldID])
		}
		if _, exists := p.records[d.ID]; !exists {
			p.order = append(p.order, d.ID)
		}
		p.records[d.ID] = *d
	}
	return nil
}

// Deals returns a copy of the scope's records in insertion order.
func (s *Store) Deals(scope string) []models.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.orgs[scope]
	if !ok {
		return nil
	}
	out := make([]models.Deal, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.records[id].Clone())
	}
	return out
}

// Get returns one record.
func (s *Store) Get(scope, id string) (models.Deal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.orgs[scope]; ok {
		d, found := p.records[id]
		return d.Clone(), found
	}
	return models.Deal{}, false
}

func (s *Store) List(_ context.Context, scope string) ([]json.RawMessage, error) {
	deals := s.Deals(scope)
	out := make([]json.RawMessage, 0, len(deals))
	for _, d := range deals {
		out = append(out, encode(d))
	}
	return out, nil
}

func (s *Store) Create(_ context.Context, scope string, payload map[string]any) (remote.Result, error) {
	raw := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		raw[k] = v
	}
	if org, ok := raw[models.FieldOrganizationID]; ok && org != scope {
		return rejected(http.StatusUnprocessableEntity, remote.CodeValidation, "organization_id does not match the request", nil), nil
	}
	raw[models.FieldOrganizationID] = scope
	if id, _ := raw[models.FieldID].(string); id == "" {
		raw[models.FieldID] = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.stamp(time.Time{})
	if _, ok := raw[models.FieldCreatedAt]; !ok {
		raw[models.FieldCreatedAt] = now.Format(time.RFC3339Nano)
	}
	if _, ok := raw[models.FieldStatus]; !ok {
		raw[models.FieldStatus] = string(models.StatusActive)
	}
	d := schema.Normalize(raw)
	if d == nil {
		return rejected(http.StatusUnprocessableEntity, remote.CodeValidation, "deal is missing required fields", nil), nil
	}

	p := s.partition(scope)
	if existing, ok := p.records[d.ID]; ok {
		return rejected(http.StatusConflict, remote.CodeConflict, "deal already exists", &existing), nil
	}
	d.UpdatedAt = now
	p.order = append(p.order, d.ID)
	p.records[d.ID] = *d
	s.publish(scope, remote.Event{Type: models.EventInsert, Record: encode(*d)})

	return remote.Result{Success: true, Status: http.StatusCreated, Record: encode(*d)}, nil
}

func (s *Store) Update(_ context.Context, scope, id string, changes map[string]any, base *time.Time) (remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(scope)
	current, ok := p.records[id]
	if !ok {
		return rejected(http.StatusNotFound, remote.CodeNotFound, "deal not found", nil), nil
	}
	if base != nil && !base.Equal(current.UpdatedAt) {
		return rejected(http.StatusConflict, remote.CodeConflict, "deal was changed by someone else", &current), nil
	}

	merged := schema.Merge(current, changes)
	if merged == nil {
		return rejected(http.StatusUnprocessableEntity, remote.CodeValidation, "update produces an invalid deal", nil), nil
	}
	merged.UpdatedAt = s.stamp(current.UpdatedAt)
	p.records[id] = *merged
	s.publish(scope, remote.Event{Type: models.EventUpdate, Record: encode(*merged)})

	return remote.Result{Success: true, Status: http.StatusOK, Record: encode(*merged)}, nil
}

func (s *Store) Delete(_ context.Context, scope, id string) (remote.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partition(scope)
	if _, ok := p.records[id]; !ok {
		return rejected(http.StatusNotFound, remote.CodeNotFound, "deal not found", nil), nil
	}
	delete(p.records, id)
	for i, existing := range p.order {
		if existing == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	identity, _ := json.Marshal(map[string]string{
		models.FieldID:             id,
		models.FieldOrganizationID: scope,
	})
	s.publish(scope, remote.Event{Type: models.EventDelete, Record: identity})

	return remote.Result{Success: true, Status: http.StatusOK}, nil
}

// publish must be called with s.mu held so events leave in write order.
func (s *Store) publish(scope string, ev remote.Event) {
	for id, sub := range s.subs[scope] {
		select {
		case sub.events <- ev:
		default:
			delete(s.subs[scope], id)
			sub.fail(ErrSubscriberTooSlow)
		}
	}
}

// Subscribers reports the number of live subscriptions for scope.
func (s *Store) Subscribers(scope string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[scope])
}

// Subscribe delivers the scope's changes to handler from a dedicated goroutine.
func (s *Store) Subscribe(ctx context.Context, scope string, handler remote.Handler) (remote.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &storeSub{
		store:  s,
		scope:  scope,
		events: make(chan remote.Event, subscriberBuffer),
		stop:   make(chan struct{}),
		done:   make(chan error, 1),
	}

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	if s.subs[scope] == nil {
		s.subs[scope] = make(map[uint64]*storeSub)
	}
	s.subs[scope][sub.id] = sub
	s.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

// Disconnect ends every subscription of scope with err, as a dropped connection would.
func (s *Store) Disconnect(scope string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs[scope] {
		delete(s.subs[scope], id)
		sub.fail(err)
	}
}

type storeSub struct {
	store  *Store
	scope  string
	id     uint64
	events chan remote.Event
	stop   chan struct{}
	done   chan error

	once sync.Once
}

func (s *storeSub) run(handler remote.Handler) {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			handler(ev)
		}
	}
}

// fail ends the subscription and reports err on Done.
func (s *storeSub) fail(err error) {
	s.once.Do(func() {
		close(s.stop)
		if err != nil {
			s.done <- err
		}
		close(s.done)
	})
}

func (s *storeSub) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs[s.scope], s.id)
	s.store.mu.Unlock()
	s.fail(nil)
	return nil
}

func (s *storeSub) Done() <-chan error {
	return s.done
}
