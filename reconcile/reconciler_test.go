// ABOUTME: Tests for queue draining: ordering, conflicts, retries, and failure surfacing
// ABOUTME: Uses a real SQLite queue, a memory-only cache, and a scripted fake writer
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/cache"
	"github.com/harperreed/dealsync/db"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scope = "org-1"

type call struct {
	Op string
	ID string
}

// fakeWriter answers writes from a script keyed by record id, falling back to success.
type fakeWriter struct {
	mu      sync.Mutex
	calls   []call
	bases   []*time.Time
	answers map[string][]func() (remote.Result, error)
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{answers: make(map[string][]func() (remote.Result, error))}
}

func (w *fakeWriter) script(id string, answers ...func() (remote.Result, error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.answers[id] = append(w.answers[id], answers...)
}

func (w *fakeWriter) answer(op, id string, record map[string]any) (remote.Result, error) {
	w.mu.Lock()
	w.calls = append(w.calls, call{Op: op, ID: id})
	var next func() (remote.Result, error)
	if queue := w.answers[id]; len(queue) > 0 {
		next, w.answers[id] = queue[0], queue[1:]
	}
	w.mu.Unlock()
	if next != nil {
		return next()
	}
	data, _ := json.Marshal(record)
	return remote.Result{Success: true, Status: 200, Record: data}, nil
}

func (w *fakeWriter) Create(_ context.Context, _ string, payload map[string]any) (remote.Result, error) {
	id, _ := payload["id"].(string)
	rec := dealRecord("srv-" + id)
	return w.answer("create", id, rec)
}

func (w *fakeWriter) Update(_ context.Context, _ string, id string, changes map[string]any, base *time.Time) (remote.Result, error) {
	w.mu.Lock()
	w.bases = append(w.bases, base)
	w.mu.Unlock()
	rec := dealRecord(id)
	for k, v := range changes {
		rec[k] = v
	}
	return w.answer("update", id, rec)
}

func (w *fakeWriter) Delete(_ context.Context, _ string, id string) (remote.Result, error) {
	res, err := w.answer("delete", id, nil)
	if err == nil && res.Success {
		res.Record = nil
	}
	return res, err
}

func (w *fakeWriter) Calls() []call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]call(nil), w.calls...)
}

func (w *fakeWriter) Bases() []*time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*time.Time(nil), w.bases...)
}

func dealRecord(id string) map[string]any {
	return map[string]any{
		"id":              id,
		"organization_id": scope,
		"stage":           "lead",
		"status":          "active",
		"value":           10.0,
		"created_at":      "2025-01-01T00:00:00Z",
		"updated_at":      "2025-01-02T00:00:00Z",
	}
}

func dealFrom(t *testing.T, id string) models.Deal {
	t.Helper()
	return models.Deal{
		ID:             id,
		OrganizationID: scope,
		Stage:          "lead",
		Status:         models.StatusActive,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func failWith(status int, code string) func() (remote.Result, error) {
	return func() (remote.Result, error) {
		return remote.Result{Status: status, Code: code, Message: code}, nil
	}
}

func networkDown() (remote.Result, error) {
	return remote.Result{}, errors.New("dial tcp: connection refused")
}

type harness struct {
	queue    *db.Queue
	cache    *cache.Tiered
	writer   *fakeWriter
	rec      *Reconciler
	mu       sync.Mutex
	failures []*Failure
	refresh  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	q, err := db.OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	h := &harness{
		queue:  q,
		cache:  cache.New(cache.Options{Logger: log.New(io.Discard)}),
		writer: newFakeWriter(),
	}
	h.rec = New(Options{
		Queue:  q,
		Writer: h.writer,
		Cache:  h.cache,
		Logger: log.New(io.Discard),
		OnFailure: func(f *Failure) {
			h.mu.Lock()
			h.failures = append(h.failures, f)
			h.mu.Unlock()
		},
		Refresh: func(context.Context, string) {
			h.mu.Lock()
			h.refresh++
			h.mu.Unlock()
		},
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  40 * time.Millisecond,
	})
	t.Cleanup(h.rec.Close)
	return h
}

func (h *harness) enqueue(t *testing.T, typ models.CommandType, id string, maxAttempts int) *models.Command {
	t.Helper()
	cmd := &models.Command{Scope: scope, Type: typ, RecordID: id, MaxAttempts: maxAttempts}
	switch typ {
	case models.CommandCreate:
		cmd.Payload = map[string]any{"id": id, "stage": "lead"}
	case models.CommandUpdate:
		cmd.Payload = map[string]any{"stage": "proposal"}
	}
	require.NoError(t, h.queue.Enqueue(context.Background(), cmd))
	return cmd
}

func (h *harness) pending(t *testing.T) []models.Command {
	t.Helper()
	cmds, err := h.queue.ListPending(context.Background(), scope)
	require.NoError(t, err)
	return cmds
}

func (h *harness) Failures() []*Failure {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Failure(nil), h.failures...)
}

func TestDrain_FIFOSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cache.Set(ctx, scope, []models.Deal{dealFrom(t, "a"), dealFrom(t, "tmp-c"), dealFrom(t, "d")})

	h.enqueue(t, models.CommandUpdate, "a", 0)
	h.enqueue(t, models.CommandUpdate, "b", 0)
	h.enqueue(t, models.CommandCreate, "tmp-c", 0)
	h.enqueue(t, models.CommandDelete, "d", 0)

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Synced)
	assert.Zero(t, res.Remaining)
	assert.Empty(t, h.pending(t))

	assert.Equal(t, []call{
		{"update", "a"}, {"update", "b"}, {"create", "tmp-c"}, {"delete", "d"},
	}, h.writer.Calls())

	records, _ := h.cache.Get(ctx, scope)
	assert.Equal(t, -1, models.IndexOf(records, "tmp-c"), "client id replaced")
	assert.Equal(t, 1, models.IndexOf(records, "srv-tmp-c"), "server record keeps position")
	assert.Equal(t, -1, models.IndexOf(records, "d"))
	a, _, _ := h.cache.Record(ctx, scope, "a")
	assert.Equal(t, "proposal", a.Stage)
}

func TestDrain_LaterCommandsBuildOnSyncedRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cache.Set(ctx, scope, []models.Deal{dealFrom(t, "tmp-x")})

	answerAt := func(day int) func() (remote.Result, error) {
		return func() (remote.Result, error) {
			rec := dealRecord("srv-tmp-x")
			rec["updated_at"] = fmt.Sprintf("2025-01-%02dT00:00:00Z", day)
			data, _ := json.Marshal(rec)
			return remote.Result{Success: true, Status: 200, Record: data}, nil
		}
	}
	h.writer.script("srv-tmp-x", answerAt(3), answerAt(4))

	h.enqueue(t, models.CommandCreate, "tmp-x", 0)
	h.enqueue(t, models.CommandUpdate, "tmp-x", 0)
	h.enqueue(t, models.CommandUpdate, "tmp-x", 0)

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Conflicts)
	assert.Empty(t, h.pending(t))

	assert.Equal(t, []call{
		{"create", "tmp-x"}, {"update", "srv-tmp-x"}, {"update", "srv-tmp-x"},
	}, h.writer.Calls())

	bases := h.writer.Bases()
	require.Len(t, bases, 2)
	require.NotNil(t, bases[0])
	require.NotNil(t, bases[1])
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), bases[0].UTC(), "first update builds on the created record")
	assert.Equal(t, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), bases[1].UTC(), "second update builds on the first")

	rec, _, ok := h.cache.Record(ctx, scope, "srv-tmp-x")
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC), rec.UpdatedAt.UTC())
}

func TestDrain_RebaseSurvivesInterruptedDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rec.Close()
	h.rec = New(Options{Queue: h.queue, Writer: h.writer, Cache: h.cache, Logger: log.New(io.Discard), BaseDelay: time.Hour})
	t.Cleanup(h.rec.Close)

	stale := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		cmd := &models.Command{Scope: scope, Type: models.CommandUpdate, RecordID: "a", BaseUpdatedAt: &stale,
			Payload: map[string]any{"notes": fmt.Sprintf("edit %d", i)}}
		require.NoError(t, h.queue.Enqueue(ctx, cmd))
	}
	h.writer.script("a",
		func() (remote.Result, error) {
			data, _ := json.Marshal(dealRecord("a"))
			return remote.Result{Success: true, Status: 200, Record: data}, nil
		},
		networkDown,
	)

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Remaining)

	pending := h.pending(t)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].BaseUpdatedAt)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), pending[0].BaseUpdatedAt.UTC(),
		"the queued edit waits on the server's version, not the one it was queued against")
}

func TestDrain_ScheduledRetryRunsThroughHook(t *testing.T) {
	h := newHarness(t)
	h.rec.Close()
	retried := make(chan string, 1)
	h.rec = New(Options{
		Queue:     h.queue,
		Writer:    h.writer,
		Cache:     h.cache,
		Logger:    log.New(io.Discard),
		BaseDelay: 10 * time.Millisecond,
		Retry: func(_ context.Context, scope string) {
			select {
			case retried <- scope:
			default:
			}
		},
	})
	t.Cleanup(h.rec.Close)

	h.writer.script("a", networkDown)
	h.enqueue(t, models.CommandUpdate, "a", 0)

	_, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)

	select {
	case got := <-retried:
		assert.Equal(t, scope, got)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled retry never reached the hook")
	}
	assert.Len(t, h.writer.Calls(), 1, "the hook owns the retry drain")
}

func TestDrain_DeleteNotFoundIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.CommandDelete, "gone", 0)
	h.writer.script("gone", failWith(404, remote.CodeNotFound))

	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Empty(t, h.Failures())
}

func TestDrain_ConflictAdoptsServerAndContinues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cache.Set(ctx, scope, []models.Deal{dealFrom(t, "a")})

	server := dealRecord("a")
	server["stage"] = "lost_stage"
	data, _ := json.Marshal(server)
	h.writer.script("a", func() (remote.Result, error) {
		return remote.Result{Status: 409, Code: remote.CodeConflict, Record: data}, nil
	})

	h.enqueue(t, models.CommandUpdate, "a", 0)
	h.enqueue(t, models.CommandUpdate, "b", 0)

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Synced)
	assert.Empty(t, h.pending(t))

	a, _, _ := h.cache.Record(ctx, scope, "a")
	assert.Equal(t, "lost_stage", a.Stage)
	assert.Equal(t, models.StatusLost, a.Status)

	failures := h.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, remote.ClassConflict, failures[0].Class)
}

func TestDrain_TransientStopsAndRetries(t *testing.T) {
	h := newHarness(t)
	h.writer.script("a", networkDown)
	h.enqueue(t, models.CommandUpdate, "a", 0)
	h.enqueue(t, models.CommandUpdate, "b", 0)

	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, 10*time.Millisecond, res.RetryIn)
	assert.True(t, h.rec.RetryScheduled(scope))

	pending := h.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, models.CommandFailed, pending[0].Status)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, []call{{"update", "a"}}, h.writer.Calls(), "b must wait behind a")

	// The scheduled retry drains the rest once the network is back.
	assert.Eventually(t, func() bool {
		cmds, err := h.queue.ListPending(context.Background(), scope)
		return err == nil && len(cmds) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.Failures())
}

func TestDrain_BackoffDoublesAndCaps(t *testing.T) {
	h := newHarness(t)
	h.rec.Close() // stop timers so each drain is manual
	h.rec = New(Options{
		Queue:     h.queue,
		Writer:    h.writer,
		Cache:     h.cache,
		Logger:    log.New(io.Discard),
		BaseDelay: time.Hour,
		MaxDelay:  3 * time.Hour,
	})
	t.Cleanup(h.rec.Close)

	for i := 0; i < 4; i++ {
		h.writer.script("a", networkDown)
	}
	h.enqueue(t, models.CommandUpdate, "a", 10)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		res, err := h.rec.Drain(context.Background(), scope)
		require.NoError(t, err)
		delays = append(delays, res.RetryIn)
	}
	assert.Equal(t, []time.Duration{time.Hour, 2 * time.Hour, 3 * time.Hour, 3 * time.Hour}, delays)

	// success resets
	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.False(t, h.rec.RetryScheduled(scope))
}

func TestDrain_ExhaustedIsSurfacedAndCleared(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.rec.Close()
	var refreshed int
	h.rec = New(Options{
		Queue:     h.queue,
		Writer:    h.writer,
		Cache:     h.cache,
		Logger:    log.New(io.Discard),
		OnFailure: func(f *Failure) { h.mu.Lock(); h.failures = append(h.failures, f); h.mu.Unlock() },
		Refresh:   func(context.Context, string) { refreshed++ },
		BaseDelay: time.Hour,
		MaxDelay:  4 * time.Hour,
	})
	t.Cleanup(h.rec.Close)

	h.writer.script("a", networkDown, networkDown)
	h.enqueue(t, models.CommandUpdate, "a", 2)
	h.enqueue(t, models.CommandUpdate, "b", 0)

	_, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, h.Failures())

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 2*time.Hour, res.RetryIn, "remainder gets a retry")

	failures := h.Failures()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].Exhausted)
	assert.Equal(t, "a", failures[0].Command.RecordID)
	assert.Equal(t, 1, refreshed)

	pending := h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].RecordID)
}

func TestDrain_AuthorizationKeepsCommandWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.writer.script("a", failWith(401, remote.CodeUnauthorized))
	h.enqueue(t, models.CommandUpdate, "a", 0)
	h.enqueue(t, models.CommandUpdate, "b", 0)

	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
	assert.Zero(t, res.RetryIn)
	assert.False(t, h.rec.RetryScheduled(scope))

	pending := h.pending(t)
	require.Len(t, pending, 2)
	assert.Equal(t, models.CommandPending, pending[0].Status)
	assert.Zero(t, pending[0].Attempts)

	failures := h.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, remote.ClassAuthorization, failures[0].Class)
}

func TestDrain_PermanentFailureClearsAndContinues(t *testing.T) {
	h := newHarness(t)
	h.writer.script("a", failWith(422, remote.CodeValidation))
	h.enqueue(t, models.CommandUpdate, "a", 0)
	h.enqueue(t, models.CommandUpdate, "b", 0)

	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Synced)
	assert.Empty(t, h.pending(t))

	failures := h.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, remote.ClassValidation, failures[0].Class)
	h.mu.Lock()
	assert.Equal(t, 1, h.refresh)
	h.mu.Unlock()
}

// blockingWriter parks every write until released.
type blockingWriter struct {
	*fakeWriter
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWriter) Update(ctx context.Context, s, id string, changes map[string]any, base *time.Time) (remote.Result, error) {
	w.entered <- struct{}{}
	<-w.release
	return w.fakeWriter.Update(ctx, s, id, changes, base)
}

func TestDrain_SingleFlightPerScope(t *testing.T) {
	h := newHarness(t)
	bw := &blockingWriter{fakeWriter: h.writer, entered: make(chan struct{}, 1), release: make(chan struct{})}
	h.rec = New(Options{Queue: h.queue, Writer: bw, Cache: h.cache, Logger: log.New(io.Discard)})
	t.Cleanup(h.rec.Close)

	h.enqueue(t, models.CommandUpdate, "a", 0)

	done := make(chan Result)
	go func() {
		res, _ := h.rec.Drain(context.Background(), scope)
		done <- res
	}()
	<-bw.entered

	assert.True(t, h.rec.Draining(scope))
	res, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(bw.release)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Len(t, h.writer.Calls(), 1, "each command transmitted once")
}

func TestDrain_CancelledContextSpendsNoAttempt(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, models.CommandUpdate, "a", 0)

	ctx, cancel := context.WithCancel(context.Background())
	h.writer.script("a", func() (remote.Result, error) {
		cancel()
		return remote.Result{}, context.Canceled
	})

	res, err := h.rec.Drain(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.False(t, h.rec.RetryScheduled(scope))

	pending := h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, models.CommandPending, pending[0].Status)
	assert.Zero(t, pending[0].Attempts)
}

func TestCancelStopsScheduledRetry(t *testing.T) {
	h := newHarness(t)
	h.rec.Close()
	h.rec = New(Options{Queue: h.queue, Writer: h.writer, Cache: h.cache, Logger: log.New(io.Discard), BaseDelay: 20 * time.Millisecond})
	t.Cleanup(h.rec.Close)

	h.writer.script("a", networkDown)
	h.enqueue(t, models.CommandUpdate, "a", 0)

	_, err := h.rec.Drain(context.Background(), scope)
	require.NoError(t, err)
	require.True(t, h.rec.RetryScheduled(scope))

	h.rec.Cancel(scope)
	assert.False(t, h.rec.RetryScheduled(scope))

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.writer.Calls(), 1, "cancelled retry must not fire")
}

func TestFailureError(t *testing.T) {
	f := &Failure{Scope: scope, Command: models.Command{Type: models.CommandUpdate, RecordID: "a"}, Class: remote.ClassTransient, Err: fmt.Errorf("boom")}
	assert.Contains(t, f.Error(), "boom")
	assert.ErrorContains(t, f, "transient")
	assert.Equal(t, "boom", errors.Unwrap(f).Error())
}
