// ABOUTME: End-to-end sync tests: engines talking to the reference server over HTTP and WebSocket
// ABOUTME: Two clients share one organization to exercise conflicts, real-time fan-out, and offline drain
package devserver_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/cache"
	"github.com/harperreed/dealsync/db"
	"github.com/harperreed/dealsync/devserver"
	"github.com/harperreed/dealsync/engine"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/realtime"
	"github.com/harperreed/dealsync/reconcile"
	"github.com/harperreed/dealsync/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	org   = "org-1"
	token = "e2e-token"
)

func quiet() *log.Logger {
	return log.New(io.Discard)
}

func startServer(t *testing.T) (*devserver.Store, string) {
	t.Helper()
	store := devserver.NewStore()
	require.NoError(t, store.Seed(org, map[string]any{
		"id":              "deal-1",
		"organization_id": org,
		"stage":           "proposal",
		"status":          "active",
		"value":           42.0,
		"created_at":      "2025-01-01T00:00:00Z",
		"updated_at":      "2025-01-02T00:00:00Z",
	}))
	srv := httptest.NewServer(devserver.New(store, devserver.Options{Token: token, Logger: quiet()}).Handler())
	t.Cleanup(srv.Close)
	return store, srv.URL
}

func newClient(t *testing.T, url string, configure func(*engine.Options)) *engine.Engine {
	t.Helper()
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	q, err := db.OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)

	client := remote.NewHTTPClient(url, ts, nil)
	opts := engine.Options{
		Cache:              cache.New(cache.Options{Logger: quiet()}),
		Queue:              q,
		Writer:             client,
		Reader:             client,
		Stream:             remote.NewWebSocketStream(url, ts),
		Logger:             quiet(),
		Scope:              org,
		RetryBaseDelay:     20 * time.Millisecond,
		RetryMaxDelay:      100 * time.Millisecond,
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  100 * time.Millisecond,
	}
	if configure != nil {
		configure(&opts)
	}
	e, err := engine.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func stageOf(t *testing.T, e *engine.Engine, id string) string {
	t.Helper()
	deals, err := e.Load(context.Background())
	require.NoError(t, err)
	i := models.IndexOf(deals, id)
	if i < 0 {
		return ""
	}
	return deals[i].Stage
}

func TestSync_RealtimeChangesReachOtherClients(t *testing.T) {
	store, url := startServer(t)
	ctx := context.Background()
	alice := newClient(t, url, nil)
	bob := newClient(t, url, nil)

	_, err := alice.Load(ctx)
	require.NoError(t, err)
	_, err = bob.Load(ctx)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		changes []realtime.Change
	)
	unsubscribe, err := bob.Subscribe("board", func(c realtime.Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool { return store.Subscribers(org) == 1 }, 2*time.Second, 10*time.Millisecond)

	updated, err := alice.Apply(ctx, "deal-1", map[string]any{"stage": "negotiation"})
	require.NoError(t, err)
	assert.Equal(t, "negotiation", updated.Stage)

	require.Eventually(t, func() bool { return stageOf(t, bob, "deal-1") == "negotiation" }, 2*time.Second, 10*time.Millisecond)

	created, err := alice.Create(ctx, map[string]any{"stage": "lead", "client_name": "Initech"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stageOf(t, bob, created.ID) == "lead" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Delete(ctx, created.ID))
	require.Eventually(t, func() bool { return stageOf(t, bob, created.ID) == "" }, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 3)
	assert.Equal(t, models.EventUpdate, changes[0].Type)
	assert.Equal(t, models.EventInsert, changes[1].Type)
	assert.Equal(t, models.EventDelete, changes[2].Type)
	assert.Equal(t, created.ID, changes[2].ID)
}

func TestSync_StaleWriteLosesAndAdoptsServerValue(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()
	alice := newClient(t, url, nil)
	bob := newClient(t, url, nil)

	_, err := alice.Load(ctx)
	require.NoError(t, err)
	_, err = bob.Load(ctx)
	require.NoError(t, err)

	_, err = alice.Apply(ctx, "deal-1", map[string]any{"stage": "won_stage"})
	require.NoError(t, err)

	_, err = bob.Apply(ctx, "deal-1", map[string]any{"stage": "lost_stage"})
	var merr *engine.MutationError
	require.True(t, errors.As(err, &merr), "expected a mutation error, got %v", err)
	assert.Equal(t, remote.ClassConflict, merr.Class)

	deals, err := bob.Load(ctx)
	require.NoError(t, err)
	i := models.IndexOf(deals, "deal-1")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "won_stage", deals[i].Stage)
	assert.Equal(t, models.StatusWon, deals[i].Status)
}

func TestSync_OfflineWorkDrainsOnReconnect(t *testing.T) {
	store, url := startServer(t)
	ctx := context.Background()
	client := newClient(t, url, nil)

	_, err := client.Load(ctx)
	require.NoError(t, err)
	client.SetOnline(false)

	created, err := client.Create(ctx, map[string]any{"stage": "lead", "client_name": "Globex", "value": 900})
	require.NoError(t, err)
	_, err = client.Apply(ctx, created.ID, map[string]any{"stage": "qualified"})
	require.NoError(t, err)
	_, err = client.Apply(ctx, "deal-1", map[string]any{"notes": "call back"})
	require.NoError(t, err)

	pending, err := client.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Len(t, store.Deals(org), 1, "nothing reaches the server while offline")

	client.SetOnline(true)

	require.Eventually(t, func() bool {
		d, ok := store.Get(org, created.ID)
		return ok && d.Stage == "qualified"
	}, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		d, _ := store.Get(org, "deal-1")
		return d.Notes == "call back"
	}, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Pending == 0 && !st.Draining
	}, 3*time.Second, 20*time.Millisecond)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.NotNil(t, st.LastDrainAt)
	assert.Empty(t, st.LastError)
}

func TestSync_ScopesAreIsolated(t *testing.T) {
	store, url := startServer(t)
	require.NoError(t, store.Seed("org-2", map[string]any{
		"id":              "other",
		"organization_id": "org-2",
		"stage":           "lead",
		"status":          "active",
		"created_at":      "2025-01-01T00:00:00Z",
	}))
	ctx := context.Background()
	client := newClient(t, url, nil)

	deals, err := client.Load(ctx)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "deal-1", deals[0].ID)

	require.NoError(t, client.SetScope("org-2"))
	deals, err = client.Load(ctx)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "other", deals[0].ID)

	_, err = client.Apply(ctx, "deal-1", map[string]any{"stage": "lead"})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSync_OfflineEditsToOneDealAllLand(t *testing.T) {
	store, url := startServer(t)
	ctx := context.Background()

	var mu sync.Mutex
	var failures []*reconcile.Failure
	client := newClient(t, url, func(o *engine.Options) {
		o.OnFailure = func(f *reconcile.Failure) {
			mu.Lock()
			failures = append(failures, f)
			mu.Unlock()
		}
	})

	_, err := client.Load(ctx)
	require.NoError(t, err)
	client.SetOnline(false)

	_, err = client.Apply(ctx, "deal-1", map[string]any{"notes": "first"})
	require.NoError(t, err)
	_, err = client.Apply(ctx, "deal-1", map[string]any{"value": 500})
	require.NoError(t, err)
	_, err = client.Apply(ctx, "deal-1", map[string]any{"stage": "negotiation"})
	require.NoError(t, err)

	client.SetOnline(true)

	require.Eventually(t, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Pending == 0 && !st.Draining
	}, 3*time.Second, 20*time.Millisecond)

	d, ok := store.Get(org, "deal-1")
	require.True(t, ok)
	assert.Equal(t, "first", d.Notes)
	require.NotNil(t, d.Value)
	assert.Equal(t, 500.0, *d.Value)
	assert.Equal(t, "negotiation", d.Stage)

	mu.Lock()
	assert.Empty(t, failures, "edits queued behind each other must not conflict")
	mu.Unlock()
}

func TestSync_RealtimeBeforeFirstLoad(t *testing.T) {
	store, url := startServer(t)
	ctx := context.Background()
	client := newClient(t, url, nil)

	changes := make(chan realtime.Change, 4)
	unsubscribe, err := client.Subscribe("board", func(c realtime.Change) { changes <- c })
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool { return store.Subscribers(org) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = store.Create(ctx, org, map[string]any{
		"id":              "deal-2",
		"organization_id": org,
		"stage":           "lead",
		"status":          "active",
		"created_at":      "2025-01-03T00:00:00Z",
	})
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, "deal-2", c.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no real-time event arrived")
	}

	deals, err := client.Load(ctx)
	require.NoError(t, err)
	require.Len(t, deals, 2, "an early event must not stand in for the full list")
	assert.GreaterOrEqual(t, models.IndexOf(deals, "deal-1"), 0)
	assert.GreaterOrEqual(t, models.IndexOf(deals, "deal-2"), 0)
}
