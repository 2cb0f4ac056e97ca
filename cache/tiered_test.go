// ABOUTME: Tests for the tiered cache read path, write-through, and record helpers
// ABOUTME: Uses in-memory badger and temp-dir fallback files
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDeal(id string) models.Deal {
	v := 100.0
	return models.Deal{
		ID:             id,
		OrganizationID: "org-1",
		Stage:          "lead",
		Status:         models.StatusActive,
		Value:          &v,
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestCache(t *testing.T) (*Tiered, *Durable, *Files) {
	t.Helper()
	durable, err := OpenDurable(t.TempDir())
	require.NoError(t, err)
	files := NewFiles(t.TempDir())
	c := New(Options{Durable: durable, Fallback: files, Logger: quietLogger()})
	t.Cleanup(func() { _ = c.Close() })
	return c, durable, files
}

// failingStore errors on every call.
type failingStore struct{}

func (failingStore) Load(context.Context, string) (*Entry, error) { return nil, errors.New("disk on fire") }
func (failingStore) Save(context.Context, string, *Entry) error   { return errors.New("disk on fire") }
func (failingStore) Delete(context.Context, string) error         { return errors.New("disk on fire") }
func (failingStore) Close() error                                 { return nil }

func TestTiered_SetThenGet(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)

	records := []models.Deal{newDeal("a"), newDeal("b")}
	c.Set(ctx, "org-1", records)

	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	assert.Equal(t, records, got)
}

func TestTiered_MissEverywhere(t *testing.T) {
	c, _, _ := newTestCache(t)
	got, ok := c.Get(context.Background(), "nobody")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestTiered_DurableHitDropsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	durable, err := OpenDurable("")
	require.NoError(t, err)

	var records []models.Deal
	for i := 0; i < 9; i++ {
		records = append(records, newDeal(fmt.Sprintf("d%d", i)))
	}
	entry, err := newEntry(records, time.Now())
	require.NoError(t, err)
	entry.Records = append(entry.Records, json.RawMessage(`{"id":"bad","organization_id":"org-1","stage":"Not Valid","created_at":"2025-01-01T00:00:00Z"}`))
	require.NoError(t, durable.Save(ctx, "org-1", entry))

	c := New(Options{Durable: durable, Logger: quietLogger()})
	defer c.Close()

	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	assert.Len(t, got, 9)

	// promoted to memory
	mem, err := c.memory.Load(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, mem.Records, 9)
}

func TestTiered_FallbackHitRewritesDurable(t *testing.T) {
	ctx := context.Background()
	durable, err := OpenDurable("")
	require.NoError(t, err)
	files := NewFiles(t.TempDir())

	entry, err := newEntry([]models.Deal{newDeal("x")}, time.Now())
	require.NoError(t, err)
	require.NoError(t, files.Save(ctx, "org-1", entry))

	c := New(Options{Durable: durable, Fallback: files, Logger: quietLogger()})
	defer c.Close()

	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)

	stored, err := durable.Load(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, stored.Records, 1)
}

func TestTiered_DurableFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	files := NewFiles(t.TempDir())
	entry, err := newEntry([]models.Deal{newDeal("x")}, time.Now())
	require.NoError(t, err)
	require.NoError(t, files.Save(ctx, "org-1", entry))

	c := New(Options{Durable: failingStore{}, Fallback: files, Logger: quietLogger()})

	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestTiered_SetSurvivesTierFailures(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Durable: failingStore{}, Fallback: failingStore{}, Logger: quietLogger()})

	assert.NotPanics(t, func() {
		c.Set(ctx, "org-1", []models.Deal{newDeal("a")})
	})
	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestTiered_ClearRemovesAllTiers(t *testing.T) {
	ctx := context.Background()
	c, durable, files := newTestCache(t)
	c.Set(ctx, "org-1", []models.Deal{newDeal("a")})

	c.Clear(ctx, "org-1")

	_, ok := c.Get(ctx, "org-1")
	assert.False(t, ok)
	_, err := durable.Load(ctx, "org-1")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = files.Load(ctx, "org-1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestTiered_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	c.Set(ctx, "org-1", []models.Deal{newDeal("a")})

	_, ok := c.Get(ctx, "org-2")
	assert.False(t, ok)
}

func TestTiered_RecordHelpers(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCache(t)
	c.Set(ctx, "org-1", []models.Deal{newDeal("a"), newDeal("b"), newDeal("c")})

	t.Run("record", func(t *testing.T) {
		d, idx, ok := c.Record(ctx, "org-1", "b")
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, "b", d.ID)

		_, _, ok = c.Record(ctx, "org-1", "zzz")
		assert.False(t, ok)
	})

	t.Run("insert if absent", func(t *testing.T) {
		assert.False(t, c.InsertIfAbsent(ctx, "org-1", newDeal("a")))
		assert.True(t, c.InsertIfAbsent(ctx, "org-1", newDeal("d")))
		got, _ := c.Get(ctx, "org-1")
		assert.Len(t, got, 4)
	})

	t.Run("upsert in place", func(t *testing.T) {
		updated := newDeal("b")
		updated.Stage = "proposal"
		c.Upsert(ctx, "org-1", updated)
		d, idx, ok := c.Record(ctx, "org-1", "b")
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		assert.Equal(t, "proposal", d.Stage)
	})

	t.Run("remove and restore", func(t *testing.T) {
		before, _ := c.Get(ctx, "org-1")

		removed, idx, ok := c.Remove(ctx, "org-1", "b")
		require.True(t, ok)
		assert.Equal(t, 1, idx)

		c.Restore(ctx, "org-1", "b", &removed, idx)
		after, _ := c.Get(ctx, "org-1")
		assert.Equal(t, before, after)
	})

	t.Run("restore nil snapshot removes", func(t *testing.T) {
		c.Restore(ctx, "org-1", "d", nil, -1)
		_, _, ok := c.Record(ctx, "org-1", "d")
		assert.False(t, ok)
	})

	t.Run("replace swaps id in place", func(t *testing.T) {
		confirmed := newDeal("server-a")
		c.Replace(ctx, "org-1", "a", confirmed)
		got, _ := c.Get(ctx, "org-1")
		assert.Equal(t, "server-a", got[0].ID)
		assert.Equal(t, -1, models.IndexOf(got, "a"))
	})

	t.Run("replace drops duplicate delivered early", func(t *testing.T) {
		c.InsertIfAbsent(ctx, "org-1", newDeal("server-c"))
		c.Replace(ctx, "org-1", "c", newDeal("server-c"))
		got, _ := c.Get(ctx, "org-1")
		count := 0
		for _, d := range got {
			if d.ID == "server-c" {
				count++
			}
		}
		assert.Equal(t, 1, count)
		assert.Equal(t, -1, models.IndexOf(got, "c"))
	})
}

func TestTiered_RecordHelpersSkipUnloadedScope(t *testing.T) {
	ctx := context.Background()
	c, durable, files := newTestCache(t)

	c.Upsert(ctx, "org-1", newDeal("a"))
	assert.False(t, c.InsertIfAbsent(ctx, "org-1", newDeal("b")))
	c.Replace(ctx, "org-1", "tmp", newDeal("c"))
	c.Restore(ctx, "org-1", "d", nil, -1)
	_, _, removed := c.Remove(ctx, "org-1", "a")
	assert.False(t, removed)

	_, ok := c.Get(ctx, "org-1")
	assert.False(t, ok, "a single record must not pass for the full list")
	_, err := durable.Load(ctx, "org-1")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = files.Load(ctx, "org-1")
	assert.ErrorIs(t, err, ErrMiss)

	// An empty list is still a loaded scope.
	c.Set(ctx, "org-1", nil)
	c.Upsert(ctx, "org-1", newDeal("a"))
	got, ok := c.Get(ctx, "org-1")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestTiered_Revalidate(t *testing.T) {
	ctx := context.Background()
	durable, err := OpenDurable("")
	require.NoError(t, err)

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Options{Durable: durable, Logger: quietLogger(), Now: func() time.Time { return clock }})
	defer c.Close()

	c.Set(ctx, "org-1", []models.Deal{newDeal("a")})
	assert.False(t, c.Revalidate(ctx, "org-1"))

	// another process writes a newer entry
	newer, err := newEntry([]models.Deal{newDeal("a"), newDeal("b")}, clock.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, durable.Save(ctx, "org-1", newer))

	mem, dur := c.Freshness(ctx, "org-1")
	assert.True(t, dur.After(mem))

	assert.True(t, c.Revalidate(ctx, "org-1"))
	got, _ := c.Get(ctx, "org-1")
	assert.Len(t, got, 2)
}
