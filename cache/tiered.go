// ABOUTME: Tiered deal cache: memory, then durable badger store, then fallback files
// ABOUTME: Reads promote toward memory, writes go through every tier with one stamp
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/models"
)

// Options configures a Tiered cache. Nil tiers are skipped.
type Options struct {
	Durable  Store
	Fallback Store
	Logger   *log.Logger
	Now      func() time.Time
}

// Tiered is the deal cache used by the engine, reconciler, and multiplexer.
type Tiered struct {
	memory   *Memory
	durable  Store
	fallback Store
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

// New creates a tiered cache over the given tiers.
func New(opts Options) *Tiered {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tiered{
		memory:   NewMemory(),
		durable:  opts.Durable,
		fallback: opts.Fallback,
		logger:   opts.Logger,
		now:      opts.Now,
		scopes:   make(map[string]*sync.Mutex),
	}
}

func (c *Tiered) lock(scope string) func() {
	c.mu.Lock()
	m, ok := c.scopes[scope]
	if !ok {
		m = &sync.Mutex{}
		c.scopes[scope] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Get returns the cached records for scope. ok is false when no tier has them.
func (c *Tiered) Get(ctx context.Context, scope string) ([]models.Deal, bool) {
	defer c.lock(scope)()
	return c.get(ctx, scope)
}

func (c *Tiered) get(ctx context.Context, scope string) ([]models.Deal, bool) {
	if entry, err := c.memory.Load(ctx, scope); err == nil {
		return entry.decode(), true
	}

	if c.durable != nil {
		entry, err := c.durable.Load(ctx, scope)
		switch {
		case err == nil:
			records := entry.decode()
			c.promote(ctx, scope, records, entry.UpdatedAt)
			return records, true
		case !errors.Is(err, ErrMiss):
			c.logger.Error("durable cache read failed", "scope", scope, "err", err)
		}
	}

	if c.fallback != nil {
		entry, err := c.fallback.Load(ctx, scope)
		switch {
		case err == nil:
			records := entry.decode()
			if c.durable != nil {
				if rewritten, err := newEntry(records, entry.UpdatedAt); err == nil {
					if err := c.durable.Save(ctx, scope, rewritten); err != nil {
						c.logger.Error("durable cache write failed", "scope", scope, "err", err)
					}
				}
			}
			c.promote(ctx, scope, records, entry.UpdatedAt)
			return records, true
		case !errors.Is(err, ErrMiss):
			c.logger.Warn("fallback cache read failed", "scope", scope, "err", err)
		}
	}

	return nil, false
}

// promote stores validated records in memory with their original stamp.
func (c *Tiered) promote(ctx context.Context, scope string, records []models.Deal, stamp time.Time) {
	entry, err := newEntry(records, stamp)
	if err != nil {
		return
	}
	_ = c.memory.Save(ctx, scope, entry)
}

// Set writes records through every tier. Tier failures are logged, never returned.
func (c *Tiered) Set(ctx context.Context, scope string, records []models.Deal) {
	defer c.lock(scope)()
	c.set(ctx, scope, records)
}

func (c *Tiered) set(ctx context.Context, scope string, records []models.Deal) {
	entry, err := newEntry(records, c.now())
	if err != nil {
		c.logger.Error("failed to encode cache entry", "scope", scope, "err", err)
		return
	}
	_ = c.memory.Save(ctx, scope, entry)

	if c.durable != nil {
		if err := c.durable.Save(ctx, scope, entry); err != nil {
			c.logger.Error("durable cache write failed", "scope", scope, "err", err)
		}
	}
	if c.fallback != nil {
		if err := c.fallback.Save(ctx, scope, entry); err != nil {
			c.logger.Warn("fallback cache write failed", "scope", scope, "err", err)
		}
	}
}

// Clear removes scope from every tier.
func (c *Tiered) Clear(ctx context.Context, scope string) {
	defer c.lock(scope)()
	_ = c.memory.Delete(ctx, scope)
	if c.durable != nil {
		if err := c.durable.Delete(ctx, scope); err != nil {
			c.logger.Error("durable cache delete failed", "scope", scope, "err", err)
		}
	}
	if c.fallback != nil {
		if err := c.fallback.Delete(ctx, scope); err != nil {
			c.logger.Warn("fallback cache delete failed", "scope", scope, "err", err)
		}
	}
}

// mutate runs fn over the scope's records and writes the result back when fn
// reports a change. A scope no tier holds is left alone: one record written
// there would read back as the whole list.
func (c *Tiered) mutate(ctx context.Context, scope string, fn func(records []models.Deal) ([]models.Deal, bool)) {
	defer c.lock(scope)()
	records, ok := c.get(ctx, scope)
	if !ok {
		c.logger.Debug("skipping record write to unloaded scope", "scope", scope)
		return
	}
	if next, changed := fn(records); changed {
		c.set(ctx, scope, next)
	}
}

// Record returns the cached record with id and its position.
func (c *Tiered) Record(ctx context.Context, scope, id string) (models.Deal, int, bool) {
	records, _ := c.Get(ctx, scope)
	idx := models.IndexOf(records, id)
	if idx < 0 {
		return models.Deal{}, -1, false
	}
	return records[idx], idx, true
}

// Upsert replaces the record with the same id in place, or appends it.
func (c *Tiered) Upsert(ctx context.Context, scope string, record models.Deal) {
	c.mutate(ctx, scope, func(records []models.Deal) ([]models.Deal, bool) {
		if idx := models.IndexOf(records, record.ID); idx >= 0 {
			records[idx] = record
			return records, true
		}
		return append(records, record), true
	})
}

// InsertIfAbsent appends record unless its id is already cached.
func (c *Tiered) InsertIfAbsent(ctx context.Context, scope string, record models.Deal) bool {
	inserted := false
	c.mutate(ctx, scope, func(records []models.Deal) ([]models.Deal, bool) {
		if models.IndexOf(records, record.ID) >= 0 {
			return records, false
		}
		inserted = true
		return append(records, record), true
	})
	return inserted
}

// Remove deletes the record with id and returns what was removed.
func (c *Tiered) Remove(ctx context.Context, scope, id string) (models.Deal, int, bool) {
	var (
		removed models.Deal
		at      = -1
	)
	c.mutate(ctx, scope, func(records []models.Deal) ([]models.Deal, bool) {
		idx := models.IndexOf(records, id)
		if idx < 0 {
			return records, false
		}
		removed, at = records[idx], idx
		return append(records[:idx], records[idx+1:]...), true
	})
	return removed, at, at >= 0
}

// Replace swaps the record with oldID for record, which may carry a new id.
// Any other copy of record's id is dropped so the scope never holds duplicates.
func (c *Tiered) Replace(ctx context.Context, scope, oldID string, record models.Deal) {
	c.mutate(ctx, scope, func(records []models.Deal) ([]models.Deal, bool) {
		at := models.IndexOf(records, oldID)
		out := make([]models.Deal, 0, len(records)+1)
		for i := range records {
			if i == at {
				out = append(out, record)
				continue
			}
			if records[i].ID == record.ID {
				continue
			}
			out = append(out, records[i])
		}
		if at < 0 {
			out = append(out, record)
		}
		return out, true
	})
}

// Restore puts snapshot back at index, or removes id when snapshot is nil.
func (c *Tiered) Restore(ctx context.Context, scope, id string, snapshot *models.Deal, index int) {
	c.mutate(ctx, scope, func(records []models.Deal) ([]models.Deal, bool) {
		if idx := models.IndexOf(records, id); idx >= 0 {
			records = append(records[:idx], records[idx+1:]...)
		}
		if snapshot == nil {
			return records, true
		}
		if index < 0 || index > len(records) {
			index = len(records)
		}
		records = append(records, models.Deal{})
		copy(records[index+1:], records[index:])
		records[index] = snapshot.Clone()
		return records, true
	})
}

// Freshness reports the memory and durable stamps for scope. Zero means absent.
func (c *Tiered) Freshness(ctx context.Context, scope string) (memory, durable time.Time) {
	if e, err := c.memory.Load(ctx, scope); err == nil {
		memory = e.UpdatedAt
	}
	if c.durable != nil {
		if e, err := c.durable.Load(ctx, scope); err == nil {
			durable = e.UpdatedAt
		}
	}
	return memory, durable
}

// Revalidate promotes a durable entry that is newer than memory.
// Another process sharing the durable store may have written it.
func (c *Tiered) Revalidate(ctx context.Context, scope string) bool {
	if c.durable == nil {
		return false
	}
	defer c.lock(scope)()

	entry, err := c.durable.Load(ctx, scope)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Error("durable cache read failed", "scope", scope, "err", err)
		}
		return false
	}
	if mem, err := c.memory.Load(ctx, scope); err == nil && !entry.UpdatedAt.After(mem.UpdatedAt) {
		return false
	}
	c.promote(ctx, scope, entry.decode(), entry.UpdatedAt)
	return true
}

// Close releases the durable and fallback tiers.
func (c *Tiered) Close() error {
	var errs []error
	_ = c.memory.Close()
	if c.durable != nil {
		errs = append(errs, c.durable.Close())
	}
	if c.fallback != nil {
		errs = append(errs, c.fallback.Close())
	}
	return errors.Join(errs...)
}
