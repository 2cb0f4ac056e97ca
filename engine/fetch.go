// ABOUTME: Full-list fetches with duplicate suppression and per-scope cancellation
// ABOUTME: Queued changes are replayed over fetched data before it is cached
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/harperreed/dealsync/db"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/schema"
)

// Load returns the active scope's deals from the cache, fetching on a miss.
func (e *Engine) Load(ctx context.Context) ([]models.Deal, error) {
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}
	if deals, ok := e.cache.Get(ctx, scope); ok {
		return deals, nil
	}
	return e.Fetch(ctx, scope)
}

// Fetch loads every deal for scope from the server. Concurrent calls share
// one request and its result.
func (e *Engine) Fetch(ctx context.Context, scope string) ([]models.Deal, error) {
	if scope == "" {
		return nil, ErrNoScope
	}
	ch := e.fetches.DoChan(scope, func() (any, error) {
		return e.runFetch(scope)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return models.CloneDeals(r.Val.([]models.Deal)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh cancels any fetch in flight for scope and starts a new one.
func (e *Engine) Refresh(ctx context.Context, scope string) ([]models.Deal, error) {
	e.mu.Lock()
	if f := e.inflight[scope]; f != nil {
		f.cancel()
	}
	e.mu.Unlock()
	e.fetches.Forget(scope)
	return e.Fetch(ctx, scope)
}

func (e *Engine) runFetch(scope string) ([]models.Deal, error) {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	e.mu.Lock()
	e.fetchSeq++
	seq := e.fetchSeq
	e.inflight[scope] = &inflightFetch{seq: seq, cancel: cancel}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if f := e.inflight[scope]; f != nil && f.seq == seq {
			delete(e.inflight, scope)
		}
		e.mu.Unlock()
	}()

	done := e.loading.begin(scope, "fetch")
	defer done()
	return e.fetch(ctx, scope)
}

func (e *Engine) fetch(ctx context.Context, scope string) ([]models.Deal, error) {
	first := !e.wasLoaded(scope)
	if first && e.opts.Ready != nil {
		select {
		case <-e.opts.Ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to fetch deals: %w", ctx.Err())
		}
	}

	records, err := e.list(ctx, scope)
	if err != nil {
		return nil, err
	}

	if first && e.opts.Ready == nil {
		cached, _ := e.cache.Get(ctx, scope)
		if len(records) == 0 || len(records) < len(cached) {
			e.logger.Debug("first load came back short, retrying once", "scope", scope,
				"got", len(records), "cached", len(cached))
			select {
			case <-time.After(e.opts.FirstLoadRetryDelay):
			case <-ctx.Done():
				return nil, fmt.Errorf("failed to fetch deals: %w", ctx.Err())
			}
			if retried, err := e.list(ctx, scope); err != nil {
				e.logger.Warn("retry of first load failed", "scope", scope, "err", err)
			} else {
				records = retried
			}
		}
	}

	// A cancelled fetch has been superseded and must not overwrite the cache.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch deals: %w", err)
	}

	records = e.replayPending(ctx, scope, records)
	e.cache.Set(ctx, scope, records)
	e.markLoaded(scope)

	if err := db.RecordFetch(ctx, e.queue.DB(), scope, e.opts.Now()); err != nil {
		e.logger.Warn("failed to record fetch", "scope", scope, "err", err)
	}
	return records, nil
}

func (e *Engine) list(ctx context.Context, scope string) ([]models.Deal, error) {
	raws, err := e.reader.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch deals: %w", err)
	}

	deals := make([]models.Deal, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		deal := schema.NormalizeJSON(raw)
		if deal == nil || deal.OrganizationID != scope || models.IndexOf(deals, deal.ID) >= 0 {
			dropped++
			continue
		}
		deals = append(deals, *deal)
	}
	if dropped > 0 {
		e.logger.Warn("dropped unusable deals from server", "scope", scope, "count", dropped)
	}
	return deals, nil
}

// replayPending applies queued changes over fetched records so offline edits
// stay visible until they are drained.
func (e *Engine) replayPending(ctx context.Context, scope string, records []models.Deal) []models.Deal {
	cmds, err := e.queue.ListPending(ctx, scope)
	if err != nil {
		e.logger.Warn("failed to read queued changes", "scope", scope, "err", err)
		return records
	}
	for _, cmd := range cmds {
		idx := models.IndexOf(records, cmd.RecordID)
		switch cmd.Type {
		case models.CommandCreate:
			if idx < 0 {
				if deal := schema.Normalize(cmd.Payload); deal != nil {
					records = append(records, *deal)
				}
			}
		case models.CommandUpdate:
			if idx >= 0 {
				if merged := schema.Merge(records[idx], cmd.Payload); merged != nil {
					records[idx] = *merged
				}
			}
		case models.CommandDelete:
			if idx >= 0 {
				records = append(records[:idx], records[idx+1:]...)
			}
		}
	}
	return records
}

func (e *Engine) wasLoaded(scope string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded[scope]
}

func (e *Engine) markLoaded(scope string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded[scope] = true
}
