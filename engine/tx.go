// ABOUTME: Snapshot, tentative commit, then confirm or abort for one cached deal
// ABOUTME: end restores the snapshot exactly unless confirm was called first
package engine

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/harperreed/dealsync/cache"
	"github.com/harperreed/dealsync/models"
)

type optimisticTx struct {
	cache  *cache.Tiered
	logger *log.Logger
	scope  string
	id     string

	// snapshot is nil when the deal was absent, so rollback removes it.
	snapshot *models.Deal
	index    int

	captured bool
	finished bool
}

func newTx(c *cache.Tiered, logger *log.Logger, scope, id string) *optimisticTx {
	return &optimisticTx{cache: c, logger: logger, scope: scope, id: id, index: -1}
}

// capture records the deal's current value and position.
func (tx *optimisticTx) capture(ctx context.Context) {
	if rec, idx, ok := tx.cache.Record(ctx, tx.scope, tx.id); ok {
		snap := rec.Clone()
		tx.snapshot = &snap
		tx.index = idx
	}
	tx.captured = true
}

func (tx *optimisticTx) confirm() {
	tx.finished = true
}

// end rolls back unless the transaction was confirmed.
func (tx *optimisticTx) end(ctx context.Context) {
	if tx.finished {
		return
	}
	tx.rollback(ctx)
}

func (tx *optimisticTx) rollback(ctx context.Context) {
	if tx.finished {
		return
	}
	tx.finished = true
	if !tx.captured {
		tx.logger.Warn("no snapshot to roll back to", "scope", tx.scope, "id", tx.id)
		return
	}
	// Restore even when the caller's context is already cancelled.
	tx.cache.Restore(context.WithoutCancel(ctx), tx.scope, tx.id, tx.snapshot, tx.index)
	tx.logger.Debug("rolled back optimistic change", "scope", tx.scope, "id", tx.id)
}
