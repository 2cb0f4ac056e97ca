// ABOUTME: Optimistic create, update, and delete with exact rollback on failure
// ABOUTME: Offline changes are queued and their optimistic value is final until drained
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/dealsync/models"
	"github.com/harperreed/dealsync/remote"
	"github.com/harperreed/dealsync/schema"
)

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

func lockKey(scope, id string) string {
	return scope + "/" + id
}

// Apply merges changes into a deal, publishes the result at once, and
// confirms it with the server. A failed write restores the previous value.
func (e *Engine) Apply(ctx context.Context, recordID string, changes map[string]any) (*models.Deal, error) {
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, lockKey(scope, recordID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock deal %s: %w", recordID, err)
	}
	defer unlock()
	return e.update(ctx, scope, recordID, changes)
}

// TryApply is Apply for gestures such as drag and drop. It fails with
// ErrOperationInProgress instead of waiting for an earlier change to finish.
func (e *Engine) TryApply(ctx context.Context, recordID string, changes map[string]any) (*models.Deal, error) {
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}
	unlock, ok := e.locks.TryLock(lockKey(scope, recordID))
	if !ok {
		return nil, ErrOperationInProgress
	}
	defer unlock()
	return e.update(ctx, scope, recordID, changes)
}

// InProgress reports whether a change to recordID is running in the active scope.
func (e *Engine) InProgress(recordID string) bool {
	return e.locks.Held(lockKey(e.Scope(), recordID))
}

func (e *Engine) update(ctx context.Context, scope, id string, changes map[string]any) (*models.Deal, error) {
	current, _, ok := e.cache.Record(ctx, scope, id)
	if !ok {
		return nil, fmt.Errorf("failed to update deal %s: %w", id, ErrNotFound)
	}
	merged := schema.Merge(current, changes)
	if merged == nil {
		return nil, &MutationError{Class: remote.ClassValidation, Op: opUpdate, RecordID: id, Err: ErrInvalidRecord}
	}
	base := baseVersion(current)

	tx := newTx(e.cache, e.logger, scope, id)
	defer tx.end(ctx)
	tx.capture(ctx)
	e.cache.Upsert(ctx, scope, *merged)

	if !e.Online() {
		cmd := &models.Command{
			Scope:         scope,
			Type:          models.CommandUpdate,
			RecordID:      id,
			Payload:       changes,
			BaseUpdatedAt: base,
		}
		if err := e.queue.Enqueue(ctx, cmd); err != nil {
			return nil, fmt.Errorf("failed to queue update: %w", err)
		}
		tx.confirm()
		e.logger.Debug("queued update while offline", "scope", scope, "id", id, "command", cmd.ID)
		return merged, nil
	}

	res, err := e.writer.Update(ctx, scope, id, changes, base)
	confirmed, merr := e.confirmed(scope, opUpdate, id, res, err)
	if merr != nil {
		tx.rollback(ctx)
		if merr.Class == remote.ClassConflict {
			e.adopt(ctx, scope, res)
		}
		e.logger.Warn("update failed", "scope", scope, "id", id, "class", merr.Class, "err", merr.Err)
		return nil, merr
	}
	e.cache.Upsert(ctx, scope, *confirmed)
	tx.confirm()
	return confirmed, nil
}

// Create adds a deal under a client-generated id unless payload carries one.
func (e *Engine) Create(ctx context.Context, payload map[string]any) (*models.Deal, error) {
	scope, err := e.activeScope()
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		raw[k] = v
	}
	id, _ := raw[models.FieldID].(string)
	if id == "" {
		id = uuid.NewString()
	}
	raw[models.FieldID] = id
	raw[models.FieldOrganizationID] = scope
	if _, ok := raw[models.FieldCreatedAt]; !ok {
		raw[models.FieldCreatedAt] = e.opts.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, ok := raw[models.FieldStatus]; !ok {
		raw[models.FieldStatus] = string(models.StatusActive)
	}
	deal := schema.Normalize(raw)
	if deal == nil {
		return nil, &MutationError{Class: remote.ClassValidation, Op: opCreate, RecordID: id, Err: ErrInvalidRecord}
	}

	unlock, err := e.locks.Lock(ctx, lockKey(scope, id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock deal %s: %w", id, err)
	}
	defer unlock()

	if _, _, exists := e.cache.Record(ctx, scope, id); exists {
		return nil, &MutationError{Class: remote.ClassValidation, Op: opCreate, RecordID: id,
			Err: fmt.Errorf("deal %s already exists", id)}
	}

	tx := newTx(e.cache, e.logger, scope, id)
	defer tx.end(ctx)
	tx.capture(ctx)
	e.cache.InsertIfAbsent(ctx, scope, *deal)

	wire := deal.ToMap()
	if !e.Online() {
		cmd := &models.Command{Scope: scope, Type: models.CommandCreate, RecordID: id, Payload: wire}
		if err := e.queue.Enqueue(ctx, cmd); err != nil {
			return nil, fmt.Errorf("failed to queue create: %w", err)
		}
		tx.confirm()
		e.logger.Debug("queued create while offline", "scope", scope, "id", id, "command", cmd.ID)
		return deal, nil
	}

	res, err := e.writer.Create(ctx, scope, wire)
	confirmed, merr := e.confirmed(scope, opCreate, "", res, err)
	if merr != nil {
		merr.RecordID = id
		tx.rollback(ctx)
		e.logger.Warn("create failed", "scope", scope, "id", id, "class", merr.Class, "err", merr.Err)
		return nil, merr
	}
	e.cache.Replace(ctx, scope, id, *confirmed)
	tx.confirm()
	return confirmed, nil
}

// Delete removes a deal. A deal the server no longer has counts as deleted.
func (e *Engine) Delete(ctx context.Context, recordID string) error {
	scope, err := e.activeScope()
	if err != nil {
		return err
	}
	unlock, err := e.locks.Lock(ctx, lockKey(scope, recordID))
	if err != nil {
		return fmt.Errorf("failed to lock deal %s: %w", recordID, err)
	}
	defer unlock()

	if _, _, ok := e.cache.Record(ctx, scope, recordID); !ok {
		return fmt.Errorf("failed to delete deal %s: %w", recordID, ErrNotFound)
	}

	tx := newTx(e.cache, e.logger, scope, recordID)
	defer tx.end(ctx)
	tx.capture(ctx)
	e.cache.Remove(ctx, scope, recordID)

	if !e.Online() {
		cmd := &models.Command{Scope: scope, Type: models.CommandDelete, RecordID: recordID}
		if err := e.queue.Enqueue(ctx, cmd); err != nil {
			return fmt.Errorf("failed to queue delete: %w", err)
		}
		tx.confirm()
		e.logger.Debug("queued delete while offline", "scope", scope, "id", recordID, "command", cmd.ID)
		return nil
	}

	res, err := e.writer.Delete(ctx, scope, recordID)
	if err == nil && !res.Success && res.Code == remote.CodeNotFound {
		res.Success = true
	}
	if remote.Classify(res, err) != remote.ClassNone {
		merr := failure(opDelete, recordID, res, err)
		tx.rollback(ctx)
		e.logger.Warn("delete failed", "scope", scope, "id", recordID, "class", merr.Class, "err", merr.Err)
		return merr
	}
	tx.confirm()
	return nil
}

// confirmed turns a write outcome into the server's record. A success without
// a valid record for the scope is a failure. wantID is checked when non-empty.
func (e *Engine) confirmed(scope, op, wantID string, res remote.Result, err error) (*models.Deal, *MutationError) {
	if remote.Classify(res, err) != remote.ClassNone {
		return nil, failure(op, wantID, res, err)
	}
	deal := schema.NormalizeJSON(res.Record)
	if deal == nil || deal.OrganizationID != scope || (wantID != "" && deal.ID != wantID) {
		return nil, &MutationError{
			Class:    remote.ClassPermanent,
			Op:       op,
			RecordID: wantID,
			Err:      fmt.Errorf("%w in server response", ErrInvalidRecord),
		}
	}
	return deal, nil
}

// adopt writes the server's record from a conflict answer into the cache.
func (e *Engine) adopt(ctx context.Context, scope string, res remote.Result) {
	deal := schema.NormalizeJSON(res.Record)
	if deal == nil || deal.OrganizationID != scope {
		e.logger.Warn("conflict answer carried no usable record", "scope", scope)
		return
	}
	e.cache.Upsert(context.WithoutCancel(ctx), scope, *deal)
}

func baseVersion(d models.Deal) *time.Time {
	if d.UpdatedAt.IsZero() {
		return nil
	}
	t := d.UpdatedAt
	return &t
}
