package core

import (
	"context"
	"errors"
	"fmt"

	"ciomsdb/pkg/domain"
)

// undoLog records compensating actions for writes already applied by a multi-step
// aggregate mutation. The store has no multi-record transaction, so a failed step
// is followed by a best-effort replay of the log in reverse order.
type undoLog struct {
	store domain.Store
	steps []undoStep
}

type undoStep struct {
	desc string
	fn   func(ctx context.Context) error
}

func newUndoLog(store domain.Store) *undoLog {
	return &undoLog{store: store}
}

// inserted schedules removal of a freshly inserted row.
func (u *undoLog) inserted(collection string, id int64) {
	u.steps = append(u.steps, undoStep{
		desc: fmt.Sprintf("delete %s %d", collection, id),
		fn: func(ctx context.Context) error {
			_, err := u.store.Delete(ctx, collection, id)
			return err
		},
	})
}

// overwritten schedules restoring a row to its previous body under its original id.
func (u *undoLog) overwritten(collection string, doc domain.Document) {
	u.steps = append(u.steps, undoStep{
		desc: fmt.Sprintf("restore %s %d", collection, doc.ID),
		fn: func(ctx context.Context) error {
			_, err := u.store.Put(ctx, collection, doc)
			return err
		},
	})
}

// removed is overwritten for a deleted row; Put recreates it with the same id.
func (u *undoLog) removed(collection string, doc domain.Document) {
	u.overwritten(collection, doc)
}

func (u *undoLog) len() int { return len(u.steps) }

// rollback runs every step newest first and joins the failures. It ignores
// cancellation of ctx so an aborted request still cleans up.
func (u *undoLog) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.steps[i].desc, err))
		}
	}
	u.steps = nil
	return errors.Join(errs...)
}
