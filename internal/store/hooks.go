package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headspace/headspace/internal/models"
)

// RecordHookReceipt marks a hook delivery as processed. It reports false
// when the same (session, kind, key) was already recorded, which is how
// agent-side retries collapse to a single application.
func (r *Repository) RecordHookReceipt(ctx context.Context, sessionID string, kind models.HookKind, eventKey string) (bool, error) {
	return r.recordHookReceipt(ctx, r.db, sessionID, kind, eventKey)
}

// RecordHookReceiptTx is RecordHookReceipt inside an existing transaction,
// so the receipt only lands if the hook's effects commit with it.
func (r *Repository) RecordHookReceiptTx(ctx context.Context, tx *sqlx.Tx, sessionID string, kind models.HookKind, eventKey string) (bool, error) {
	return r.recordHookReceipt(ctx, tx, sessionID, kind, eventKey)
}

func (r *Repository) recordHookReceipt(ctx context.Context, ext sqlx.ExtContext, sessionID string, kind models.HookKind, eventKey string) (bool, error) {
	query := ext.Rebind(`
		INSERT INTO hook_receipts (session_id, kind, event_key, received_at)
		VALUES (?, ?, ?, ?)`)
	_, err := ext.ExecContext(ctx, query, sessionID, kind, eventKey, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record hook receipt: %w", err)
	}
	return true, nil
}

// PurgeHookReceiptsBefore drops receipts older than the cutoff. Receipts
// only need to outlive the agent's retry window.
func (r *Repository) PurgeHookReceiptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM hook_receipts WHERE received_at < ?`)
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge hook receipts: %w", err)
	}
	return result.RowsAffected()
}
