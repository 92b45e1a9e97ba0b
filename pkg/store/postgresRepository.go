package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// PostgresRepository implements ScheduleRepository on database/sql with the
// lib/pq driver.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, item *ScheduleItem) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Insert")
	defer span.End()

	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO schedule_items (id, subject_id, kind, due_at, status, attempt_count, payload)
         VALUES ($1, $2, $3, $4, 'pending', 0, $5)`,
		id, item.SubjectID, item.Kind, item.DueAt, item.Payload)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("insert schedule item: %w", err)
	}
	return id, nil
}

func (p *PostgresRepository) CancelBySubject(ctx context.Context, subjectID string) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "CancelBySubject")
	defer span.End()

	// Only pending rows: a claimed row is owned by an in-flight claim and the
	// daemon observes cancellation through SubjectActive instead.
	res, err := p.db.ExecContext(ctx,
		`UPDATE schedule_items SET status='canceled', updated_at=now()
         WHERE subject_id=$1 AND status='pending'`, subjectID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("cancel schedule items: %w", err)
	}
	return res.RowsAffected()
}

// ClaimDue selects due pending rows with a locking read, skipping rows locked
// by a concurrent claimant, and flips them to claimed in the same transaction.
// The claim is committed before any publish attempt.
func (p *PostgresRepository) ClaimDue(ctx context.Context, claimant string, batchSize int) ([]ScheduleItem, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ClaimDue")
	defer span.End()
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, subject_id, kind, due_at, attempt_count, payload FROM schedule_items
         WHERE status='pending' AND due_at <= now()
         ORDER BY due_at
         FOR UPDATE SKIP LOCKED
         LIMIT $1`, batchSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("select due items: %w", err)
	}

	var items []ScheduleItem
	for rows.Next() {
		var it ScheduleItem
		if err := rows.Scan(&it.ID, &it.SubjectID, &it.Kind, &it.DueAt, &it.AttemptCount, &it.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due item: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now()
	for i := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedule_items
             SET status='claimed', claimed_by=$1, claimed_at=$2, attempt_count=attempt_count+1, updated_at=$2
             WHERE id=$3`, claimant, now, items[i].ID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("claim item %s: %w", items[i].ID, err)
		}
		items[i].Status = StatusClaimed
		items[i].AttemptCount++
		items[i].ClaimedBy = sql.NullString{String: claimant, Valid: true}
		items[i].ClaimedAt = sql.NullTime{Time: now, Valid: true}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	addDBStatsToSpan(span, "ClaimDue", len(items), time.Since(start))
	return items, nil
}

func (p *PostgresRepository) NextDueAt(ctx context.Context) (*time.Time, error) {
	var due sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT min(due_at) FROM schedule_items WHERE status='pending'`).Scan(&due)
	if err != nil {
		return nil, fmt.Errorf("next due: %w", err)
	}
	if !due.Valid {
		return nil, nil
	}
	return &due.Time, nil
}

func (p *PostgresRepository) MarkCompleted(ctx context.Context, itemID, claimant string) error {
	return p.setTerminal(ctx, "MarkCompleted", itemID, claimant, StatusCompleted, "")
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, itemID, claimant, reason string) error {
	return p.setTerminal(ctx, "MarkFailed", itemID, claimant, StatusFailed, reason)
}

// setTerminal moves a claimed item to a terminal state and clears its claim.
// The claimed_by guard keeps a stale instance from finishing a row that was
// reaped and reclaimed by a peer; zero rows updated means the peer now owns
// the item, so there is nothing left to do here.
func (p *PostgresRepository) setTerminal(ctx context.Context, spanName, itemID, claimant string, status Status, reason string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	var lastErr sql.NullString
	if reason != "" {
		lastErr = sql.NullString{String: reason, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE schedule_items
         SET status=$1, claimed_by=NULL, claimed_at=NULL, last_error=$2, updated_at=now()
         WHERE id=$3 AND status='claimed' AND claimed_by=$4`, status, lastErr, itemID, claimant)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("set item %s to %s: %w", itemID, status, err)
	}
	return nil
}

func (p *PostgresRepository) Release(ctx context.Context, itemID, claimant string) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Release")
	defer span.End()

	// due_at stays untouched so the item is picked up on the next cycle;
	// attempt_count keeps the increment from the claim. Same claimed_by guard
	// as setTerminal.
	_, err := p.db.ExecContext(ctx,
		`UPDATE schedule_items
         SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=now()
         WHERE id=$1 AND status='claimed' AND claimed_by=$2`, itemID, claimant)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("release item %s: %w", itemID, err)
	}
	return nil
}

func (p *PostgresRepository) ReleaseAllClaimedBy(ctx context.Context, claimant string) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ReleaseAllClaimedBy")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE schedule_items
         SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=now()
         WHERE claimed_by=$1 AND status='claimed'`, claimant)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("release claims of %s: %w", claimant, err)
	}
	return res.RowsAffected()
}

func (p *PostgresRepository) ReapStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ReapStaleClaims")
	defer span.End()

	res, err := p.db.ExecContext(ctx,
		`UPDATE schedule_items
         SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=now()
         WHERE status='claimed' AND claimed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresRepository) SubjectActive(ctx context.Context, subjectID string) (bool, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT status FROM games WHERE id=$1`, subjectID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up game %s: %w", subjectID, err)
	}
	return status != "canceled" && status != "deleted", nil
}
