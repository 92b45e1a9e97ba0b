package store

import (
	"context"
	"time"
)

// ScheduleRepository defines the database operations on schedule items.
//
// The CRUD layer only inserts and cancels; the scheduler daemon is the sole
// writer of claim and terminal transitions.
type ScheduleRepository interface {
	// Insert persists a new pending item and returns its identifier.
	Insert(ctx context.Context, item *ScheduleItem) (string, error)
	// CancelBySubject marks all pending items of a subject canceled. Claimed
	// rows are left alone; the daemon observes cancellation via SubjectActive.
	CancelBySubject(ctx context.Context, subjectID string) (int64, error)
	// ClaimDue atomically claims all currently-due pending items for the given
	// claimant, incrementing attempt_count. Rows locked by a concurrent
	// claimant are skipped, never blocked on.
	ClaimDue(ctx context.Context, claimant string, batchSize int) ([]ScheduleItem, error)
	// NextDueAt returns the earliest due_at over pending items, or nil when
	// none exist.
	NextDueAt(ctx context.Context) (*time.Time, error)
	// MarkCompleted moves a claimed item to its terminal completed state. The
	// update is scoped to the claimant: if the claim was reaped and reclaimed
	// by a peer in the meantime, the peer's claim is left untouched.
	MarkCompleted(ctx context.Context, itemID, claimant string) error
	// MarkFailed moves an item to its terminal failed state and records why.
	// Scoped to the claimant like MarkCompleted.
	MarkFailed(ctx context.Context, itemID, claimant, reason string) error
	// Release reverts a claimed item to pending with due_at unchanged, so the
	// next cycle picks it up again. Scoped to the claimant like MarkCompleted.
	Release(ctx context.Context, itemID, claimant string) error
	// ReleaseAllClaimedBy reverts every non-terminal claim held by the given
	// claimant. Called on graceful shutdown.
	ReleaseAllClaimedBy(ctx context.Context, claimant string) (int64, error)
	// ReapStaleClaims reverts claims older than the threshold; the previous
	// claimant is presumed dead. Called on startup.
	ReapStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)
	// SubjectActive reports whether the owning game still warrants scheduled
	// actions (not canceled or deleted between scheduling and claiming).
	SubjectActive(ctx context.Context, subjectID string) (bool, error)
}
