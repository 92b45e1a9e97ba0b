package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bretmckee/game-scheduler-sub006/pkg/config"
	"github.com/bretmckee/game-scheduler-sub006/pkg/store"
)

// fakeRepo is an in-memory ScheduleRepository good enough to drive the
// daemon loop through claim/release/complete/fail transitions.
type fakeRepo struct {
	mu       sync.Mutex
	items    map[string]*store.ScheduleItem
	inactive map[string]bool

	subjectErr error
	claimErr   error
	reaped     int64
	released   int64
}

func newFakeRepo(items ...*store.ScheduleItem) *fakeRepo {
	r := &fakeRepo{items: map[string]*store.ScheduleItem{}, inactive: map[string]bool{}}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return r
}

func (r *fakeRepo) Insert(ctx context.Context, item *store.ScheduleItem) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
	return item.ID, nil
}

func (r *fakeRepo) CancelBySubject(ctx context.Context, subjectID string) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) ClaimDue(ctx context.Context, claimant string, batchSize int) ([]store.ScheduleItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	var out []store.ScheduleItem
	now := time.Now()
	for _, it := range r.items {
		if it.Status != store.StatusPending || it.DueAt.After(now) || len(out) >= batchSize {
			continue
		}
		it.Status = store.StatusClaimed
		it.AttemptCount++
		it.ClaimedBy.String, it.ClaimedBy.Valid = claimant, true
		it.ClaimedAt.Time, it.ClaimedAt.Valid = now, true
		out = append(out, *it)
	}
	return out, nil
}

func (r *fakeRepo) NextDueAt(ctx context.Context) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var min *time.Time
	for _, it := range r.items {
		if it.Status != store.StatusPending {
			continue
		}
		due := it.DueAt
		if min == nil || due.Before(*min) {
			min = &due
		}
	}
	return min, nil
}

func (r *fakeRepo) MarkCompleted(ctx context.Context, itemID, claimant string) error {
	return r.setStatus(itemID, claimant, store.StatusCompleted, "")
}

func (r *fakeRepo) MarkFailed(ctx context.Context, itemID, claimant, reason string) error {
	return r.setStatus(itemID, claimant, store.StatusFailed, reason)
}

func (r *fakeRepo) Release(ctx context.Context, itemID, claimant string) error {
	return r.setStatus(itemID, claimant, store.StatusPending, "")
}

func (r *fakeRepo) setStatus(itemID, claimant string, s store.Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[itemID]
	if !ok {
		return errors.New("no such item")
	}
	// Mirrors the claimed_by guard in the SQL: a row reclaimed by a peer is
	// the peer's to finish.
	if it.Status != store.StatusClaimed || it.ClaimedBy.String != claimant {
		return nil
	}
	it.Status = s
	if reason != "" {
		it.LastError.String, it.LastError.Valid = reason, true
	}
	if s != store.StatusClaimed {
		it.ClaimedBy.Valid = false
		it.ClaimedAt.Valid = false
	}
	return nil
}

func (r *fakeRepo) ReleaseAllClaimedBy(ctx context.Context, claimant string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, it := range r.items {
		if it.Status == store.StatusClaimed && it.ClaimedBy.String == claimant {
			it.Status = store.StatusPending
			it.ClaimedBy.Valid = false
			n++
		}
	}
	r.released += n
	return n, nil
}

func (r *fakeRepo) ReapStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var n int64
	for _, it := range r.items {
		if it.Status == store.StatusClaimed && it.ClaimedAt.Valid && it.ClaimedAt.Time.Before(cutoff) {
			it.Status = store.StatusPending
			it.ClaimedBy.Valid = false
			n++
		}
	}
	r.reaped += n
	return n, nil
}

func (r *fakeRepo) SubjectActive(ctx context.Context, subjectID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subjectErr != nil {
		return false, r.subjectErr
	}
	return !r.inactive[subjectID], nil
}

func (r *fakeRepo) item(id string) store.ScheduleItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.items[id]
}

// fakeBroker fails the first failures publishes, then succeeds.
type fakeBroker struct {
	mu        sync.Mutex
	failures  int
	published []string // topics, in publish order
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, topic)
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// fakeChanges wakes immediately a fixed number of times, then shuts down.
type fakeChanges struct {
	mu    sync.Mutex
	wakes int
}

func (c *fakeChanges) Wait(ctx context.Context, max time.Duration) store.WakeReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wakes <= 0 {
		return store.WakeShutdown
	}
	c.wakes--
	return store.WakeNotified
}

func testSettings() config.SchedulerSettings {
	return config.SchedulerSettings{
		BatchSize:       10,
		MaxAttempts:     3,
		MaxIdleWait:     time.Minute,
		StaleClaimAfter: 5 * time.Minute,
		PublishTimeout:  time.Second,
	}
}

func dueItem(id, subject string, kind store.Kind, payload any) *store.ScheduleItem {
	raw, _ := json.Marshal(payload)
	return &store.ScheduleItem{
		ID:        id,
		SubjectID: subject,
		Kind:      kind,
		DueAt:     time.Now().Add(-time.Second),
		Status:    store.StatusPending,
		Payload:   raw,
	}
}

func TestRun_PublishFailsTwiceThenSucceeds(t *testing.T) {
	repo := newFakeRepo(dueItem("item-1", "game-1", store.KindStatusTransition,
		store.StatusTransitionPayload{TargetStatus: "started"}))
	b := &fakeBroker{failures: 2}
	d := New(repo, b, &fakeChanges{wakes: 3}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	assert.NoError(t, err)

	it := repo.item("item-1")
	assert.Equal(t, store.StatusCompleted, it.Status)
	assert.Equal(t, 3, it.AttemptCount)
	assert.Equal(t, 1, b.publishCount())
}

func TestRun_AttemptsExhaustedMarksFailed(t *testing.T) {
	repo := newFakeRepo(dueItem("item-1", "game-1", store.KindStatusTransition,
		store.StatusTransitionPayload{TargetStatus: "started"}))
	b := &fakeBroker{failures: 10}
	d := New(repo, b, &fakeChanges{wakes: 5}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	assert.NoError(t, err)

	it := repo.item("item-1")
	assert.Equal(t, store.StatusFailed, it.Status)
	assert.Equal(t, 3, it.AttemptCount)
	assert.True(t, it.LastError.Valid)
	assert.Zero(t, b.publishCount())
}

func TestRun_CanceledSubjectCompletesWithoutPublish(t *testing.T) {
	repo := newFakeRepo(dueItem("item-1", "game-1", store.KindNotification,
		store.NotificationPayload{OffsetMinutes: 30, Channel: "dm"}))
	repo.inactive["game-1"] = true
	b := &fakeBroker{}
	d := New(repo, b, &fakeChanges{wakes: 1}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	assert.NoError(t, err)

	it := repo.item("item-1")
	assert.Equal(t, store.StatusCompleted, it.Status)
	assert.Zero(t, b.publishCount(), "no event may reach the broker for a canceled game")
}

func TestRun_MalformedPayloadFailsImmediately(t *testing.T) {
	it := dueItem("item-1", "game-1", store.KindStatusTransition, nil)
	it.Payload = []byte(`{not json`)
	repo := newFakeRepo(it)
	b := &fakeBroker{}
	d := New(repo, b, &fakeChanges{wakes: 3}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	assert.NoError(t, err)

	got := repo.item("item-1")
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "data errors are not retried")
	assert.Zero(t, b.publishCount())
}

func TestRun_TransientSubjectCheckReleasesClaim(t *testing.T) {
	repo := newFakeRepo(dueItem("item-1", "game-1", store.KindStatusTransition,
		store.StatusTransitionPayload{TargetStatus: "started"}))
	repo.subjectErr = errors.New("db gone")
	b := &fakeBroker{}
	d := New(repo, b, &fakeChanges{wakes: 1}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	assert.NoError(t, err)

	got := repo.item("item-1")
	assert.Equal(t, store.StatusPending, got.Status, "claim must revert on transient store error")
	assert.Zero(t, b.publishCount())
}

func TestRun_ReapsStaleClaimsOnStartup(t *testing.T) {
	stale := dueItem("item-1", "game-1", store.KindStatusTransition,
		store.StatusTransitionPayload{TargetStatus: "started"})
	stale.Status = store.StatusClaimed
	stale.ClaimedBy.String, stale.ClaimedBy.Valid = "dead-instance", true
	stale.ClaimedAt.Time, stale.ClaimedAt.Valid = time.Now().Add(-time.Hour), true

	repo := newFakeRepo(stale)
	b := &fakeBroker{}
	d := New(repo, b, &fakeChanges{wakes: 1}, testSettings(), zerolog.Nop())

	err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), repo.reaped)
	// The reclaimed item went through a normal cycle afterwards.
	assert.Equal(t, store.StatusCompleted, repo.item("item-1").Status)
	assert.Equal(t, 1, b.publishCount())
}

func TestNextWait_Bounds(t *testing.T) {
	repo := newFakeRepo()
	d := New(repo, &fakeBroker{}, &fakeChanges{}, testSettings(), zerolog.Nop())

	// No pending items: idle bound applies.
	assert.Equal(t, time.Minute, d.nextWait(context.Background()))

	// Overdue item: wake immediately.
	repo.Insert(context.Background(), dueItem("item-1", "game-1", store.KindStatusTransition,
		store.StatusTransitionPayload{TargetStatus: "started"}))
	assert.Equal(t, time.Duration(0), d.nextWait(context.Background()))

	// Future item: wait until it is due, never longer than the idle bound.
	repo.items["item-1"].DueAt = time.Now().Add(10 * time.Second)
	w := d.nextWait(context.Background())
	assert.Greater(t, w, 5*time.Second)
	assert.LessOrEqual(t, w, 10*time.Second)
}

func TestConcurrentInstancesClaimDisjointSets(t *testing.T) {
	// N daemon instances racing over M items through a shared repo must
	// partition the set: every item processed exactly once.
	const items = 40
	repo := newFakeRepo()
	for i := 0; i < items; i++ {
		repo.Insert(context.Background(), dueItem(
			"item-"+string(rune('a'+i%26))+string(rune('0'+i/26)),
			"game-1", store.KindStatusTransition,
			store.StatusTransitionPayload{TargetStatus: "started"}))
	}
	b := &fakeBroker{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := New(repo, b, &fakeChanges{wakes: 5}, testSettings(), zerolog.Nop())
			assert.NoError(t, d.Run(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, items, b.publishCount(), "each item published exactly once")
	for id := range repo.items {
		assert.Equal(t, store.StatusCompleted, repo.item(id).Status)
	}
}
