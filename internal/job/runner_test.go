package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"funnel-sync-go/internal/constants"
	"funnel-sync-go/internal/funnel"
	"funnel-sync-go/internal/outbox"
	"funnel-sync-go/internal/storage"
	"funnel-sync-go/internal/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录各阶段的调用顺序
type recorder struct {
	calls []string
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeLocker struct {
	rec        *recorder
	held       bool
	acquireErr error
	released   bool
	gotKey     string
	gotTTL     time.Duration
}

func (f *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	f.rec.calls = append(f.rec.calls, "lock")
	f.gotKey, f.gotTTL = key, ttl
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	if f.held {
		return "", nil
	}
	return "token-1", nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	f.rec.calls = append(f.rec.calls, "unlock")
	f.released = token == "token-1"
	return f.released, nil
}

type fakeCandidates struct {
	rec  *recorder
	list []types.Candidate
	err  error
}

func (f *fakeCandidates) Candidates(ctx context.Context, lookbackDays, limit int) ([]types.Candidate, error) {
	f.rec.calls = append(f.rec.calls, fmt.Sprintf("candidates(%d,%d)", lookbackDays, limit))
	return f.list, f.err
}

type fakeTracker struct {
	rec     *recorder
	gotMode types.RunMode
	err     error
}

func (f *fakeTracker) TrackAll(ctx context.Context, candidates []types.Candidate, mode types.RunMode) (funnel.TrackSummary, error) {
	f.rec.calls = append(f.rec.calls, "track")
	f.gotMode = mode
	return funnel.TrackSummary{Total: len(candidates), Created: len(candidates)}, f.err
}

type fakeReconciler struct {
	rec *recorder
	err error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, mode types.RunMode, limit int) (funnel.ReconcileSummary, error) {
	f.rec.calls = append(f.rec.calls, fmt.Sprintf("reconcile(%d)", limit))
	return funnel.ReconcileSummary{Marked: 1}, f.err
}

type fakeDispatcher struct {
	rec *recorder
	err error
}

func (f *fakeDispatcher) RunOnce(ctx context.Context, mode types.RunMode) (outbox.DispatchSummary, error) {
	f.rec.calls = append(f.rec.calls, "dispatch")
	return outbox.DispatchSummary{Fetched: 2, Sent: 2}, f.err
}

type fakeCounter struct{}

func (fakeCounter) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{constants.OutboxStatusPending: 3, constants.OutboxStatusFailed: 1}, nil
}

type fixture struct {
	rec        *recorder
	locker     *fakeLocker
	candidates *fakeCandidates
	tracker    *fakeTracker
	reconciler *fakeReconciler
	dispatcher *fakeDispatcher
	deps       Deps
}

func newFixture() *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:        rec,
		locker:     &fakeLocker{rec: rec},
		candidates: &fakeCandidates{rec: rec, list: []types.Candidate{{Email: "a@example.com", FunnelType: constants.FunnelLanguage}}},
		tracker:    &fakeTracker{rec: rec},
		reconciler: &fakeReconciler{rec: rec},
		dispatcher: &fakeDispatcher{rec: rec},
	}
	f.deps = Deps{
		Store:      fakePinger{},
		Locker:     f.locker,
		Candidates: f.candidates,
		Tracker:    f.tracker,
		Reconciler: f.reconciler,
		Dispatcher: f.dispatcher,
		Counter:    fakeCounter{},
	}
	return f
}

func TestRunOnce_RunsStagesInOrder(t *testing.T) {
	f := newFixture()
	r := NewRunner(f.deps, Options{LookbackDays: 10, CandidateLimit: 50, ReconcileLimit: 20}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background(), types.ModeLive)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, []string{"lock", "candidates(10,50)", "track", "reconcile(20)", "dispatch", "unlock"}, f.rec.calls)
	assert.Equal(t, 1, summary.Tracking.Created)
	assert.Equal(t, 1, summary.Purchase.Marked)
	assert.Equal(t, 2, summary.Dispatch.Sent)
	assert.Equal(t, int64(3), summary.Backlog[constants.OutboxStatusPending])
	assert.True(t, f.locker.released)
	assert.Equal(t, "funnelsync:job:lock:sync", f.locker.gotKey)
	assert.Equal(t, constants.DefaultRunLockTTL, f.locker.gotTTL)
}

func TestRunOnce_PassesModeThrough(t *testing.T) {
	f := newFixture()
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	_, err := r.RunOnce(context.Background(), types.ModeDryRun)
	require.NoError(t, err)
	assert.Equal(t, types.ModeDryRun, f.tracker.gotMode)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	f.locker.held = true
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background(), types.ModeLive)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, []string{"lock"}, f.rec.calls)
}

func TestRunOnce_LockErrorDoesNotBlockRun(t *testing.T) {
	f := newFixture()
	f.locker.acquireErr = errors.New("redis down")
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background(), types.ModeLive)
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Contains(t, f.rec.calls, "dispatch")
	assert.NotContains(t, f.rec.calls, "unlock")
}

func TestRunOnce_WithoutLocker(t *testing.T) {
	f := newFixture()
	f.deps.Locker = nil
	f.deps.Counter = nil
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	summary, err := r.RunOnce(context.Background(), types.ModeLive)
	require.NoError(t, err)
	assert.Nil(t, summary.Backlog)
	assert.Equal(t, "dispatch", f.rec.calls[len(f.rec.calls)-1])
}

func TestRunOnce_StoreUnavailable(t *testing.T) {
	f := newFixture()
	f.deps.Store = fakePinger{err: fmt.Errorf("%w: refused", storage.ErrStoreUnavailable)}
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	_, err := r.RunOnce(context.Background(), types.ModeLive)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Empty(t, f.rec.calls)
}

func TestRunOnce_StageErrorStopsRunAndReleasesLock(t *testing.T) {
	f := newFixture()
	f.reconciler.err = fmt.Errorf("%w: broken pipe", storage.ErrStoreUnavailable)
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	_, err := r.RunOnce(context.Background(), types.ModeLive)
	require.Error(t, err)
	assert.True(t, storage.IsUnavailable(err))
	assert.NotContains(t, f.rec.calls, "dispatch")
	assert.Equal(t, "unlock", f.rec.calls[len(f.rec.calls)-1])
}

func TestRunOnce_CandidateQueryFailure(t *testing.T) {
	f := newFixture()
	f.candidates.err = errors.New("table simpletest_users doesn't exist")
	r := NewRunner(f.deps, Options{}, zerolog.Nop())

	_, err := r.RunOnce(context.Background(), types.ModeLive)
	require.Error(t, err)
	assert.NotContains(t, f.rec.calls, "track")
}

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(Deps{}, Options{}, zerolog.Nop())
	assert.Equal(t, constants.DefaultCandidateLookbackDays, r.opts.LookbackDays)
	assert.Equal(t, constants.DefaultBatchLimit, r.opts.CandidateLimit)
	assert.Equal(t, constants.DefaultBatchLimit, r.opts.ReconcileLimit)
	assert.Equal(t, constants.DefaultRunLockTTL, r.opts.LockTTL)
}
