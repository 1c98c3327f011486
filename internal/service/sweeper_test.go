package service

import (
	"context"
	"testing"
	"time"

	"backend/internal/model"
	"backend/internal/registry"
	"backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweeperFixture struct {
	sweeper *Sweeper
	store   repository.ApprovalStore
	audit   repository.AuditRepository
	clock   *testClock
}

func newSweeperFixture(t *testing.T, options ...SweeperOption) *sweeperFixture {
	t.Helper()
	f := &sweeperFixture{
		store: repository.NewMemoryStore(),
		audit: repository.NewMemoryAuditRepository(),
		clock: newTestClock(),
	}
	opts := append([]SweeperOption{WithSweeperClock(f.clock.Now)}, options...)
	f.sweeper = NewSweeper(f.store, NewAuditService(f.audit), opts...)
	return f
}

func (f *sweeperFixture) seed(t *testing.T, permission string, expiresIn time.Duration) *model.ApprovalRequest {
	t.Helper()
	req := &model.ApprovalRequest{
		Permission:    permission,
		Payload:       `{"walletId":"w1"}`,
		Status:        model.ApprovalPending,
		InitiatorID:   "u1",
		InitiatorRole: registry.RoleTreasuryOfficer,
		ExpiresAt:     f.clock.Now().Add(expiresIn),
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.Create(context.Background(), req))
	return req
}

func TestSweepOnceExpiresOnlyStalePending(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()

	stale := f.seed(t, "wallet:adjust", -time.Hour)
	fresh := f.seed(t, "tx:reverse", time.Hour)
	decided := f.seed(t, "account:freeze", -time.Hour)
	_, err := f.store.TransitionIfPending(ctx, decided.ID, model.ApprovalApproved, func(r *model.ApprovalRequest) {})
	require.NoError(t, err)

	swept, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.store.FindByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalExpired, got.Status)
	assert.NotNil(t, got.DecidedAt)

	got, err = f.store.FindByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, got.Status)

	// Terminal records are untouched, even past their deadline.
	got, err = f.store.FindByID(ctx, decided.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)

	entries, _, err := f.audit.List(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionExpireRequest, entries[0].Action)
	assert.Nil(t, entries[0].ActorID)
}

func TestSweepOnceIsIdempotent(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()

	f.seed(t, "wallet:adjust", -time.Hour)

	swept, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	swept, err = f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweeperLoopRunsUntilStopped(t *testing.T) {
	f := newSweeperFixture(t, WithSweepInterval(5*time.Millisecond))
	ctx := context.Background()

	stale := f.seed(t, "wallet:adjust", -time.Hour)

	stop := f.sweeper.Start(ctx)
	defer stop()

	require.Eventually(t, func() bool {
		got, err := f.store.FindByID(ctx, stale.ID)
		return err == nil && got.Status == model.ApprovalExpired
	}, time.Second, 5*time.Millisecond)
}

func TestSweeperRacesDeciderSafely(t *testing.T) {
	f := newSweeperFixture(t)
	ctx := context.Background()

	// The decider's transition landed first; the sweep must treat the loss
	// as a no-op rather than an error.
	req := f.seed(t, "wallet:adjust", -time.Hour)
	approver := "u2"
	_, err := f.store.TransitionIfPending(ctx, req.ID, model.ApprovalApproved, func(r *model.ApprovalRequest) {
		r.ApproverID = &approver
	})
	require.NoError(t, err)

	swept, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := f.store.FindByID(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, got.Status)
}
