package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"backend/internal/model"
	"backend/internal/registry"
	"backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a controllable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingAuditRepo simulates an unreachable audit sink.
type failingAuditRepo struct{}

func (failingAuditRepo) Log(context.Context, *model.AuditLog) error {
	return errors.New("audit sink unavailable")
}

func (failingAuditRepo) List(context.Context, int, int) ([]model.AuditLog, int64, error) {
	return nil, 0, errors.New("audit sink unavailable")
}

type engineFixture struct {
	engine ApprovalService
	store  repository.ApprovalStore
	audit  repository.AuditRepository
	clock  *testClock
}

func newEngineFixture(t *testing.T, options ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store: repository.NewMemoryStore(),
		audit: repository.NewMemoryAuditRepository(),
		clock: newTestClock(),
	}
	opts := append([]Option{WithClock(f.clock.Now)}, options...)
	f.engine = NewApprovalService(f.store, NewAuditService(f.audit), registry.Default(), opts...)
	return f
}

func (f *engineFixture) initiate(t *testing.T, permission, initiatorID, initiatorRole string) InitiateResult {
	t.Helper()
	result, err := f.engine.Initiate(context.Background(), initiatorID, initiatorRole, InitiateRequestDTO{
		Permission: permission,
		Payload:    map[string]interface{}{"walletId": "w1", "delta": 500},
		Reason:     "manual correction",
	})
	require.NoError(t, err)
	return result
}

func (f *engineFixture) auditActions(t *testing.T) []string {
	t.Helper()
	entries, _, err := f.audit.List(context.Background(), 1, 100)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestInitiateCreatesPendingRequest(t *testing.T) {
	f := newEngineFixture(t)

	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)
	assert.NotEmpty(t, result.RequestID)

	expiresAt, err := time.Parse(time.RFC3339, result.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), expiresAt)

	record, err := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, record.Status)
	assert.Equal(t, "u1", record.InitiatorID)
	assert.Equal(t, registry.RoleTreasuryOfficer, record.InitiatorRole)
	assert.Equal(t, "w1", record.Payload["walletId"])

	assert.Contains(t, f.auditActions(t), model.ActionInitiateApproval)
}

func TestInitiateUnknownActionCreatesNothing(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Initiate(context.Background(), "u1", registry.RoleTreasuryOfficer, InitiateRequestDTO{
		Permission: "nuke:everything",
		Payload:    map[string]interface{}{},
	})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, total, listErr := f.store.List(context.Background(), repository.ApprovalFilter{})
	require.NoError(t, listErr)
	assert.Zero(t, total)
}

func TestInitiateRoleNotAuthorized(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Initiate(context.Background(), "u1", registry.RoleSupportAgent, InitiateRequestDTO{
		Permission: "wallet:adjust",
		Payload:    map[string]interface{}{},
	})
	assert.ErrorIs(t, err, ErrRoleNotAuthorized)
}

func TestApproveSelfApprovalForbidden(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	// Even the most privileged role cannot bypass two-person integrity.
	for _, role := range []string{
		registry.RoleSuperAdmin,
		registry.RoleComplianceOfficer,
		registry.RoleTreasuryOfficer,
		registry.RoleSupportAgent,
	} {
		_, err := f.engine.Approve(context.Background(), result.RequestID, "u1", role, "")
		assert.ErrorIs(t, err, ErrSelfApproval, "role %s", role)
	}

	record, err := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalPending, record.Status)
}

func TestApproveRoleNotAuthorized(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	_, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSupportAgent, "")
	assert.ErrorIs(t, err, ErrRoleNotAuthorized)
}

func TestApproveSucceedsThenAlreadyDecided(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	record, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, record.Status)
	require.NotNil(t, record.ApproverID)
	assert.Equal(t, "u2", *record.ApproverID)
	require.NotNil(t, record.ApproverRole)
	assert.Equal(t, registry.RoleSuperAdmin, *record.ApproverRole)
	assert.NotNil(t, record.DecidedAt)

	_, err = f.engine.Approve(context.Background(), result.RequestID, "u3", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	assert.Contains(t, f.auditActions(t), model.ActionApproveRequest)
}

func TestApproveNotFound(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Approve(context.Background(), "3b9f6a50-0000-0000-0000-000000000000", "u2", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Approve(context.Background(), "not-a-uuid", "u2", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveExpiredEagerlyTransitions(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	f.clock.Advance(25 * time.Hour)

	_, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrExpired)

	// The record moved to EXPIRED even though no sweep has run.
	record, getErr := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, getErr)
	assert.Equal(t, model.ApprovalExpired, record.Status)

	// Retrying keeps reporting expiry, not a spurious decision.
	_, err = f.engine.Approve(context.Background(), result.RequestID, "u3", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrExpired)

	assert.Contains(t, f.auditActions(t), model.ActionExpireRequest)
}

func TestApproveAfterDeadlineOnDecidedRecord(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	_, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "")
	require.NoError(t, err)

	// Deadline passing after a decision does not rewrite history.
	f.clock.Advance(25 * time.Hour)
	_, err = f.engine.Approve(context.Background(), result.RequestID, "u3", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	record, getErr := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, getErr)
	assert.Equal(t, model.ApprovalApproved, record.Status)
}

func TestConcurrentApproversExactlyOneWins(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	const approvers = 16
	var wg sync.WaitGroup
	errs := make(chan error, approvers)

	for i := 0; i < approvers; i++ {
		approverID := string(rune('a' + i))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Approve(context.Background(), result.RequestID, "approver-"+id, registry.RoleSuperAdmin, "")
			errs <- err
		}(approverID)
	}
	wg.Wait()
	close(errs)

	wins, losses := 0, 0
	for err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrAlreadyDecided)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, approvers-1, losses)

	record, err := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, record.Status)
}

func TestRejectRecordsReason(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	record, err := f.engine.Reject(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "amount looks wrong")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, record.Status)
	assert.Equal(t, "amount looks wrong", record.RejectionReason)

	_, err = f.engine.Approve(context.Background(), result.RequestID, "u3", registry.RoleSuperAdmin, "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	assert.Contains(t, f.auditActions(t), model.ActionRejectRequest)
}

func TestRejectRequiresApproverRole(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	_, err := f.engine.Reject(context.Background(), result.RequestID, "u2", registry.RoleSupportAgent, "no")
	assert.ErrorIs(t, err, ErrRoleNotAuthorized)
}

func TestRejectOwnRequestAllowed(t *testing.T) {
	f := newEngineFixture(t)

	// compliance_officer may both initiate and approve account:freeze, so the
	// initiator can withdraw their own proposal.
	result, err := f.engine.Initiate(context.Background(), "u1", registry.RoleComplianceOfficer, InitiateRequestDTO{
		Permission: "account:freeze",
		Payload:    map[string]interface{}{"accountId": "a1"},
	})
	require.NoError(t, err)

	record, err := f.engine.Reject(context.Background(), result.RequestID, "u1", registry.RoleComplianceOfficer, "raised by mistake")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalRejected, record.Status)
}

func TestListPendingScopedByRole(t *testing.T) {
	f := newEngineFixture(t)

	f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)
	reverse, err := f.engine.Initiate(context.Background(), "u1", registry.RoleTreasuryOfficer, InitiateRequestDTO{
		Permission: "tx:reverse",
		Payload:    map[string]interface{}{"txId": "t1"},
	})
	require.NoError(t, err)

	// wallet:adjust is approvable by super_admin only; a compliance officer
	// must not see it queued.
	scoped, total, err := f.engine.ListPending(context.Background(), registry.RoleComplianceOfficer, 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, scoped, 1)
	assert.Equal(t, "tx:reverse", scoped[0].Permission)
	assert.Equal(t, reverse.RequestID, scoped[0].ID)

	// Empty role is the privileged view-everything mode.
	all, total, err := f.engine.ListPending(context.Background(), "", 1, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, all, 2)

	// A role with no approvable actions sees an empty queue.
	none, total, err := f.engine.ListPending(context.Background(), registry.RoleTreasuryOfficer, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func TestGetByIDStableOnTerminalRecord(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	_, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "ok")
	require.NoError(t, err)

	first, err := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	second, err := f.engine.GetByID(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAuditFailureDoesNotBlockDecision(t *testing.T) {
	store := repository.NewMemoryStore()
	clock := newTestClock()
	engine := NewApprovalService(store, NewAuditService(failingAuditRepo{}), registry.Default(), WithClock(clock.Now))

	result, err := engine.Initiate(context.Background(), "u1", registry.RoleTreasuryOfficer, InitiateRequestDTO{
		Permission: "wallet:adjust",
		Payload:    map[string]interface{}{"walletId": "w1"},
	})
	require.NoError(t, err)

	record, err := engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "")
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, record.Status)
}

func TestApprovedResponseCarriesPayloadAndThreshold(t *testing.T) {
	f := newEngineFixture(t)
	result := f.initiate(t, "wallet:adjust", "u1", registry.RoleTreasuryOfficer)

	record, err := f.engine.Approve(context.Background(), result.RequestID, "u2", registry.RoleSuperAdmin, "")
	require.NoError(t, err)

	// The payload survives the round trip untouched so the downstream
	// executor can act on it.
	assert.Equal(t, "w1", record.Payload["walletId"])
	assert.EqualValues(t, 500, record.Payload["delta"])
	assert.Equal(t, "100.00", record.Threshold)
	assert.Equal(t, "Manually adjust a wallet balance", record.Description)
}
