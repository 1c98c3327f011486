package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/model"
	"backend/internal/registry"
	"backend/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTTL is the fixed decision window granted to every new request.
const DefaultTTL = 24 * time.Hour

// --- DTOs ---

type InitiateRequestDTO struct {
	Permission string                 `json:"permission" binding:"required"`
	Payload    map[string]interface{} `json:"payload" binding:"required"`
	Reason     string                 `json:"reason"`
}

type InitiateResult struct {
	RequestID string `json:"request_id"`
	ExpiresAt string `json:"expires_at"`
}

type ApproveRequestDTO struct {
	Note string `json:"note"`
}

type RejectRequestDTO struct {
	Reason string `json:"reason" binding:"required"`
}

type ApprovalRequestResponse struct {
	ID              string                 `json:"id"`
	Permission      string                 `json:"permission"`
	Description     string                 `json:"description,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
	Reason          string                 `json:"reason,omitempty"`
	Status          string                 `json:"status"`
	InitiatorID     string                 `json:"initiator_id"`
	InitiatorRole   string                 `json:"initiator_role"`
	ApproverID      *string                `json:"approver_id,omitempty"`
	ApproverRole    *string                `json:"approver_role,omitempty"`
	DecisionNote    string                 `json:"decision_note,omitempty"`
	RejectionReason string                 `json:"rejection_reason,omitempty"`
	Threshold       string                 `json:"threshold,omitempty"`
	CreatedAt       string                 `json:"created_at"`
	ExpiresAt       string                 `json:"expires_at"`
	DecidedAt       *string                `json:"decided_at,omitempty"`
}

// --- Interface ---

// ApprovalService is the dual-control state machine. It composes the action
// registry and the approval store and enforces every invariant: role
// authorization at both ends, strict initiator/approver separation, the
// expiry deadline, and the single-winner transition out of PENDING. It never
// executes the protected action itself — its output is the approved record
// plus the audit event a downstream executor consumes.
type ApprovalService interface {
	Initiate(ctx context.Context, initiatorID, initiatorRole string, req InitiateRequestDTO) (InitiateResult, error)
	Approve(ctx context.Context, id, approverID, approverRole, note string) (ApprovalRequestResponse, error)
	Reject(ctx context.Context, id, rejecterID, rejecterRole, reason string) (ApprovalRequestResponse, error)
	ListPending(ctx context.Context, approverRole string, page, limit int) ([]ApprovalRequestResponse, int64, error)
	GetByID(ctx context.Context, id string) (ApprovalRequestResponse, error)
}

type approvalService struct {
	store repository.ApprovalStore
	audit AuditService
	reg   *registry.Registry
	ttl   time.Duration
	now   func() time.Time
	hub   interface{ GetBroadcast() chan []byte } // optional websocket hub
}

// Option customizes the approval service.
type Option func(*approvalService)

// WithTTL overrides the decision window for new requests.
func WithTTL(ttl time.Duration) Option {
	return func(s *approvalService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects a time source; tests use it to cross the expiry deadline
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *approvalService) { s.now = now }
}

// WithHub attaches the websocket hub so dashboards see queue changes live.
func WithHub(hub interface{ GetBroadcast() chan []byte }) Option {
	return func(s *approvalService) { s.hub = hub }
}

func NewApprovalService(store repository.ApprovalStore, audit AuditService, reg *registry.Registry, options ...Option) ApprovalService {
	s := &approvalService{
		store: store,
		audit: audit,
		reg:   reg,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// --- Implementation ---

// Initiate records the intent to perform a protected action. It only writes
// the request; the action itself stays untouched until a second operator
// approves and a downstream executor picks up the approved event.
func (s *approvalService) Initiate(ctx context.Context, initiatorID, initiatorRole string, req InitiateRequestDTO) (InitiateResult, error) {
	def, ok := s.reg.Lookup(req.Permission)
	if !ok {
		return InitiateResult{}, fmt.Errorf("permission %q: %w", req.Permission, ErrUnknownAction)
	}
	if !def.CanInitiate(initiatorRole) {
		return InitiateResult{}, fmt.Errorf("role %q cannot initiate %q: %w", initiatorRole, req.Permission, ErrRoleNotAuthorized)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("failed to serialize payload: %w", err)
	}

	now := s.now()
	approval := model.ApprovalRequest{
		ID:            uuid.New(),
		Permission:    req.Permission,
		Payload:       string(payload),
		Reason:        req.Reason,
		Status:        model.ApprovalPending,
		InitiatorID:   initiatorID,
		InitiatorRole: initiatorRole,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}
	if err := s.store.Create(ctx, &approval); err != nil {
		return InitiateResult{}, err
	}

	s.audit.Record(ctx, &initiatorID, initiatorRole, model.ActionInitiateApproval, approval.ID.String(), req.Permission, map[string]interface{}{
		"permission": req.Permission,
		"reason":     req.Reason,
		"expires_at": approval.ExpiresAt.Format(time.RFC3339),
	})
	s.broadcast("approval.initiated", approval)

	return InitiateResult{
		RequestID: approval.ID.String(),
		ExpiresAt: approval.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// Approve confirms a pending request. Checks run in a fixed order, each with
// its own failure kind; the final store transition is the atomic step that
// guarantees exactly one decider wins.
func (s *approvalService) Approve(ctx context.Context, id, approverID, approverRole, note string) (ApprovalRequestResponse, error) {
	requestID, req, err := s.fetch(ctx, id)
	if err != nil {
		return ApprovalRequestResponse{}, err
	}

	now := s.now()
	if now.After(req.ExpiresAt) {
		return ApprovalRequestResponse{}, s.expireEagerly(ctx, requestID, req)
	}
	if req.IsTerminal() {
		return ApprovalRequestResponse{}, fmt.Errorf("approval request %s is already %s: %w", id, req.Status, ErrAlreadyDecided)
	}
	// The single most important guard: two-person integrity is strict
	// identity inequality, regardless of how privileged the role is.
	if approverID == req.InitiatorID {
		return ApprovalRequestResponse{}, fmt.Errorf("approval request %s: %w", id, ErrSelfApproval)
	}
	def, ok := s.reg.Lookup(req.Permission)
	if !ok {
		return ApprovalRequestResponse{}, fmt.Errorf("permission %q: %w", req.Permission, ErrUnknownAction)
	}
	if !def.CanApprove(approverRole) {
		return ApprovalRequestResponse{}, fmt.Errorf("role %q cannot approve %q: %w", approverRole, req.Permission, ErrRoleNotAuthorized)
	}

	updated, err := s.store.TransitionIfPending(ctx, requestID, model.ApprovalApproved, func(r *model.ApprovalRequest) {
		r.ApproverID = &approverID
		r.ApproverRole = &approverRole
		r.DecisionNote = note
		r.DecidedAt = &now
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotPending) {
			return ApprovalRequestResponse{}, fmt.Errorf("approval request %s: %w", id, ErrAlreadyDecided)
		}
		return ApprovalRequestResponse{}, err
	}

	// The approved event carries both identities and the original payload;
	// it is what the downstream executor consumes to carry out the action.
	s.audit.Record(ctx, &approverID, approverRole, model.ActionApproveRequest, updated.ID.String(), updated.Permission, map[string]interface{}{
		"permission":     updated.Permission,
		"initiator_id":   updated.InitiatorID,
		"initiator_role": updated.InitiatorRole,
		"approver_id":    approverID,
		"approver_role":  approverRole,
		"payload":        json.RawMessage(updated.Payload),
		"note":           note,
	})
	s.broadcast("approval.approved", *updated)

	return s.toResponse(*updated), nil
}

// Reject closes a pending request without executing anything. The rejecter's
// role must be in the approver set; self-rejection is allowed since an
// initiator withdrawing their own proposal is harmless.
func (s *approvalService) Reject(ctx context.Context, id, rejecterID, rejecterRole, reason string) (ApprovalRequestResponse, error) {
	requestID, req, err := s.fetch(ctx, id)
	if err != nil {
		return ApprovalRequestResponse{}, err
	}

	now := s.now()
	if now.After(req.ExpiresAt) {
		return ApprovalRequestResponse{}, s.expireEagerly(ctx, requestID, req)
	}
	if req.IsTerminal() {
		return ApprovalRequestResponse{}, fmt.Errorf("approval request %s is already %s: %w", id, req.Status, ErrAlreadyDecided)
	}
	def, ok := s.reg.Lookup(req.Permission)
	if !ok {
		return ApprovalRequestResponse{}, fmt.Errorf("permission %q: %w", req.Permission, ErrUnknownAction)
	}
	if !def.CanApprove(rejecterRole) {
		return ApprovalRequestResponse{}, fmt.Errorf("role %q cannot reject %q: %w", rejecterRole, req.Permission, ErrRoleNotAuthorized)
	}

	updated, err := s.store.TransitionIfPending(ctx, requestID, model.ApprovalRejected, func(r *model.ApprovalRequest) {
		r.ApproverID = &rejecterID
		r.ApproverRole = &rejecterRole
		r.RejectionReason = reason
		r.DecidedAt = &now
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotPending) {
			return ApprovalRequestResponse{}, fmt.Errorf("approval request %s: %w", id, ErrAlreadyDecided)
		}
		return ApprovalRequestResponse{}, err
	}

	s.audit.Record(ctx, &rejecterID, rejecterRole, model.ActionRejectRequest, updated.ID.String(), updated.Permission, map[string]interface{}{
		"permission":    updated.Permission,
		"initiator_id":  updated.InitiatorID,
		"rejecter_id":   rejecterID,
		"rejecter_role": rejecterRole,
		"reason":        reason,
	})
	s.broadcast("approval.rejected", *updated)

	return s.toResponse(*updated), nil
}

// ListPending returns the pending queue. With a role it is restricted to
// permissions that role may approve; without one it is the privileged
// view-everything mode.
func (s *approvalService) ListPending(ctx context.Context, approverRole string, page, limit int) ([]ApprovalRequestResponse, int64, error) {
	filter := repository.ApprovalFilter{
		Status: model.ApprovalPending,
		Page:   page,
		Limit:  limit,
	}
	if approverRole != "" {
		filter.Permissions = s.reg.PermissionsApprovableBy(approverRole)
	}

	requests, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pending approval requests: %w", err)
	}

	result := make([]ApprovalRequestResponse, 0, len(requests))
	for _, r := range requests {
		result = append(result, s.toResponse(r))
	}
	return result, total, nil
}

// GetByID is an unrestricted point lookup returning the full record,
// including the payload. Callers are assumed already trusted.
func (s *approvalService) GetByID(ctx context.Context, id string) (ApprovalRequestResponse, error) {
	_, req, err := s.fetch(ctx, id)
	if err != nil {
		return ApprovalRequestResponse{}, err
	}
	return s.toResponse(*req), nil
}

// --- Helpers ---

func (s *approvalService) fetch(ctx context.Context, id string) (uuid.UUID, *model.ApprovalRequest, error) {
	requestID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid approval request id %q: %w", id, ErrNotFound)
	}
	req, err := s.store.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, nil, fmt.Errorf("approval request %s: %w", id, ErrNotFound)
		}
		return uuid.Nil, nil, err
	}
	return requestID, req, nil
}

// expireEagerly drives a request whose deadline has lapsed to EXPIRED instead
// of merely reporting the fact, closing the race window before a slower
// concurrent decider can act on stale state. If the transition finds the
// record already terminal, the earlier outcome is authoritative.
func (s *approvalService) expireEagerly(ctx context.Context, requestID uuid.UUID, req *model.ApprovalRequest) error {
	now := s.now()
	expired, err := s.store.TransitionIfPending(ctx, requestID, model.ApprovalExpired, func(r *model.ApprovalRequest) {
		r.DecidedAt = &now
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotPending) {
			current, findErr := s.store.FindByID(ctx, requestID)
			if findErr == nil && current.Status != model.ApprovalExpired {
				return fmt.Errorf("approval request %s is already %s: %w", requestID, current.Status, ErrAlreadyDecided)
			}
			return fmt.Errorf("approval request %s: %w", requestID, ErrExpired)
		}
		return err
	}

	s.audit.Record(ctx, nil, "", model.ActionExpireRequest, expired.ID.String(), expired.Permission, map[string]interface{}{
		"permission": expired.Permission,
		"expires_at": expired.ExpiresAt.Format(time.RFC3339),
	})
	s.broadcast("approval.expired", *expired)

	return fmt.Errorf("approval request %s: %w", requestID, ErrExpired)
}

func (s *approvalService) broadcast(event string, req model.ApprovalRequest) {
	if s.hub == nil {
		return
	}
	msg, err := json.Marshal(map[string]interface{}{
		"event":      event,
		"request_id": req.ID.String(),
		"permission": req.Permission,
		"status":     req.Status,
	})
	if err != nil {
		return
	}
	// Fire-and-forget: a slow or absent dashboard must never delay a decision.
	select {
	case s.hub.GetBroadcast() <- msg:
	default:
	}
}

func (s *approvalService) toResponse(r model.ApprovalRequest) ApprovalRequestResponse {
	resp := ApprovalRequestResponse{
		ID:              r.ID.String(),
		Permission:      r.Permission,
		Reason:          r.Reason,
		Status:          r.Status,
		InitiatorID:     r.InitiatorID,
		InitiatorRole:   r.InitiatorRole,
		ApproverID:      r.ApproverID,
		ApproverRole:    r.ApproverRole,
		DecisionNote:    r.DecisionNote,
		RejectionReason: r.RejectionReason,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       r.ExpiresAt.Format(time.RFC3339),
	}

	if err := json.Unmarshal([]byte(r.Payload), &resp.Payload); err != nil {
		resp.Payload = map[string]interface{}{}
	}
	if def, ok := s.reg.Lookup(r.Permission); ok {
		resp.Description = def.Description
		if def.Threshold != nil {
			resp.Threshold = def.Threshold.StringFixed(2)
		}
	}
	if r.DecidedAt != nil {
		decided := r.DecidedAt.Format(time.RFC3339)
		resp.DecidedAt = &decided
	}

	return resp
}
