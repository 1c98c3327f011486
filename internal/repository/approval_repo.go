package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotPending is returned by TransitionIfPending when the record has
// already left PENDING — the caller lost the race or the request was decided
// earlier.
var ErrNotPending = errors.New("approval request is no longer pending")

// ApprovalFilter narrows List results. Zero values mean "no restriction";
// a non-nil empty Permissions slice matches nothing.
type ApprovalFilter struct {
	Status         string
	Permissions    []string
	ExpiringBefore *time.Time
	Page           int
	Limit          int // 0 disables pagination
}

// ApprovalStore is the persistence contract for approval requests.
// TransitionIfPending is the one operation that matters: it must atomically
// verify the record is still PENDING before applying the mutation, so that
// exactly one of N concurrent deciders wins.
type ApprovalStore interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error)
	List(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, int64, error)
	TransitionIfPending(ctx context.Context, id uuid.UUID, target string, mutate func(*model.ApprovalRequest)) (*model.ApprovalRequest, error)
}

type approvalRepository struct {
	db *gorm.DB
	tx TransactionManager
}

// NewApprovalRepository returns the gorm/postgres-backed store.
func NewApprovalRepository(db *gorm.DB) ApprovalStore {
	return &approvalRepository{db: db, tx: NewTransactionManager(db)}
}

func (r *approvalRepository) Create(ctx context.Context, req *model.ApprovalRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	// A primary-key collision propagates as a hard failure; the id scheme
	// makes it effectively impossible, but it must never be absorbed.
	if err := GetDB(ctx, r.db).Create(req).Error; err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

func (r *approvalRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	if err := GetDB(ctx, r.db).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *approvalRepository) List(ctx context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, int64, error) {
	db := GetDB(ctx, r.db)

	apply := func(q *gorm.DB) *gorm.DB {
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.Permissions != nil {
			q = q.Where("permission IN ?", filter.Permissions)
		}
		if filter.ExpiringBefore != nil {
			q = q.Where("expires_at < ?", *filter.ExpiringBefore)
		}
		return q
	}

	var total int64
	if err := apply(db.Model(&model.ApprovalRequest{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := apply(db).Order("created_at DESC")
	if filter.Limit > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.Limit).Limit(filter.Limit)
	}

	var requests []model.ApprovalRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// TransitionIfPending locks the row FOR UPDATE inside a transaction, so the
// status check and write are a single atomic step. Concurrent deciders
// serialize on the row lock; whoever commits first wins and every later
// caller observes the terminal status and gets ErrNotPending. A plain
// read-then-write would let two callers both observe PENDING and both win.
func (r *approvalRepository) TransitionIfPending(ctx context.Context, id uuid.UUID, target string, mutate func(*model.ApprovalRequest)) (*model.ApprovalRequest, error) {
	var updated model.ApprovalRequest
	err := r.tx.RunInTx(ctx, func(txCtx context.Context) error {
		db := GetDB(txCtx, r.db)

		var req model.ApprovalRequest
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&req, "id = ?", id).Error; err != nil {
			return err
		}
		if req.Status != model.ApprovalPending {
			return ErrNotPending
		}

		mutate(&req)
		req.Status = target
		if err := db.Save(&req).Error; err != nil {
			return fmt.Errorf("failed to transition approval request: %w", err)
		}
		updated = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
