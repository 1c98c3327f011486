package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"backend/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// memoryStore is an in-process ApprovalStore for tests and single-node
// deployments (STORE_DRIVER=memory). One mutex guards the whole map, so the
// check-and-mutate inside TransitionIfPending is trivially atomic.
type memoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*model.ApprovalRequest
}

// NewMemoryStore returns an empty in-memory ApprovalStore.
func NewMemoryStore() ApprovalStore {
	return &memoryStore{records: make(map[uuid.UUID]*model.ApprovalRequest)}
}

func (s *memoryStore) Create(_ context.Context, req *model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if _, exists := s.records[req.ID]; exists {
		return fmt.Errorf("failed to create approval request: duplicate id %s", req.ID)
	}
	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	stored := *req
	s.records[req.ID] = &stored
	return nil
}

func (s *memoryStore) FindByID(_ context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *req
	return &copied, nil
}

func (s *memoryStore) List(_ context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]model.ApprovalRequest, 0, len(s.records))
	for _, req := range s.records {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.Permissions != nil && !containsString(filter.Permissions, req.Permission) {
			continue
		}
		if filter.ExpiringBefore != nil && !req.ExpiresAt.Before(*filter.ExpiringBefore) {
			continue
		}
		matched = append(matched, *req)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if filter.Limit > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		start := (page - 1) * filter.Limit
		if start >= len(matched) {
			return []model.ApprovalRequest{}, total, nil
		}
		end := start + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (s *memoryStore) TransitionIfPending(_ context.Context, id uuid.UUID, target string, mutate func(*model.ApprovalRequest)) (*model.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.records[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if req.Status != model.ApprovalPending {
		return nil, ErrNotPending
	}

	mutate(req)
	req.Status = target
	req.UpdatedAt = time.Now()

	copied := *req
	return &copied, nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// memoryAuditRepository keeps audit entries in memory; used alongside the
// memory store so the audit trail stays queryable in dev mode.
type memoryAuditRepository struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

// NewMemoryAuditRepository returns an in-process AuditRepository.
func NewMemoryAuditRepository() AuditRepository {
	return &memoryAuditRepository{}
}

func (r *memoryAuditRepository) Log(_ context.Context, entry *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *memoryAuditRepository) List(_ context.Context, page, limit int) ([]model.AuditLog, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := int64(len(r.entries))
	ordered := make([]model.AuditLog, len(r.entries))
	copy(ordered, r.entries)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(ordered) {
		return []model.AuditLog{}, total, nil
	}
	end := start + limit
	if end > len(ordered) {
		end = len(ordered)
	}
	return ordered[start:end], total, nil
}
