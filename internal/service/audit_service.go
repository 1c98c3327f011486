package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"backend/internal/model"
	"backend/internal/repository"
)

type AuditLogResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Action     string `json:"action"`
	EntityID   string `json:"entity_id"`
	EntityName string `json:"entity_name"`
	Details    string `json:"details"`
	CreatedAt  string `json:"created_at"`
}

// AuditService records approval transitions and serves the audit dashboard.
// Record is best-effort: a failed write is logged for out-of-band
// reconciliation and never surfaces to the decision path — the administrative
// intent already holds the moment the store transition commits.
type AuditService interface {
	Record(ctx context.Context, actorID *string, actorRole, action, entityID, entityName string, details map[string]interface{})
	GetAuditLogs(ctx context.Context, page, limit int) ([]AuditLogResponse, int64, error)
}

type auditService struct {
	repo repository.AuditRepository
}

// NewAuditService creates a new AuditService instance
func NewAuditService(repo repository.AuditRepository) AuditService {
	return &auditService{repo: repo}
}

func (s *auditService) Record(ctx context.Context, actorID *string, actorRole, action, entityID, entityName string, details map[string]interface{}) {
	payload, err := json.Marshal(details)
	if err != nil {
		log.Printf("audit: failed to serialize details for %s on %s: %v", action, entityID, err)
		payload = []byte("{}")
	}

	entry := model.AuditLog{
		ActorID:    actorID,
		ActorRole:  actorRole,
		Action:     action,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    string(payload),
	}
	if err := s.repo.Log(ctx, &entry); err != nil {
		log.Printf("audit: failed to write %s event for %s: %v", action, entityID, err)
	}
}

// GetAuditLogs retrieves strictly paginated audit records, newest first
func (s *auditService) GetAuditLogs(ctx context.Context, page, limit int) ([]AuditLogResponse, int64, error) {
	logs, total, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	res := make([]AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		actorID := "system"
		if l.ActorID != nil {
			actorID = *l.ActorID
		}
		res = append(res, AuditLogResponse{
			ID:         l.ID.String(),
			ActorID:    actorID,
			ActorRole:  l.ActorRole,
			Action:     l.Action,
			EntityID:   l.EntityID,
			EntityName: l.EntityName,
			Details:    l.Details,
			CreatedAt:  l.CreatedAt.Format(time.RFC3339),
		})
	}

	return res, total, nil
}
