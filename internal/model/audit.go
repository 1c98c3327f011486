package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit event kinds emitted by the approval engine
const (
	ActionInitiateApproval = "INITIATE_APPROVAL"
	ActionApproveRequest   = "APPROVE_REQUEST"
	ActionRejectRequest    = "REJECT_REQUEST"
	ActionExpireRequest    = "EXPIRE_REQUEST"
	ActionOperatorLogin    = "OPERATOR_LOGIN"
)

// AuditLog tracks Who, What, and When for every approval transition.
// Append-only; writes are best-effort and never block a decision.
type AuditLog struct {
	ID         uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	ActorID    *string   `gorm:"type:varchar(100);index" json:"actor_id"` // nil for the sweeper and other system actors
	ActorRole  string    `gorm:"type:varchar(50)" json:"actor_role,omitempty"`
	Action     string    `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string    `gorm:"type:varchar(50);index" json:"entity_id"`        // approval request id
	EntityName string    `gorm:"type:varchar(255)" json:"entity_name,omitempty"` // permission key for readability
	Details    string    `gorm:"type:jsonb" json:"details"`                      // serialized JSON payload of the event
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
