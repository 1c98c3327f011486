package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus enum constants. PENDING is the only non-terminal state.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
	ApprovalExpired  = "EXPIRED"
)

// ApprovalRequest is one dual-control request: a sensitive action proposed by
// one operator that a different eligible operator must confirm. The record is
// never deleted — once terminal it stays as an audit artifact.
type ApprovalRequest struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Permission      string     `gorm:"type:varchar(100);not null;index" json:"permission"` // key into the action registry
	Payload         string     `gorm:"type:jsonb;not null" json:"payload"`                 // opaque snapshot for the downstream executor
	Reason          string     `gorm:"type:text" json:"reason"`
	Status          string     `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	InitiatorID     string     `gorm:"type:varchar(100);not null;index" json:"initiator_id"`
	InitiatorRole   string     `gorm:"type:varchar(50);not null" json:"initiator_role"` // captured at proposal time
	ApproverID      *string    `gorm:"type:varchar(100)" json:"approver_id,omitempty"`
	ApproverRole    *string    `gorm:"type:varchar(50)" json:"approver_role,omitempty"` // captured at decision time
	DecisionNote    string     `gorm:"type:text" json:"decision_note,omitempty"`
	RejectionReason string     `gorm:"type:text" json:"rejection_reason,omitempty"`
	ExpiresAt       time.Time  `gorm:"not null;index" json:"expires_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the request has left PENDING for good.
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != ApprovalPending
}
