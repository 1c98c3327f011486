package service

import "errors"

// Failure taxonomy of the approval engine. Every failure is synchronous and
// typed; callers discriminate with errors.Is. ErrExpired and
// ErrAlreadyDecided are expected outcomes of normal concurrent use;
// ErrSelfApproval and ErrRoleNotAuthorized are policy denials.
var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrRoleNotAuthorized = errors.New("role not authorized for this action")
	ErrNotFound          = errors.New("approval request not found")
	ErrAlreadyDecided    = errors.New("approval request was already resolved")
	ErrExpired           = errors.New("approval request has expired")
	ErrSelfApproval      = errors.New("initiator cannot approve their own request")
)
