package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// Well-known operator roles referenced by the default action table.
const (
	RoleSuperAdmin        = "super_admin"
	RoleComplianceOfficer = "compliance_officer"
	RoleTreasuryOfficer   = "treasury_officer"
	RoleSupportAgent      = "support_agent"
)

// ActionDefinition describes one protected action: who may propose it, who
// may confirm it, and an optional advisory threshold. Immutable after load.
type ActionDefinition struct {
	Permission     string           `json:"permission"`
	Description    string           `json:"description"`
	InitiatorRoles []string         `json:"initiator_roles"`
	ApproverRoles  []string         `json:"approver_roles"`
	Threshold      *decimal.Decimal `json:"threshold,omitempty"` // advisory amount, never enforced against the payload
	ThresholdNote  string           `json:"threshold_note,omitempty"`
}

// CanInitiate reports whether role may propose this action.
func (d *ActionDefinition) CanInitiate(role string) bool {
	return containsRole(d.InitiatorRoles, role)
}

// CanApprove reports whether role may decide this action.
func (d *ActionDefinition) CanApprove(role string) bool {
	return containsRole(d.ApproverRoles, role)
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Registry is the startup-loaded lookup table mapping a permission key to its
// ActionDefinition. Read-only after construction; injected into the engine
// rather than reached for globally.
type Registry struct {
	actions map[string]*ActionDefinition
}

// New builds a registry from definitions, rejecting duplicates and entries
// with empty role sets.
func New(defs []ActionDefinition) (*Registry, error) {
	actions := make(map[string]*ActionDefinition, len(defs))
	for i := range defs {
		def := defs[i]
		if def.Permission == "" {
			return nil, fmt.Errorf("action definition %d has an empty permission key", i)
		}
		if _, exists := actions[def.Permission]; exists {
			return nil, fmt.Errorf("duplicate action definition for permission %q", def.Permission)
		}
		if len(def.InitiatorRoles) == 0 || len(def.ApproverRoles) == 0 {
			return nil, fmt.Errorf("action %q must declare at least one initiator and one approver role", def.Permission)
		}
		actions[def.Permission] = &def
	}
	return &Registry{actions: actions}, nil
}

// LoadFile reads action definitions from a JSON config file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read actions config: %w", err)
	}
	var defs []ActionDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse actions config: %w", err)
	}
	return New(defs)
}

// Lookup resolves a permission key. Pure and side-effect free.
func (r *Registry) Lookup(permission string) (*ActionDefinition, bool) {
	def, ok := r.actions[permission]
	return def, ok
}

// PermissionsApprovableBy returns the permission keys whose approver set
// contains role. Used to scope pending-request listings so a role with no
// stake in an action never sees it queued.
func (r *Registry) PermissionsApprovableBy(role string) []string {
	perms := make([]string, 0, len(r.actions))
	for key, def := range r.actions {
		if def.CanApprove(role) {
			perms = append(perms, key)
		}
	}
	return perms
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	return len(r.actions)
}

// Default returns the built-in action table used when no config file is
// supplied.
func Default() *Registry {
	walletThreshold := decimal.NewFromInt(100)
	reg, err := New([]ActionDefinition{
		{
			Permission:     "wallet:adjust",
			Description:    "Manually adjust a wallet balance",
			InitiatorRoles: []string{RoleTreasuryOfficer},
			ApproverRoles:  []string{RoleSuperAdmin},
			Threshold:      &walletThreshold,
			ThresholdNote:  "adjustments above 100 units require dual control",
		},
		{
			Permission:     "tx:reverse",
			Description:    "Reverse a settled transaction",
			InitiatorRoles: []string{RoleTreasuryOfficer, RoleSupportAgent},
			ApproverRoles:  []string{RoleSuperAdmin, RoleComplianceOfficer},
		},
		{
			Permission:     "account:freeze",
			Description:    "Freeze a customer account",
			InitiatorRoles: []string{RoleSupportAgent, RoleComplianceOfficer},
			ApproverRoles:  []string{RoleSuperAdmin, RoleComplianceOfficer},
		},
		{
			Permission:     "user:role_change",
			Description:    "Change an operator's role assignment",
			InitiatorRoles: []string{RoleSuperAdmin},
			ApproverRoles:  []string{RoleSuperAdmin},
		},
	})
	if err != nil {
		// The built-in table is static; a construction failure is a programming error.
		panic(err)
	}
	return reg
}
