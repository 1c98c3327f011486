package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryLookup(t *testing.T) {
	reg := Default()

	def, ok := reg.Lookup("wallet:adjust")
	require.True(t, ok)
	assert.Equal(t, "wallet:adjust", def.Permission)
	assert.True(t, def.CanInitiate(RoleTreasuryOfficer))
	assert.False(t, def.CanInitiate(RoleSupportAgent))
	assert.True(t, def.CanApprove(RoleSuperAdmin))
	assert.False(t, def.CanApprove(RoleComplianceOfficer))
	require.NotNil(t, def.Threshold)
	assert.Equal(t, "100", def.Threshold.String())

	_, ok = reg.Lookup("nuke:everything")
	assert.False(t, ok)
}

func TestNewRejectsDuplicatePermissions(t *testing.T) {
	_, err := New([]ActionDefinition{
		{Permission: "a:b", InitiatorRoles: []string{"x"}, ApproverRoles: []string{"y"}},
		{Permission: "a:b", InitiatorRoles: []string{"x"}, ApproverRoles: []string{"y"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewRejectsEmptyRoleSets(t *testing.T) {
	_, err := New([]ActionDefinition{
		{Permission: "a:b", InitiatorRoles: nil, ApproverRoles: []string{"y"}},
	})
	require.Error(t, err)

	_, err = New([]ActionDefinition{
		{Permission: "a:b", InitiatorRoles: []string{"x"}, ApproverRoles: nil},
	})
	require.Error(t, err)
}

func TestNewRejectsEmptyPermission(t *testing.T) {
	_, err := New([]ActionDefinition{
		{Permission: "", InitiatorRoles: []string{"x"}, ApproverRoles: []string{"y"}},
	})
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	config := `[
		{
			"permission": "wallet:adjust",
			"description": "Manually adjust a wallet balance",
			"initiator_roles": ["treasury_officer"],
			"approver_roles": ["super_admin"],
			"threshold": "250.50"
		}
	]`
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	def, ok := reg.Lookup("wallet:adjust")
	require.True(t, ok)
	require.NotNil(t, def.Threshold)
	assert.Equal(t, "250.50", def.Threshold.StringFixed(2))
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestPermissionsApprovableBy(t *testing.T) {
	reg := Default()

	perms := reg.PermissionsApprovableBy(RoleComplianceOfficer)
	assert.Contains(t, perms, "tx:reverse")
	assert.Contains(t, perms, "account:freeze")
	assert.NotContains(t, perms, "wallet:adjust")

	assert.Empty(t, reg.PermissionsApprovableBy("intern"))
}
