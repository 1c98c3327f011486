// Package identity supplies the (userID, role) pairs the engine trusts as
// given. It is the external identity source at the boundary: a static
// operator directory loaded at startup, never a business-domain user table.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"backend/internal/registry"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials hides whether the username or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid username or password")

// Operator is one human allowed to talk to the approval API.
type Operator struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	PasswordHash string `json:"password_hash"` // bcrypt
}

// Directory is the read-only operator lookup built at process start.
type Directory struct {
	byUsername map[string]Operator
}

// New builds a directory, rejecting duplicate usernames and empty ids.
func New(operators []Operator) (*Directory, error) {
	byUsername := make(map[string]Operator, len(operators))
	for i, op := range operators {
		if op.ID == "" || op.Username == "" || op.Role == "" {
			return nil, fmt.Errorf("operator %d is missing id, username or role", i)
		}
		if _, exists := byUsername[op.Username]; exists {
			return nil, fmt.Errorf("duplicate operator username %q", op.Username)
		}
		byUsername[op.Username] = op
	}
	return &Directory{byUsername: byUsername}, nil
}

// LoadFile reads the operator table from a JSON config file.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operators config: %w", err)
	}
	var operators []Operator
	if err := json.Unmarshal(data, &operators); err != nil {
		return nil, fmt.Errorf("failed to parse operators config: %w", err)
	}
	return New(operators)
}

// Authenticate verifies a username/password pair and returns the operator.
func (d *Directory) Authenticate(username, password string) (Operator, error) {
	op, ok := d.byUsername[username]
	if !ok {
		return Operator{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

// Lookup returns the operator registered under username.
func (d *Directory) Lookup(username string) (Operator, bool) {
	op, ok := d.byUsername[username]
	return op, ok
}

// Default returns a development-only directory. Every operator's password is
// their username; hashes are generated at startup so no plaintext ships in a
// config file.
func Default() *Directory {
	seed := []struct{ id, username, role string }{
		{"op-admin", "admin", registry.RoleSuperAdmin},
		{"op-treasury", "treasury", registry.RoleTreasuryOfficer},
		{"op-compliance", "compliance", registry.RoleComplianceOfficer},
		{"op-support", "support", registry.RoleSupportAgent},
	}

	operators := make([]Operator, 0, len(seed))
	for _, s := range seed {
		hash, err := bcrypt.GenerateFromPassword([]byte(s.username), bcrypt.DefaultCost)
		if err != nil {
			panic(err)
		}
		operators = append(operators, Operator{
			ID:           s.id,
			Username:     s.username,
			Role:         s.role,
			PasswordHash: string(hash),
		})
	}

	dir, err := New(operators)
	if err != nil {
		panic(err)
	}
	return dir
}
