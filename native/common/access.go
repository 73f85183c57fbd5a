package common

import (
	"errors"
	"fmt"
	"sort"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Role names a privileged capability.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleHarvester Role = "harvester"
	RoleGuardian  Role = "guardian"
	RoleOracle    Role = "oracle"
	RoleOperator  Role = "operator"
)

var ErrUnauthorized = errors.New("unauthorized")

// AccessControl maps roles to the principals holding them. Each component is
// constructed with its own value so tests can assign roles freely.
type AccessControl struct {
	roles map[Role]map[ethcommon.Address]struct{}
}

// NewAccessControl creates an access control set with the supplied admins.
func NewAccessControl(admins ...ethcommon.Address) *AccessControl {
	ac := &AccessControl{roles: make(map[Role]map[ethcommon.Address]struct{})}
	for _, admin := range admins {
		ac.Grant(RoleAdmin, admin)
	}
	return ac
}

// Grant assigns the role to the principal.
func (a *AccessControl) Grant(role Role, who ethcommon.Address) {
	if a == nil || role == "" {
		return
	}
	if a.roles == nil {
		a.roles = make(map[Role]map[ethcommon.Address]struct{})
	}
	members, ok := a.roles[role]
	if !ok {
		members = make(map[ethcommon.Address]struct{})
		a.roles[role] = members
	}
	members[who] = struct{}{}
}

// Revoke removes the role from the principal.
func (a *AccessControl) Revoke(role Role, who ethcommon.Address) {
	if a == nil {
		return
	}
	if members, ok := a.roles[role]; ok {
		delete(members, who)
	}
}

// HasRole reports whether the principal holds the role. Admins implicitly
// hold every role.
func (a *AccessControl) HasRole(role Role, who ethcommon.Address) bool {
	if a == nil {
		return false
	}
	if _, ok := a.roles[role][who]; ok {
		return true
	}
	if role != RoleAdmin {
		_, ok := a.roles[RoleAdmin][who]
		return ok
	}
	return false
}

// Require returns ErrUnauthorized wrapped with the role name when the
// principal does not hold the role.
func (a *AccessControl) Require(role Role, who ethcommon.Address) error {
	if !a.HasRole(role, who) {
		return fmt.Errorf("%w: %s required for %s", ErrUnauthorized, role, who.Hex())
	}
	return nil
}

// Members lists the principals holding the role in a deterministic order.
func (a *AccessControl) Members(role Role) []ethcommon.Address {
	if a == nil {
		return nil
	}
	out := make([]ethcommon.Address, 0, len(a.roles[role]))
	for who := range a.roles[role] {
		out = append(out, who)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// RequireCaller returns ErrUnauthorized unless caller equals expected.
func RequireCaller(caller, expected ethcommon.Address, what string) error {
	if expected == (ethcommon.Address{}) || caller != expected {
		return fmt.Errorf("%w: caller %s is not the %s", ErrUnauthorized, caller.Hex(), what)
	}
	return nil
}
