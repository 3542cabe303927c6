// Package role defines the closed set of account roles and resolves the
// effective role of an account.
package role

import "strings"

// Role is an access level governing which areas an account may reach.
type Role string

const (
	Admin                 Role = "admin"
	Owner                 Role = "owner"
	Tenant                Role = "tenant"
	MaintenanceSpecialist Role = "maintenance_specialist"
	InsuranceSpecialist   Role = "insurance_specialist"
	LegalSpecialist       Role = "legal_specialist"
)

// Default is the role of an account with no other signal.
const Default = Tenant

var all = []Role{Admin, Owner, Tenant, MaintenanceSpecialist, InsuranceSpecialist, LegalSpecialist}

// All returns every defined role in a stable order.
func All() []Role {
	out := make([]Role, len(all))
	copy(out, all)
	return out
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	for _, v := range all {
		if r == v {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// Parse converts s to a Role. Hyphenated spellings such as
// "maintenance-specialist" are accepted.
func Parse(s string) (Role, bool) {
	r := Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !r.Valid() {
		return "", false
	}
	return r, true
}

// Area returns the path prefix owned by the role, e.g. "/owner".
func (r Role) Area() string {
	switch r {
	case Admin:
		return "/admin"
	case Owner:
		return "/owner"
	case MaintenanceSpecialist:
		return "/maintenance"
	case InsuranceSpecialist:
		return "/insurance"
	case LegalSpecialist:
		return "/legal"
	default:
		return "/tenant"
	}
}

// LandingPath is the page a role is sent to after sign-in or when it
// requests a path it may not see.
func (r Role) LandingPath() string {
	return r.Area() + "/dashboard"
}
