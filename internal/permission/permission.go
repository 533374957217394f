// Package permission resolves document memberships into effective roles and
// capabilities.
//
// Every function here is pure and total: it never mutates a membership, never
// fails, and is cheap enough to call at every decision point. Expiry of a
// contractor grant is a view over the stored membership, not a data change, so
// extending AccessUntil restores access on the very next call.
package permission

import (
	"strings"
	"time"
)

// Role is a membership role.
type Role string

const (
	RoleNone        Role = ""
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleAdmin       Role = "admin"
	RoleOwner       Role = "owner"

	// RoleContractor is not ranked itself; it delegates to BaseRole while
	// the grant's access window is open.
	RoleContractor Role = "contractor"
)

// Status is the lifecycle state of a membership record.
type Status string

const (
	StatusActive  Status = "active"
	StatusInvited Status = "invited"
	// StatusRemoved revokes a membership while keeping the record.
	StatusRemoved Status = "removed"
)

// Membership grants an identity a role on one document.
type Membership struct {
	Identity string `json:"identity" toml:"identity"`
	Role     Role   `json:"role" toml:"role"`
	BaseRole Role   `json:"baseRole,omitempty" toml:"base_role"`
	// AccessUntil is an RFC 3339 timestamp. It is kept as text so an
	// unparseable value can be stored and resolves to "expired".
	AccessUntil string `json:"accessUntil,omitempty" toml:"access_until"`
	Status      Status `json:"status,omitempty" toml:"status"`
}

// Permission is the resolved capability set of a membership at one instant.
type Permission struct {
	Role                Role `json:"role"`
	Rank                int  `json:"rank"`
	Active              bool `json:"active"`
	CanView             bool `json:"canView"`
	CanEdit             bool `json:"canEdit"`
	CanUpload           bool `json:"canUpload"`
	CanDownload         bool `json:"canDownload"`
	CanEditFiles        bool `json:"canEditFiles"`
	CanManageMembers    bool `json:"canManageMembers"`
	CanManageFileAccess bool `json:"canManageFileAccess"`
}

var ranks = map[Role]int{
	RoleViewer:      1,
	RoleContributor: 2,
	RoleEditor:      3,
	RoleAdmin:       4,
	RoleOwner:       5,
}

// Roles lists the ranked roles from lowest to highest.
func Roles() []Role {
	return []Role{RoleViewer, RoleContributor, RoleEditor, RoleAdmin, RoleOwner}
}

// Rank returns the numeric rank of a ranked role, 0 for anything else.
func Rank(r Role) int {
	return ranks[r]
}

// Normalize maps free-form input to a known role. Unknown values fall back to
// the lowest rank.
func Normalize(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == RoleContractor {
		return r
	}
	if _, ok := ranks[r]; ok {
		return r
	}
	return RoleViewer
}

// EffectiveRole resolves contractor delegation. A nil membership has no role.
func EffectiveRole(m *Membership) Role {
	if m == nil {
		return RoleNone
	}
	if m.Role == RoleContractor {
		if Rank(m.BaseRole) == 0 {
			return RoleViewer
		}
		return m.BaseRole
	}
	return m.Role
}

// IsActive reports whether m grants anything at now. Contractor grants are
// active only while AccessUntil is present, parseable and strictly in the
// future. Other roles stay active until the record is removed.
func IsActive(m *Membership, now time.Time) bool {
	if m == nil {
		return false
	}
	if m.Status == StatusRemoved {
		return false
	}
	if m.Role != RoleContractor {
		return true
	}
	until, ok := AccessUntil(m)
	if !ok {
		return false
	}
	return now.Before(until)
}

// AccessUntil parses the membership's access window end.
func AccessUntil(m *Membership) (time.Time, bool) {
	if m == nil || strings.TrimSpace(m.AccessUntil) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(m.AccessUntil))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// PermissionsFor resolves m at now. Absent or inactive memberships resolve to
// rank 0 with every capability false; an inactive record still reports its
// stored effective role for display.
func PermissionsFor(m *Membership, now time.Time) Permission {
	p := Permission{Role: EffectiveRole(m)}
	if !IsActive(m, now) {
		return p
	}

	rank := Rank(p.Role)
	p.Rank = rank
	p.Active = rank > 0
	p.CanView = rank >= Rank(RoleViewer)
	p.CanDownload = rank >= Rank(RoleViewer)
	p.CanEdit = rank >= Rank(RoleContributor)
	p.CanUpload = rank >= Rank(RoleContributor)
	p.CanEditFiles = rank >= Rank(RoleEditor)
	p.CanManageMembers = rank >= Rank(RoleAdmin)
	p.CanManageFileAccess = rank >= Rank(RoleAdmin)
	return p
}

// Roster is the membership list of one document.
type Roster []Membership

// Find returns the membership of identity, or nil.
func (r Roster) Find(identity string) *Membership {
	for i := range r {
		if r[i].Identity == identity {
			return &r[i]
		}
	}
	return nil
}

// PermissionsFor resolves the permissions of identity at now.
func (r Roster) PermissionsFor(identity string, now time.Time) Permission {
	return PermissionsFor(r.Find(identity), now)
}

// Active returns the memberships that grant access at now.
func (r Roster) Active(now time.Time) Roster {
	var out Roster
	for i := range r {
		if IsActive(&r[i], now) {
			out = append(out, r[i])
		}
	}
	return out
}
