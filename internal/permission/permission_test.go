package permission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestEffectiveRole(t *testing.T) {
	cases := []struct {
		name string
		m    *Membership
		want Role
	}{
		{name: "absent", m: nil, want: RoleNone},
		{name: "editor", m: &Membership{Role: RoleEditor}, want: RoleEditor},
		{name: "contractor delegates", m: &Membership{Role: RoleContractor, BaseRole: RoleAdmin}, want: RoleAdmin},
		{name: "contractor without base", m: &Membership{Role: RoleContractor}, want: RoleViewer},
		{name: "contractor with bogus base", m: &Membership{Role: RoleContractor, BaseRole: "root"}, want: RoleViewer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EffectiveRole(tc.m))
		})
	}
}

func TestIsActive(t *testing.T) {
	cases := []struct {
		name string
		m    *Membership
		want bool
	}{
		{name: "absent", m: nil, want: false},
		{name: "viewer", m: &Membership{Role: RoleViewer}, want: true},
		{name: "removed owner", m: &Membership{Role: RoleOwner, Status: StatusRemoved}, want: false},
		{name: "contractor future", m: &Membership{Role: RoleContractor, AccessUntil: now.Add(time.Hour).Format(time.RFC3339)}, want: true},
		{name: "contractor past", m: &Membership{Role: RoleContractor, AccessUntil: now.Add(-time.Hour).Format(time.RFC3339)}, want: false},
		{name: "contractor exactly now", m: &Membership{Role: RoleContractor, AccessUntil: now.Format(time.RFC3339)}, want: false},
		{name: "contractor missing window", m: &Membership{Role: RoleContractor}, want: false},
		{name: "contractor garbage window", m: &Membership{Role: RoleContractor, AccessUntil: "soon"}, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsActive(tc.m, now))
		})
	}
}

func TestPermissionsForThresholds(t *testing.T) {
	cases := []struct {
		role             Role
		rank             int
		view, edit       bool
		editFiles        bool
		manageMembers    bool
		manageFileAccess bool
	}{
		{role: RoleViewer, rank: 1, view: true},
		{role: RoleContributor, rank: 2, view: true, edit: true},
		{role: RoleEditor, rank: 3, view: true, edit: true, editFiles: true},
		{role: RoleAdmin, rank: 4, view: true, edit: true, editFiles: true, manageMembers: true, manageFileAccess: true},
		{role: RoleOwner, rank: 5, view: true, edit: true, editFiles: true, manageMembers: true, manageFileAccess: true},
	}

	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			p := PermissionsFor(&Membership{Identity: "u", Role: tc.role}, now)
			assert.Equal(t, tc.role, p.Role)
			assert.Equal(t, tc.rank, p.Rank)
			assert.True(t, p.Active)
			assert.Equal(t, tc.view, p.CanView)
			assert.Equal(t, tc.view, p.CanDownload)
			assert.Equal(t, tc.edit, p.CanEdit)
			assert.Equal(t, tc.edit, p.CanUpload)
			assert.Equal(t, tc.editFiles, p.CanEditFiles)
			assert.Equal(t, tc.manageMembers, p.CanManageMembers)
			assert.Equal(t, tc.manageFileAccess, p.CanManageFileAccess)
		})
	}
}

func TestPermissionsForAbsentMembership(t *testing.T) {
	assert.Equal(t, Permission{}, PermissionsFor(nil, now))
}

func TestContractorExpiryIsAViewFilter(t *testing.T) {
	m := &Membership{
		Identity:    "contractor-1",
		Role:        RoleContractor,
		BaseRole:    RoleEditor,
		AccessUntil: now.Add(-24 * time.Hour).Format(time.RFC3339),
		Status:      StatusActive,
	}

	expired := PermissionsFor(m, now)
	assert.Equal(t, 0, expired.Rank)
	assert.False(t, expired.Active)
	assert.False(t, expired.CanView)
	assert.False(t, expired.CanEdit)
	assert.False(t, expired.CanUpload)
	assert.False(t, expired.CanDownload)
	assert.False(t, expired.CanEditFiles)
	assert.False(t, expired.CanManageMembers)
	assert.False(t, expired.CanManageFileAccess)
	// Stored fields stay intact for display.
	assert.Equal(t, RoleEditor, expired.Role)
	assert.Equal(t, RoleContractor, m.Role)
	assert.Equal(t, RoleEditor, m.BaseRole)

	m.AccessUntil = now.Add(24 * time.Hour).Format(time.RFC3339)
	restored := PermissionsFor(m, now)
	assert.Equal(t, PermissionsFor(&Membership{Role: RoleEditor}, now), restored)
}

func TestRoster(t *testing.T) {
	r := Roster{
		{Identity: "alice", Role: RoleOwner},
		{Identity: "bob", Role: RoleContractor, BaseRole: RoleContributor, AccessUntil: now.Add(-time.Minute).Format(time.RFC3339)},
		{Identity: "carol", Role: RoleViewer},
	}

	assert.Nil(t, r.Find("mallory"))
	assert.True(t, r.PermissionsFor("alice", now).CanManageMembers)
	assert.False(t, r.PermissionsFor("bob", now).CanView)
	assert.False(t, r.PermissionsFor("mallory", now).CanView)

	active := r.Active(now)
	require.Len(t, active, 2)
	assert.Equal(t, "alice", active[0].Identity)
	assert.Equal(t, "carol", active[1].Identity)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, RoleAdmin, Normalize(" Admin "))
	assert.Equal(t, RoleContractor, Normalize("contractor"))
	assert.Equal(t, RoleViewer, Normalize("superuser"))
}

func TestParseAccessUntil(t *testing.T) {
	got, err := ParseAccessUntil("2026-12-31T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseAccessUntil("2026-11-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 11, 1, 23, 59, 59, 0, time.UTC), got)

	got, err = ParseAccessUntil("in 2 weeks", now)
	require.NoError(t, err)
	assert.True(t, got.After(now.Add(13*24*time.Hour)), "got %v", got)

	_, err = ParseAccessUntil("", now)
	assert.Error(t, err)
	_, err = ParseAccessUntil("banana", now)
	assert.Error(t, err)
}

func TestLoadGrants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.toml")
	content := `
[[document]]
collection = "projects"
id = "p-1"

  [[document.member]]
  identity = "alice"
  role = "Owner"

  [[document.member]]
  identity = "bob"
  role = "contractor"
  base_role = "editor"
  access_until = "2026-12-31T00:00:00Z"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	f, err := LoadGrants(path)
	require.NoError(t, err)
	require.Len(t, f.Documents, 1)
	doc := f.Documents[0]
	assert.Equal(t, "projects", doc.Collection)
	require.Len(t, doc.Members, 2)
	assert.Equal(t, RoleOwner, doc.Members[0].Role)
	assert.Equal(t, StatusActive, doc.Members[0].Status)
	assert.Equal(t, RoleEditor, doc.Members[1].BaseRole)
	assert.True(t, Roster(doc.Members).PermissionsFor("bob", now).CanEditFiles)
}

func TestLoadGrantsRejectsAnonymousMember(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.toml")
	content := `
[[document]]
collection = "projects"
id = "p-1"

  [[document.member]]
  role = "viewer"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadGrants(path)
	assert.Error(t, err)
}
