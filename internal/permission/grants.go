package permission

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// GrantsFile is the on-disk format of a membership grants file:
//
//	[[document]]
//	collection = "projects"
//	id = "p-1"
//
//	  [[document.member]]
//	  identity = "alice"
//	  role = "owner"
//
//	  [[document.member]]
//	  identity = "bob"
//	  role = "contractor"
//	  base_role = "editor"
//	  access_until = "2026-12-31T00:00:00Z"
type GrantsFile struct {
	Documents []DocumentGrants `toml:"document"`
}

// DocumentGrants is the roster of one document in a grants file.
type DocumentGrants struct {
	Collection string       `toml:"collection"`
	ID         string       `toml:"id"`
	Members    []Membership `toml:"member"`
}

// LoadGrants reads a TOML grants file. Roles are normalized and members
// without an identity are rejected.
func LoadGrants(path string) (*GrantsFile, error) {
	var f GrantsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode grants file %s: %w", path, err)
	}

	for i := range f.Documents {
		doc := &f.Documents[i]
		if doc.Collection == "" || doc.ID == "" {
			return nil, fmt.Errorf("grants file %s: document %d needs collection and id", path, i)
		}
		for j := range doc.Members {
			m := &doc.Members[j]
			if m.Identity == "" {
				return nil, fmt.Errorf("grants file %s: %s/%s member %d has no identity", path, doc.Collection, doc.ID, j)
			}
			m.Role = Normalize(string(m.Role))
			if m.BaseRole != RoleNone {
				m.BaseRole = Normalize(string(m.BaseRole))
			}
			if m.Status == "" {
				m.Status = StatusActive
			}
		}
	}
	return &f, nil
}
