package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/localboard/boardsync/internal/permission"
	"github.com/localboard/boardsync/internal/remote"
	"github.com/localboard/boardsync/internal/ui"
)

var grantCmd = &cobra.Command{
	Use:     "grant <board-id>",
	GroupID: "admin",
	Short:   "Grant, change or revoke a membership on a board",
	Long: `Record a membership in the membership database: the Turso backend's
database when that backend is configured, the hub database otherwise.

Contractors need --base-role and --until. --until takes a timestamp, a date
or natural language such as "in 2 weeks" or "next friday".

Run without --member or --role on a terminal to fill in a form.

Examples:
  boardsync grant launch --member bob --role editor
  boardsync grant launch --member carol --role contractor --base-role editor --until "in 2 weeks"
  boardsync grant launch --member bob --revoke
  boardsync grant --import grants.toml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGrant,
}

var permsCmd = &cobra.Command{
	Use:     "perms <board-id> [identity]",
	GroupID: "admin",
	Short:   "Show memberships and resolved permissions",
	Args:    cobra.RangeArgs(1, 2),
	RunE:    runPerms,
}

func init() {
	for _, c := range []*cobra.Command{grantCmd, permsCmd} {
		c.Flags().String("collection", DefaultCollection, "Collection the board lives in")
	}
	grantCmd.Flags().String("member", "", "Identity to grant")
	grantCmd.Flags().String("role", "", "Role: viewer, contributor, editor, admin, owner or contractor")
	grantCmd.Flags().String("base-role", "", "Role a contractor acts with while the grant is open")
	grantCmd.Flags().String("until", "", "End of a contractor's access")
	grantCmd.Flags().Bool("revoke", false, "Remove the membership instead")
	grantCmd.Flags().String("import", "", "Import every membership of a TOML grants file")

	rootCmd.AddCommand(grantCmd, permsCmd)
}

// grantRequest is one membership change.
type grantRequest struct {
	Member   string
	Role     string
	BaseRole string
	Until    string
}

// parseRole accepts ranked roles and contractor, case-insensitively.
func parseRole(s string) (permission.Role, error) {
	r := permission.Role(strings.ToLower(strings.TrimSpace(s)))
	if r == permission.RoleContractor || permission.Rank(r) > 0 {
		return r, nil
	}
	return permission.RoleNone, fmt.Errorf("unknown role %q", s)
}

// membership validates the request and resolves --until against at.
func (g grantRequest) membership(at time.Time) (permission.Membership, error) {
	m := permission.Membership{
		Identity: strings.TrimSpace(g.Member),
		Status:   permission.StatusActive,
	}
	if m.Identity == "" {
		return m, errors.New("--member is required")
	}
	role, err := parseRole(g.Role)
	if err != nil {
		return m, err
	}
	m.Role = role

	if m.Role != permission.RoleContractor {
		if g.BaseRole != "" || g.Until != "" {
			return m, errors.New("--base-role and --until only apply to contractors")
		}
		return m, nil
	}

	base, err := parseRole(g.BaseRole)
	if err != nil || base == permission.RoleContractor {
		return m, fmt.Errorf("contractors need a ranked --base-role, got %q", g.BaseRole)
	}
	m.BaseRole = base
	if g.Until == "" {
		return m, errors.New("contractors need --until")
	}
	until, err := permission.ParseAccessUntil(g.Until, at)
	if err != nil {
		return m, err
	}
	if !until.After(at) {
		return m, fmt.Errorf("--until %s is in the past", permission.FormatAccessUntil(until))
	}
	m.AccessUntil = permission.FormatAccessUntil(until)
	return m, nil
}

// askGrant fills in missing fields with an interactive form.
func askGrant(g *grantRequest) error {
	var ranked []string
	for _, r := range permission.Roles() {
		ranked = append(ranked, string(r))
	}
	roles := append(ranked, string(permission.RoleContractor))
	if g.Role == "" {
		g.Role = string(permission.RoleEditor)
	}
	if g.BaseRole == "" {
		g.BaseRole = string(permission.RoleEditor)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Member").
				Description("Identity to grant access to").
				Value(&g.Member).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("identity is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Role").
				Options(huh.NewOptions(roles...)...).
				Value(&g.Role),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Acts as").
				Options(huh.NewOptions(ranked...)...).
				Value(&g.BaseRole),
			huh.NewInput().
				Title("Access until").
				Description(`A date, a timestamp or e.g. "in 2 weeks"`).
				Value(&g.Until),
		).WithHideFunc(func() bool { return g.Role != string(permission.RoleContractor) }),
	)
	if err := form.Run(); err != nil {
		return err
	}
	if g.Role != string(permission.RoleContractor) {
		g.BaseRole, g.Until = "", ""
	}
	return nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	importPath, _ := cmd.Flags().GetString("import")

	db, err := membershipDB(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "database", db.Close)

	if importPath != "" {
		grants, err := permission.LoadGrants(importPath)
		if err != nil {
			return err
		}
		n, err := db.ImportGrants(ctx, grants)
		if err != nil {
			return err
		}
		fmt.Printf("%s Imported %d memberships on %d documents\n", ui.RenderPass("✓"), n, len(grants.Documents))
		return nil
	}

	if len(args) != 1 {
		return errors.New("a board id is required unless --import is given")
	}
	collection, _ := cmd.Flags().GetString("collection")
	key := remote.Key{Collection: collection, DocumentID: args[0]}

	var g grantRequest
	g.Member, _ = cmd.Flags().GetString("member")
	g.Role, _ = cmd.Flags().GetString("role")
	g.BaseRole, _ = cmd.Flags().GetString("base-role")
	g.Until, _ = cmd.Flags().GetString("until")

	if revoke, _ := cmd.Flags().GetBool("revoke"); revoke {
		if g.Member == "" {
			return errors.New("--revoke needs --member")
		}
		if err := db.RemoveMembership(ctx, key, g.Member); err != nil {
			return err
		}
		fmt.Printf("%s Revoked %s on %s\n", ui.RenderPass("✓"), g.Member, key)
		return nil
	}

	if (g.Member == "" || g.Role == "") && term.IsTerminal(int(os.Stdin.Fd())) {
		if err := askGrant(&g); err != nil {
			return err
		}
	}

	m, err := g.membership(now())
	if err != nil {
		return err
	}
	if err := db.PutMembership(ctx, key, m); err != nil {
		return err
	}

	fmt.Printf("%s Granted %s to %s on %s", ui.RenderPass("✓"), m.Role, m.Identity, key)
	if m.AccessUntil != "" {
		fmt.Printf(" (as %s until %s)", m.BaseRole, m.AccessUntil)
	}
	fmt.Println()
	return nil
}

func runPerms(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collection, _ := cmd.Flags().GetString("collection")
	key := remote.Key{Collection: collection, DocumentID: args[0]}

	db, err := membershipDB(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQuietly(logger, "database", db.Close)

	roster, err := db.Memberships(ctx, key)
	if err != nil {
		return err
	}
	at := now()

	if len(args) == 1 {
		fmt.Printf("\n%s Members of %s\n\n", ui.RenderAccent("👥"), key)
		fmt.Print(ui.RenderRoster(roster, at))
		fmt.Println()
		return nil
	}

	who := args[1]
	p := roster.PermissionsFor(who, at)
	role := string(p.Role)
	if role == "" {
		role = "none"
	}
	fmt.Printf("\n%s %s on %s\n\n", ui.RenderAccent("🔑"), who, key)
	fmt.Printf("Role: %s (rank %d)\n", role, p.Rank)
	if m := roster.Find(who); m != nil {
		if until, ok := permission.AccessUntil(m); ok {
			fmt.Printf("Access until: %s\n", permission.FormatAccessUntil(until))
		}
	}
	for _, c := range []struct {
		name string
		ok   bool
	}{
		{"view", p.CanView},
		{"download", p.CanDownload},
		{"edit", p.CanEdit},
		{"upload", p.CanUpload},
		{"edit files", p.CanEditFiles},
		{"manage members", p.CanManageMembers},
		{"manage file access", p.CanManageFileAccess},
	} {
		mark := ui.RenderFail("✗")
		if c.ok {
			mark = ui.RenderPass("✓")
		}
		fmt.Printf("  %s %s\n", mark, c.name)
	}
	fmt.Println()
	return nil
}
