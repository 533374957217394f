package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/localboard/boardsync/internal/board"
	"github.com/localboard/boardsync/internal/permission"
)

// RenderBoard lays the board out as an indented outline no wider than width.
// Items for which recent reports true are marked; recent may be nil.
func RenderBoard(b board.Board, width int, recent func(itemID string) bool) string {
	if width <= 0 {
		width = DefaultWidth
	}
	line := lipgloss.NewStyle().MaxWidth(width)

	var sb strings.Builder
	sb.WriteString(line.Render(titleStyle.Render(b.Name)))
	sb.WriteString("\n")
	sb.WriteString(RenderMuted(fmt.Sprintf("%d groups, %d items", len(b.Groups), b.ItemCount())))
	sb.WriteString("\n")

	for _, g := range b.Groups {
		sb.WriteString("\n")
		header := fmt.Sprintf("▸ %s %s", groupStyle.Render(g.Title), RenderMuted(fmt.Sprintf("(%d)", len(g.Items))))
		sb.WriteString(line.Render(header))
		sb.WriteString("\n")

		if len(g.Items) == 0 {
			sb.WriteString(RenderMuted("  (empty)"))
			sb.WriteString("\n")
		}
		for _, it := range g.Items {
			bullet := "•"
			if recent != nil && recent(it.ID) {
				bullet = RenderWarn("✱")
			}
			row := "  " + bullet + " " + it.Name
			if it.Status != "" {
				row += " " + RenderAccent("["+it.Status+"]")
			}
			if it.Owner != "" {
				row += " " + RenderMuted("@"+it.Owner)
			}
			row += " " + RenderMuted(shortID(it.ID))
			sb.WriteString(line.Render(row))
			sb.WriteString("\n")

			for _, s := range it.Subitems {
				sub := "      ◦ " + s.Name
				if s.Status != "" {
					sub += " " + RenderMuted("["+s.Status+"]")
				}
				sb.WriteString(line.Render(sub))
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

// RenderRoster lists memberships with their permissions at now.
func RenderRoster(r permission.Roster, now time.Time) string {
	if len(r) == 0 {
		return RenderMuted("No members") + "\n"
	}

	var sb strings.Builder
	for i := range r {
		m := &r[i]
		p := permission.PermissionsFor(m, now)
		role := string(permission.EffectiveRole(m))
		if role == "" {
			role = "none"
		}

		caps := capabilities(p)
		state := RenderPass("active")
		if !permission.IsActive(m, now) {
			state = RenderFail("inactive")
		}

		fmt.Fprintf(&sb, "%-20s %-12s %s %s", m.Identity, role, state, RenderMuted(caps))
		if until, ok := permission.AccessUntil(m); ok {
			fmt.Fprintf(&sb, " until %s", permission.FormatAccessUntil(until))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func capabilities(p permission.Permission) string {
	var caps []string
	if p.CanView {
		caps = append(caps, "view")
	}
	if p.CanEdit {
		caps = append(caps, "edit")
	}
	if p.CanManageMembers {
		caps = append(caps, "manage")
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
