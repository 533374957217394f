// Package board defines the project board document synced by the engine.
//
// A Board is a plain value: groups hold items, items hold subitems, and order
// is array position. Item.GroupID and Subitem.ItemID duplicate the nesting as
// foreign keys so a moved element always carries the key of its container.
package board

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Item statuses shown on the board.
const (
	StatusNone    = ""
	StatusWorking = "working"
	StatusStuck   = "stuck"
	StatusDone    = "done"
)

// ErrNotFound is returned when a referenced group, item or subitem does not
// exist.
var ErrNotFound = errors.New("not found")

// Board is the whole synced document.
type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Groups    []Group   `json:"groups"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is an ordered collection of items.
type Group struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Color string `json:"color,omitempty"`
	Items []Item `json:"items"`
}

// Item is a row of the board.
type Item struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	Name        string       `json:"name"`
	Status      string       `json:"status,omitempty"`
	Owner       string       `json:"owner,omitempty"`
	DueAt       *time.Time   `json:"due_at,omitempty"`
	Subitems    []Subitem    `json:"subitems,omitempty"`
	Updates     []Update     `json:"updates,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Subitem is a child row of an item.
type Subitem struct {
	ID     string `json:"id"`
	ItemID string `json:"item_id"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	Owner  string `json:"owner,omitempty"`
}

// Update is one entry of an item's free-form discussion thread.
type Update struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment references a file attached to an item.
type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewID returns a new sortable unique id.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// New creates an empty board with one default group.
func New(name string, now time.Time) Board {
	b := Board{
		ID:        NewID(),
		Name:      name,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	b.Groups = []Group{{ID: NewID(), Title: "To do", Items: []Item{}}}
	return b
}

// Validate checks names and the foreign key and uniqueness invariants.
func (b *Board) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name is required")
	}

	seen := make(map[string]bool)
	unique := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%s id is required", kind)
		}
		if seen[id] {
			return fmt.Errorf("duplicate id %s", id)
		}
		seen[id] = true
		return nil
	}

	for _, g := range b.Groups {
		if err := unique("group", g.ID); err != nil {
			return err
		}
		for _, it := range g.Items {
			if err := unique("item", it.ID); err != nil {
				return err
			}
			if it.GroupID != g.ID {
				return fmt.Errorf("item %s has group_id %q but is in group %s", it.ID, it.GroupID, g.ID)
			}
			for _, s := range it.Subitems {
				if err := unique("subitem", s.ID); err != nil {
					return err
				}
				if s.ItemID != it.ID {
					return fmt.Errorf("subitem %s has item_id %q but is under item %s", s.ID, s.ItemID, it.ID)
				}
			}
		}
	}
	return nil
}

// Clone returns a deep copy that shares no slices with b.
func (b Board) Clone() Board {
	out := b
	out.Groups = make([]Group, len(b.Groups))
	for i, g := range b.Groups {
		out.Groups[i] = g.clone()
	}
	return out
}

func (g Group) clone() Group {
	out := g
	out.Items = make([]Item, len(g.Items))
	for i, it := range g.Items {
		out.Items[i] = it.clone()
	}
	return out
}

func (it Item) clone() Item {
	out := it
	if it.DueAt != nil {
		due := *it.DueAt
		out.DueAt = &due
	}
	out.Subitems = append([]Subitem(nil), it.Subitems...)
	out.Updates = append([]Update(nil), it.Updates...)
	out.Attachments = append([]Attachment(nil), it.Attachments...)
	return out
}

// Edit returns an operation that applies fn to a deep copy of a board, so the
// input value is never modified.
func Edit(fn func(b *Board) error) func(Board) (Board, error) {
	return func(b Board) (Board, error) {
		next := b.Clone()
		if err := fn(&next); err != nil {
			return b, err
		}
		return next, nil
	}
}

// GroupIndex returns the position of group id.
func (b *Board) GroupIndex(id string) (int, bool) {
	for i := range b.Groups {
		if b.Groups[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// FindItem returns the group and item positions of item id.
func (b *Board) FindItem(id string) (gi, ii int, ok bool) {
	for gi := range b.Groups {
		for ii := range b.Groups[gi].Items {
			if b.Groups[gi].Items[ii].ID == id {
				return gi, ii, true
			}
		}
	}
	return -1, -1, false
}

// Item returns a pointer to item id inside b.
func (b *Board) Item(id string) (*Item, error) {
	gi, ii, ok := b.FindItem(id)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return &b.Groups[gi].Items[ii], nil
}

// AddGroup appends a group and returns its id.
func (b *Board) AddGroup(title, color string) string {
	id := NewID()
	b.Groups = append(b.Groups, Group{ID: id, Title: title, Color: color, Items: []Item{}})
	return id
}

// AddItem appends an item to group groupID and returns its id.
func (b *Board) AddItem(groupID, name string) (string, error) {
	gi, ok := b.GroupIndex(groupID)
	if !ok {
		return "", fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("item name is required")
	}
	id := NewID()
	b.Groups[gi].Items = append(b.Groups[gi].Items, Item{ID: id, GroupID: groupID, Name: name})
	return id, nil
}

// RemoveItem deletes item id with its subitems, updates and attachments.
func (b *Board) RemoveItem(id string) error {
	gi, ii, ok := b.FindItem(id)
	if !ok {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	items := b.Groups[gi].Items
	b.Groups[gi].Items = append(items[:ii:ii], items[ii+1:]...)
	return nil
}

// SetItemStatus changes the status label of item id.
func (b *Board) SetItemStatus(id, status string) error {
	it, err := b.Item(id)
	if err != nil {
		return err
	}
	it.Status = status
	return nil
}

// RenameItem changes the name of item id.
func (b *Board) RenameItem(id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("item name is required")
	}
	it, err := b.Item(id)
	if err != nil {
		return err
	}
	it.Name = name
	return nil
}

// AddSubitem appends a subitem under item itemID and returns its id.
func (b *Board) AddSubitem(itemID, name string) (string, error) {
	it, err := b.Item(itemID)
	if err != nil {
		return "", err
	}
	id := NewID()
	it.Subitems = append(it.Subitems, Subitem{ID: id, ItemID: itemID, Name: name})
	return id, nil
}

// AddUpdate appends a message to the update thread of item itemID.
func (b *Board) AddUpdate(itemID, author, body string, now time.Time) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", fmt.Errorf("update body is required")
	}
	it, err := b.Item(itemID)
	if err != nil {
		return "", err
	}
	id := NewID()
	it.Updates = append(it.Updates, Update{ID: id, Author: author, Body: body, CreatedAt: now.UTC()})
	return id, nil
}

// AddAttachment records a file attached to item itemID.
func (b *Board) AddAttachment(itemID string, a Attachment) (string, error) {
	it, err := b.Item(itemID)
	if err != nil {
		return "", err
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	it.Attachments = append(it.Attachments, a)
	return a.ID, nil
}

// ItemCount returns the number of items across all groups.
func (b *Board) ItemCount() int {
	n := 0
	for _, g := range b.Groups {
		n += len(g.Items)
	}
	return n
}
