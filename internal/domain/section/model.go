package section

import (
	"time"

	"github.com/google/uuid"
)

// Section is a processing station an item visits (reception, extraction,
// analysis, ...).
type Section struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	Active    bool       `db:"active" json:"active"`
	GroupID   *uuid.UUID `db:"section_group_id" json:"section_group_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Group nests sections for addressing and permission scoping. Groups form
// a parent-pointer tree of any depth.
type Group struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	ParentID  *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	Active    bool       `db:"active" json:"active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// Path is a section with its groups ordered root first.
type Path struct {
	Section    *Section `json:"section"`
	Groups     []*Group `json:"groups"`
	Permission string   `json:"permission"`
}
