package section

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxGroupDepth bounds PathToRoot walks.
const MaxGroupDepth = 64

// PermissionPrefix roots every section permission string.
const PermissionPrefix = "sections"

var ErrGroupCycle = errors.New("section group cycle")

// PathToRoot walks parent pointers from start and returns the groups
// leaf first. A repeated id or a walk deeper than MaxGroupDepth is reported
// as ErrGroupCycle.
func PathToRoot(ctx context.Context, groups GroupRepository, start uuid.UUID) ([]*Group, error) {
	var path []*Group
	seen := make(map[uuid.UUID]bool)
	next := &start
	for next != nil {
		if seen[*next] || len(path) >= MaxGroupDepth {
			return nil, fmt.Errorf("%w at group %s", ErrGroupCycle, *next)
		}
		seen[*next] = true

		g, err := groups.GetByID(ctx, *next)
		if err != nil {
			return nil, fmt.Errorf("load section group %s: %w", *next, err)
		}
		path = append(path, g)
		next = g.ParentID
	}
	return path, nil
}

// Permission builds "sections.<root group>...<leaf group>.<section>" from a
// leaf-first group path.
func Permission(s *Section, leafFirst []*Group) string {
	parts := make([]string, 0, len(leafFirst)+2)
	parts = append(parts, PermissionPrefix)
	for i := len(leafFirst) - 1; i >= 0; i-- {
		parts = append(parts, Slug(leafFirst[i].Name))
	}
	parts = append(parts, Slug(s.Name))
	return strings.Join(parts, ".")
}

// Slug lowercases name and collapses everything that is not a letter or
// digit into single underscores, so names never introduce extra dots.
func Slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
