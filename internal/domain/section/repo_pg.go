package section

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

type sectionRepoPG struct{ pool *pgxpool.Pool }

func NewSectionRepoPG(pool *pgxpool.Pool) SectionRepository {
	return &sectionRepoPG{pool: pool}
}

func (r *sectionRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const sectionCols = `id, name, active, section_group_id, created_at, updated_at`

func (r *sectionRepoPG) scanRow(row pgx.Row) (*Section, error) {
	var s Section
	err := row.Scan(&s.ID, &s.Name, &s.Active, &s.GroupID, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *sectionRepoPG) Create(ctx context.Context, s *Section) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO sections (id, name, active, section_group_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Active, s.GroupID).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sectionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Section, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+sectionCols+` FROM sections WHERE id = $1`, id))
}

func (r *sectionRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Section, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sections WHERE active OR NOT $1`, activeOnly).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sectionCols+` FROM sections
		WHERE active OR NOT $1 ORDER BY name LIMIT $2 OFFSET $3`, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Section
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

type groupRepoPG struct{ pool *pgxpool.Pool }

func NewGroupRepoPG(pool *pgxpool.Pool) GroupRepository {
	return &groupRepoPG{pool: pool}
}

func (r *groupRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

func (r *groupRepoPG) Create(ctx context.Context, g *Group) error {
	g.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO section_groups (id, name, parent_id, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		g.ID, g.Name, g.ParentID, g.Active).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (r *groupRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Group, error) {
	var g Group
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, parent_id, active, created_at, updated_at
		FROM section_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.ParentID, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	return &g, err
}
