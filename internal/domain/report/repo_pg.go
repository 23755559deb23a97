package report

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Create(ctx context.Context, rep *Report) error {
	rep.ID = uuid.New()
	if rep.Status == "" {
		rep.Status = StatusDraft
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reports (id, acceptance_item_id, status, active, approved_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		rep.ID, rep.AcceptanceItemID, rep.Status, rep.Active, rep.ApprovedAt, rep.PublishedAt,
	).Scan(&rep.CreatedAt, &rep.UpdatedAt)
}

func (r *repoPG) ActiveForItem(ctx context.Context, itemID uuid.UUID) (*Report, error) {
	var rep Report
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, acceptance_item_id, status, active, approved_at, published_at, created_at, updated_at
		FROM reports WHERE acceptance_item_id = $1 AND active`, itemID).
		Scan(&rep.ID, &rep.AcceptanceItemID, &rep.Status, &rep.Active,
			&rep.ApprovedAt, &rep.PublishedAt, &rep.CreatedAt, &rep.UpdatedAt)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}
