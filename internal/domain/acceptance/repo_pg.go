package acceptance

import (
	"context"
	"encoding/json"
	"fmt"

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

func (r *repoPG) CreateAcceptance(ctx context.Context, a *Acceptance) error {
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusPending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO acceptances (id, status) VALUES ($1, $2)
		RETURNING created_at, updated_at`, a.ID, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetAcceptance(ctx context.Context, id uuid.UUID) (*Acceptance, error) {
	var a Acceptance
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, status, created_at, updated_at FROM acceptances WHERE id = $1`, id).
		Scan(&a.ID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

const itemCols = `id, acceptance_id, method_id, custom_parameters, created_at, updated_at`

func scanItem(row pgx.Row) (*Item, error) {
	var (
		item   Item
		params []byte
	)
	if err := row.Scan(&item.ID, &item.AcceptanceID, &item.MethodID, &params, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &item.CustomParameters); err != nil {
			return nil, fmt.Errorf("decode custom parameters of item %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

func (r *repoPG) CreateItem(ctx context.Context, item *Item) error {
	item.ID = uuid.New()
	var params []byte
	if item.CustomParameters != nil {
		b, err := json.Marshal(item.CustomParameters)
		if err != nil {
			return fmt.Errorf("encode custom parameters: %w", err)
		}
		params = b
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO acceptance_items (id, acceptance_id, method_id, custom_parameters)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		item.ID, item.AcceptanceID, item.MethodID, params).Scan(&item.CreatedAt, &item.UpdatedAt)
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM acceptance_items WHERE id = $1`, id))
}

func (r *repoPG) ListItems(ctx context.Context, acceptanceID uuid.UUID) ([]*Item, error) {
	return r.queryItems(ctx, `SELECT `+itemCols+` FROM acceptance_items
		WHERE acceptance_id = $1 ORDER BY created_at, id`, acceptanceID)
}

func (r *repoPG) queryItems(ctx context.Context, sql string, args ...interface{}) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *repoPG) LockItem(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	return r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM acceptance_items WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
}

const sampleCols = `s.id, s.barcode, s.sample_type, s.patient_name, s.collected_at, s.created_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.Barcode, &s.SampleType, &s.PatientName, &s.CollectedAt, &s.CreatedAt)
	return &s, err
}

func (r *repoPG) CreateSample(ctx context.Context, s *Sample) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO samples (id, barcode, sample_type, patient_name, collected_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		s.ID, s.Barcode, s.SampleType, s.PatientName, s.CollectedAt).Scan(&s.CreatedAt)
}

func (r *repoPG) SampleByBarcode(ctx context.Context, barcode string) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+` FROM samples s WHERE s.barcode = $1`, barcode))
}

func (r *repoPG) ActiveSample(ctx context.Context, itemID uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx, `SELECT `+sampleCols+`
		FROM samples s
		JOIN acceptance_item_samples l ON l.sample_id = s.id
		WHERE l.acceptance_item_id = $1 AND l.active`, itemID))
}

func (r *repoPG) ActiveItemsForSample(ctx context.Context, sampleID uuid.UUID) ([]*Item, error) {
	return r.queryItems(ctx, `SELECT i.id, i.acceptance_id, i.method_id, i.custom_parameters, i.created_at, i.updated_at
		FROM acceptance_items i
		JOIN acceptance_item_samples l ON l.acceptance_item_id = i.id
		WHERE l.sample_id = $1 AND l.active
		ORDER BY i.created_at, i.id`, sampleID)
}

func (r *repoPG) LinkSample(ctx context.Context, itemID, sampleID uuid.UUID) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `
		UPDATE acceptance_item_samples SET active = FALSE
		WHERE acceptance_item_id = $1 AND active`, itemID); err != nil {
		return fmt.Errorf("deactivate sample link: %w", err)
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO acceptance_item_samples (acceptance_item_id, sample_id, active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (acceptance_item_id, sample_id)
		DO UPDATE SET active = TRUE, linked_at = NOW()`, itemID, sampleID); err != nil {
		return fmt.Errorf("activate sample link: %w", err)
	}
	return nil
}
