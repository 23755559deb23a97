package pipeline

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

// oneActiveIndex is the partial unique index allowing one WAITING or
// PROCESSING row per item.
const oneActiveIndex = "acceptance_item_states_one_active"

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

const stateCols = `s.id, s.seq, s.acceptance_item_id, s.section_id, COALESCE(sec.name, ''), s.sample_id,
	s."order", s.status, s.parameters, s.started_by, s.finished_by, s.started_at, s.finished_at,
	s.is_first_section, s.version, s.created_at, s.updated_at`

const stateFrom = ` FROM acceptance_item_states s LEFT JOIN sections sec ON sec.id = s.section_id`

func scanState(row pgx.Row) (*State, error) {
	var (
		s      State
		params []byte
	)
	err := row.Scan(&s.ID, &s.Seq, &s.ItemID, &s.SectionID, &s.SectionName, &s.SampleID,
		&s.Order, &s.Status, &params, &s.StartedBy, &s.FinishedBy, &s.StartedAt, &s.FinishedAt,
		&s.IsFirstSection, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &s.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of state %s: %w", s.ID, err)
		}
	}
	return &s, nil
}

func encodeParameters(params map[string]interface{}) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return b, nil
}

func (r *repoPG) Create(ctx context.Context, s *State) error {
	s.ID = uuid.New()
	params, err := encodeParameters(s.Parameters)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO acceptance_item_states
			(id, acceptance_item_id, section_id, sample_id, "order", status, parameters, is_first_section)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, version, created_at, updated_at`,
		s.ID, s.ItemID, s.SectionID, s.SampleID, s.Order, s.Status, params, s.IsFirstSection,
	).Scan(&s.Seq, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if db.IsUniqueViolation(err, oneActiveIndex) {
		return fmt.Errorf("item %s already has an active state: %w", s.ItemID, errConcurrentUpdate)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*State, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+stateFrom+` WHERE s.id = $1`, id))
}

func (r *repoPG) Latest(ctx context.Context, itemID uuid.UUID) (*State, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+stateFrom+`
		WHERE s.acceptance_item_id = $1 ORDER BY s.seq DESC LIMIT 1`, itemID))
}

func (r *repoPG) HasAny(ctx context.Context, itemID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM acceptance_item_states WHERE acceptance_item_id = $1)`, itemID).Scan(&exists)
	return exists, err
}

func (r *repoPG) ListByItem(ctx context.Context, itemID uuid.UUID) ([]*State, error) {
	return r.query(ctx, `SELECT `+stateCols+stateFrom+`
		WHERE s.acceptance_item_id = $1 ORDER BY s.seq`, itemID)
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*State, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var states []*State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, s *State, fromStatus string) error {
	params, err := encodeParameters(s.Parameters)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE acceptance_item_states
		SET status = $4, parameters = $5, started_by = $6, started_at = $7,
			finished_by = $8, finished_at = $9, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING version, updated_at`,
		s.ID, fromStatus, s.Version, s.Status, params, s.StartedBy, s.StartedAt, s.FinishedBy, s.FinishedAt,
	).Scan(&s.Version, &s.UpdatedAt)
	if db.IsNotFound(err) {
		return fmt.Errorf("state %s is no longer %s at version %d: %w", s.ID, fromStatus, s.Version, errConcurrentUpdate)
	}
	return err
}

func (r *repoPG) Worklist(ctx context.Context, sectionID uuid.UUID, limit, offset int) ([]*State, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM acceptance_item_states
		WHERE section_id = $1 AND status IN ('waiting', 'processing')`, sectionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	states, err := r.query(ctx, `SELECT `+stateCols+stateFrom+`
		WHERE s.section_id = $1 AND s.status IN ('waiting', 'processing')
		ORDER BY s.seq LIMIT $2 OFFSET $3`, sectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return states, total, nil
}
