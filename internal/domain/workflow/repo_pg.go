package workflow

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
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type workflowRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &workflowRepoPG{pool: pool}
}

func (r *workflowRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Create writes the workflow row and every step in one batch. Callers wrap
// it in a transaction so a failed step leaves no partial definition.
func (r *workflowRepoPG) Create(ctx context.Context, w *Workflow) error {
	w.ID = uuid.New()
	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO workflows (id, name, description) VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`, w.ID, w.Name, w.Description).
		QueryRow(func(row pgx.Row) error {
			return row.Scan(&w.CreatedAt, &w.UpdatedAt)
		})
	for i := range w.Steps {
		st := &w.Steps[i]
		st.WorkflowID = w.ID
		params, err := marshalParams(st.Parameters)
		if err != nil {
			return err
		}
		var schema []byte
		if len(st.ParameterSchema) > 0 {
			schema = st.ParameterSchema
		}
		batch.Queue(`INSERT INTO workflow_steps (workflow_id, section_id, "order", parameters, parameter_schema)
			VALUES ($1, $2, $3, $4, $5)`, w.ID, st.SectionID, st.Order, params, schema)
	}
	return r.conn(ctx).SendBatch(ctx, batch).Close()
}

func (r *workflowRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var w Workflow
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, description, created_at, updated_at FROM workflows WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt)
	return &w, err
}

func (r *workflowRepoPG) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]Step, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT ws.workflow_id, ws.section_id, s.name, ws."order", ws.parameters, ws.parameter_schema
		FROM workflow_steps ws
		JOIN sections s ON s.id = ws.section_id
		WHERE ws.workflow_id = $1
		ORDER BY ws."order"`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			st     Step
			params []byte
			schema []byte
		)
		if err := rows.Scan(&st.WorkflowID, &st.SectionID, &st.SectionName, &st.Order, &params, &schema); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &st.Parameters); err != nil {
				return nil, fmt.Errorf("decode parameters of step %d: %w", st.Order, err)
			}
		}
		if len(schema) > 0 {
			st.ParameterSchema = json.RawMessage(schema)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (r *workflowRepoPG) GetMethod(ctx context.Context, id uuid.UUID) (*Method, error) {
	var m Method
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, workflow_id, active FROM methods WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.WorkflowID, &m.Active)
	return &m, err
}

func marshalParams(p map[string]interface{}) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode step parameters: %w", err)
	}
	return b, nil
}
