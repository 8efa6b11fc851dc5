package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// RunQuery narrows and pages a run listing. Empty fields match everything.
type RunQuery struct {
	FlowID    string
	FlowAPIID string
	Status    string
	Limit     int
	Offset    int
}

// CreateRun stores a new run record.
func (d *DB) CreateRun(ctx context.Context, r *flow.Run) error {
	inputsJSON, _ := json.Marshal(r.Inputs)
	outputsJSON, _ := json.Marshal(r.Outputs)
	errorJSON := marshalNullable(r.Error)
	resultsJSON, _ := json.Marshal(r.NodeResults)
	logsJSON, _ := json.Marshal(r.Logs)

	_, err := d.Pool.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, flow_api_id, api_key_id, status, progress, current_node, inputs, outputs, error, node_results, logs, created_at, started_at, completed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.FlowID, r.FlowAPIID, r.APIKeyID,
		string(r.Status), r.Progress, r.CurrentNode,
		inputsJSON, outputsJSON, errorJSON, resultsJSON, logsJSON,
		r.CreatedAt, r.StartedAt, r.CompletedAt, r.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (d *DB) GetRun(ctx context.Context, id string) (*flow.Run, error) {
	row := d.Pool.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun updates an existing run record.
func (d *DB) UpdateRun(ctx context.Context, r *flow.Run) error {
	outputsJSON, _ := json.Marshal(r.Outputs)
	errorJSON := marshalNullable(r.Error)
	resultsJSON, _ := json.Marshal(r.NodeResults)
	logsJSON, _ := json.Marshal(r.Logs)

	_, err := d.Pool.ExecContext(ctx,
		`UPDATE runs SET status = $1, progress = $2, current_node = $3, outputs = $4, error = $5, node_results = $6, logs = $7, started_at = $8, completed_at = $9, expires_at = $10
		 WHERE id = $11`,
		string(r.Status), r.Progress, r.CurrentNode,
		outputsJSON, errorJSON, resultsJSON, logsJSON,
		r.StartedAt, r.CompletedAt, r.ExpiresAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the query, newest first, with the total
// count before paging.
func (d *DB) ListRuns(ctx context.Context, q RunQuery) ([]*flow.Run, int, error) {
	where, args := runWhere(q)

	var total int
	err := d.Pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs`+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, q.Offset)
	rows, err := d.Pool.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			runColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []*flow.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	return result, total, rows.Err()
}

// ListExpiredRuns returns terminal runs past their TTL that have not yet
// been swept to expired.
func (d *DB) ListExpiredRuns(ctx context.Context, cutoff time.Time) ([]*flow.Run, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE expires_at < $1
		   AND status IN ('completed', 'failed', 'cancelled', 'timeout')`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired runs: %w", err)
	}
	defer rows.Close()

	var result []*flow.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// MarkOrphanedRunsFailed flips runs stuck in pending or running to failed.
func (d *DB) MarkOrphanedRunsFailed(ctx context.Context) (int64, error) {
	res, err := d.Pool.ExecContext(ctx,
		`UPDATE runs SET status = 'failed', completed_at = NOW()
		 WHERE status IN ('pending', 'running')`,
	)
	if err != nil {
		return 0, fmt.Errorf("mark orphaned runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, flow_id, flow_api_id, api_key_id, status, progress, current_node, inputs, outputs, error, node_results, logs, created_at, started_at, completed_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*flow.Run, error) {
	r := &flow.Run{}
	var status string
	var inputsJSON, outputsJSON, errorJSON, resultsJSON, logsJSON []byte

	err := row.Scan(&r.ID, &r.FlowID, &r.FlowAPIID, &r.APIKeyID,
		&status, &r.Progress, &r.CurrentNode,
		&inputsJSON, &outputsJSON, &errorJSON, &resultsJSON, &logsJSON,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = flow.RunStatus(status)
	json.Unmarshal(inputsJSON, &r.Inputs)
	json.Unmarshal(outputsJSON, &r.Outputs)
	if len(errorJSON) > 0 {
		var fe flow.Error
		if json.Unmarshal(errorJSON, &fe) == nil && fe.Message != "" {
			r.Error = &fe
		}
	}
	json.Unmarshal(resultsJSON, &r.NodeResults)
	json.Unmarshal(logsJSON, &r.Logs)
	return r, nil
}

func runWhere(q RunQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.FlowID != "" {
		add("flow_id = $%d", q.FlowID)
	}
	if q.FlowAPIID != "" {
		add("flow_api_id = $%d", q.FlowAPIID)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func marshalNullable(e *flow.Error) any {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}
