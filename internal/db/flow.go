package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// CreateFlow stores a flow document.
func (d *DB) CreateFlow(ctx context.Context, f *flow.Flow) error {
	definition, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	_, err = d.Pool.ExecContext(ctx,
		`INSERT INTO flows (id, name, version, definition)
		 VALUES ($1, $2, $3, $4)`,
		f.ID, f.Name, f.Version, definition,
	)
	if err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow document by ID.
func (d *DB) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	var definition []byte
	err := d.Pool.QueryRowContext(ctx,
		`SELECT definition FROM flows WHERE id = $1`, id,
	).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	var f flow.Flow
	if err := json.Unmarshal(definition, &f); err != nil {
		return nil, fmt.Errorf("unmarshal flow: %w", err)
	}
	return &f, nil
}

// UpdateFlow replaces a flow document.
func (d *DB) UpdateFlow(ctx context.Context, f *flow.Flow) error {
	definition, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	_, err = d.Pool.ExecContext(ctx,
		`UPDATE flows SET name = $1, version = $2, definition = $3, updated_at = NOW()
		 WHERE id = $4`,
		f.Name, f.Version, definition, f.ID,
	)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	return nil
}

// DeleteFlow removes a flow document.
func (d *DB) DeleteFlow(ctx context.Context, id string) error {
	_, err := d.Pool.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

// ListFlows returns every stored flow document.
func (d *DB) ListFlows(ctx context.Context) ([]*flow.Flow, error) {
	rows, err := d.Pool.QueryContext(ctx, `SELECT definition FROM flows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var result []*flow.Flow
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		var f flow.Flow
		if err := json.Unmarshal(definition, &f); err != nil {
			return nil, fmt.Errorf("unmarshal flow: %w", err)
		}
		result = append(result, &f)
	}
	return result, rows.Err()
}
