package db

import (
	"context"
	"fmt"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// AddArtifacts stores run artifacts.
func (d *DB) AddArtifacts(ctx context.Context, artifacts []flow.Artifact) error {
	for _, a := range artifacts {
		_, err := d.Pool.ExecContext(ctx,
			`INSERT INTO artifacts (id, run_id, name, category, format, size, data, url, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, a.RunID, a.Name, string(a.Category), a.Format, a.Size, a.Data, a.URL, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return nil
}

// GetArtifacts returns the artifacts of a run in insertion order.
func (d *DB) GetArtifacts(ctx context.Context, runID string) ([]flow.Artifact, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT id, run_id, name, category, format, size, data, url, created_at
		 FROM artifacts WHERE run_id = $1 ORDER BY created_at`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []flow.Artifact
	for rows.Next() {
		var a flow.Artifact
		var category string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &category, &a.Format,
			&a.Size, &a.Data, &a.URL, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Category = flow.ArtifactCategory(category)
		result = append(result, a)
	}
	return result, rows.Err()
}

// DeleteArtifacts removes every artifact of a run.
func (d *DB) DeleteArtifacts(ctx context.Context, runID string) error {
	_, err := d.Pool.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}
