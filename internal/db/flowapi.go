package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Nano112/polymerase-sub001/internal/flow"
)

// CreateFlowAPI stores a flow API configuration. The webhook secret is
// sealed before it reaches the database.
func (d *DB) CreateFlowAPI(ctx context.Context, api *flow.FlowAPI) error {
	rateLimitJSON, _ := json.Marshal(api.RateLimit)
	secret, err := d.enc.Seal(api.WebhookSecret)
	if err != nil {
		return fmt.Errorf("seal webhook secret: %w", err)
	}

	_, err = d.Pool.ExecContext(ctx,
		`INSERT INTO flow_apis (id, flow_id, flow_version, slug, enabled, default_ttl, max_ttl, timeout_ms, rate_limit, title, description, api_version, webhook_secret, cached_spec, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		api.ID, api.FlowID, api.FlowVersion, api.Slug, api.Enabled,
		api.DefaultTTL, api.MaxTTL, api.Timeout, rateLimitJSON,
		api.Title, api.Description, api.APIVersion, secret,
		nullableRaw(api.CachedSpec), api.CreatedAt, api.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow api: %w", err)
	}
	return nil
}

// GetFlowAPI retrieves a flow API configuration by ID.
func (d *DB) GetFlowAPI(ctx context.Context, id string) (*flow.FlowAPI, error) {
	row := d.Pool.QueryRowContext(ctx,
		`SELECT `+flowAPIColumns+` FROM flow_apis WHERE id = $1`, id,
	)
	api, err := scanFlowAPI(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow api not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow api: %w", err)
	}
	if err := d.openSecret(api); err != nil {
		return nil, err
	}
	return api, nil
}

// UpdateFlowAPI replaces a flow API configuration.
func (d *DB) UpdateFlowAPI(ctx context.Context, api *flow.FlowAPI) error {
	rateLimitJSON, _ := json.Marshal(api.RateLimit)
	secret, err := d.enc.Seal(api.WebhookSecret)
	if err != nil {
		return fmt.Errorf("seal webhook secret: %w", err)
	}

	_, err = d.Pool.ExecContext(ctx,
		`UPDATE flow_apis SET flow_id = $1, flow_version = $2, slug = $3, enabled = $4, default_ttl = $5, max_ttl = $6, timeout_ms = $7, rate_limit = $8, title = $9, description = $10, api_version = $11, webhook_secret = $12, cached_spec = $13, updated_at = NOW()
		 WHERE id = $14`,
		api.FlowID, api.FlowVersion, api.Slug, api.Enabled,
		api.DefaultTTL, api.MaxTTL, api.Timeout, rateLimitJSON,
		api.Title, api.Description, api.APIVersion, secret,
		nullableRaw(api.CachedSpec), api.ID,
	)
	if err != nil {
		return fmt.Errorf("update flow api: %w", err)
	}
	return nil
}

// DeleteFlowAPI removes a flow API configuration.
func (d *DB) DeleteFlowAPI(ctx context.Context, id string) error {
	_, err := d.Pool.ExecContext(ctx, `DELETE FROM flow_apis WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete flow api: %w", err)
	}
	return nil
}

// ListFlowAPIs returns every stored flow API configuration.
func (d *DB) ListFlowAPIs(ctx context.Context) ([]*flow.FlowAPI, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+flowAPIColumns+` FROM flow_apis ORDER BY slug`,
	)
	if err != nil {
		return nil, fmt.Errorf("list flow apis: %w", err)
	}
	defer rows.Close()

	var result []*flow.FlowAPI
	for rows.Next() {
		api, err := scanFlowAPI(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flow api: %w", err)
		}
		if err := d.openSecret(api); err != nil {
			return nil, err
		}
		result = append(result, api)
	}
	return result, rows.Err()
}

func (d *DB) openSecret(api *flow.FlowAPI) error {
	secret, err := d.enc.Open(api.WebhookSecret)
	if err != nil {
		return fmt.Errorf("open webhook secret for %s: %w", api.ID, err)
	}
	api.WebhookSecret = secret
	return nil
}

const flowAPIColumns = `id, flow_id, flow_version, slug, enabled, default_ttl, max_ttl, timeout_ms, rate_limit, title, description, api_version, webhook_secret, cached_spec, created_at, updated_at`

func scanFlowAPI(row rowScanner) (*flow.FlowAPI, error) {
	api := &flow.FlowAPI{}
	var rateLimitJSON, cachedSpec []byte

	err := row.Scan(&api.ID, &api.FlowID, &api.FlowVersion, &api.Slug, &api.Enabled,
		&api.DefaultTTL, &api.MaxTTL, &api.Timeout, &rateLimitJSON,
		&api.Title, &api.Description, &api.APIVersion, &api.WebhookSecret,
		&cachedSpec, &api.CreatedAt, &api.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal(rateLimitJSON, &api.RateLimit)
	if len(cachedSpec) > 0 {
		api.CachedSpec = json.RawMessage(cachedSpec)
	}
	return api, nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
