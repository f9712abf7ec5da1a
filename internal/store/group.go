package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wavecall/wavecall/internal/store/models"
)

// groupRepo implements GroupRepository.
type groupRepo struct {
	db *DB
}

// NewGroupRepository creates a new GroupRepository.
func NewGroupRepository(db *DB) GroupRepository {
	return &groupRepo{db: db}
}

// GetByID returns a manage group by id.
func (r *groupRepo) GetByID(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	err := r.db.queryRow(ctx,
		`SELECT id, name, gateway_api, gateways, gateway_token, gateway_record,
		        after_call_feedback, created_at, updated_at
		 FROM groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.GatewayAPI, &g.Gateways, &g.GatewayToken,
		&g.GatewayRecord, &g.AfterCallFeedback, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying group: %w", err)
	}
	return &g, nil
}
