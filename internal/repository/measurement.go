package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/models"
)

type MeasurementRepository struct {
	db *database.DB
}

func NewMeasurementRepository(db *database.DB) *MeasurementRepository {
	return &MeasurementRepository{db: db}
}

func (r *MeasurementRepository) Create(ctx context.Context, m *models.Measurement) error {
	return createMeasurement(ctx, r.db.Pool, m)
}

func createMeasurement(ctx context.Context, q querier, m *models.Measurement) error {
	var note *string
	if m.Note != "" {
		note = &m.Note
	}
	err := q.QueryRow(ctx,
		`INSERT INTO measurements (user_id, variable_id, unit_id, value, start_at, note)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		m.UserID, m.VariableID, m.UnitID, m.Value, m.StartAt, note,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// ValuesByIDs resolves the values of userID's measurements in one round trip.
// Missing ids and ids owned by someone else are absent from the result.
func (r *MeasurementRepository) ValuesByIDs(ctx context.Context, userID string, ids []string) (map[string]float64, error) {
	values := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return values, nil
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, value FROM measurements WHERE id = ANY($1::uuid[]) AND user_id = $2`,
		ids, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var value float64
		if err := rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		values[id] = value
	}
	return values, rows.Err()
}

type VariableRepository struct {
	db *database.DB
}

func NewVariableRepository(db *database.DB) *VariableRepository {
	return &VariableRepository{db: db}
}

// Ensure returns the variable with the given name, creating it along with its
// category and default unit when missing.
func (r *VariableRepository) Ensure(ctx context.Context, name, category, unit string) (*models.TrackableVariable, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("variable name is required")
	}

	v := &models.TrackableVariable{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(category_id::text, ''), COALESCE(default_unit_id::text, '')
		 FROM trackable_variables WHERE lower(name) = lower($1)
		 ORDER BY created_at LIMIT 1`,
		name,
	).Scan(&v.ID, &v.Name, &v.CategoryID, &v.DefaultUnitID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx,
		`WITH c AS (
		     INSERT INTO variable_categories (name) VALUES ($2)
		     ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		     RETURNING id
		 ), u AS (
		     INSERT INTO units (name, abbreviation) VALUES ($3, $3)
		     ON CONFLICT (abbreviation) DO UPDATE SET abbreviation = EXCLUDED.abbreviation
		     RETURNING id
		 )
		 INSERT INTO trackable_variables (name, category_id, default_unit_id)
		 SELECT $1, c.id, u.id FROM c, u
		 RETURNING id, name, category_id::text, default_unit_id::text`,
		name, category, unit,
	).Scan(&v.ID, &v.Name, &v.CategoryID, &v.DefaultUnitID)
	if err != nil {
		return nil, fmt.Errorf("failed to create variable: %w", err)
	}
	return v, nil
}
