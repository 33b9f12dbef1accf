package repository

import (
	"context"

	"github.com/dfda/dfda-node/internal/database"
	"github.com/dfda/dfda-node/internal/models"
)

type ProfileRepository struct {
	db *database.DB
}

func NewProfileRepository(db *database.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

const profileColumns = `id, timezone, telegram_chat_id, created_at, updated_at`

func (r *ProfileRepository) GetByID(ctx context.Context, id string) (*models.Profile, error) {
	p := &models.Profile{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Timezone, &p.TelegramChatID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (r *ProfileRepository) GetByTelegramChatID(ctx context.Context, chatID int64) (*models.Profile, error) {
	p := &models.Profile{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE telegram_chat_id = $1`, chatID,
	).Scan(&p.ID, &p.Timezone, &p.TelegramChatID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// GetOrCreateByTelegramChat returns the profile linked to chatID, creating one if none exists.
func (r *ProfileRepository) GetOrCreateByTelegramChat(ctx context.Context, chatID int64) (*models.Profile, error) {
	p := &models.Profile{}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO profiles (telegram_chat_id) VALUES ($1)
		 ON CONFLICT (telegram_chat_id) DO UPDATE SET telegram_chat_id = EXCLUDED.telegram_chat_id
		 RETURNING `+profileColumns,
		chatID,
	).Scan(&p.ID, &p.Timezone, &p.TelegramChatID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *ProfileRepository) UpdateTimezone(ctx context.Context, id, timezone string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE profiles SET timezone = $2, updated_at = now() WHERE id = $1`,
		id, timezone,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
