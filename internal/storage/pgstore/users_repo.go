package pgstore

import (
	"context"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) CreateUser(ctx context.Context, email, name string) (*models.User, error) {
	now := time.Now().UTC()
	var u models.User
	err := s.db.QueryRow(ctx, `
INSERT INTO users (email, name, created_at)
VALUES ($1,$2,$3)
ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name
RETURNING id, email, name
`, email, name, now).Scan(&u.ID, &u.Email, &u.Name)
	if err != nil {
		return nil, errors.Wrap(err, "insert user")
	}
	return &u, nil
}

func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx, `SELECT id, email, name FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.Name)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("user %s not found", email)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select user")
	}
	return &u, nil
}
