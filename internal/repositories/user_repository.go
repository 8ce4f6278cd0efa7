package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// UserRepository reads identities owned by the profile service.
type UserRepository interface {
	GetUsers(ctx context.Context, ids []int) (map[int]models.User, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUsers returns the known users among ids keyed by id. Unknown ids are absent from the map.
func (r *UserRepo) GetUsers(ctx context.Context, ids []int) (map[int]models.User, error) {
	result := make(map[int]models.User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(`SELECT id, display_name, avatar_url FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...); err != nil {
		return nil, wrap("get users", "", err)
	}
	for _, u := range users {
		result[u.ID] = u
	}
	return result, nil
}
