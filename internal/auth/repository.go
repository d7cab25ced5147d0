package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrNotFound is returned when no operator or key matches the lookup.
var ErrNotFound = errors.New("auth: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateOperator inserts a new operator row.
func (r *Repository) CreateOperator(ctx context.Context, op *models.Operator) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO operators (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, op.ID, op.Email, op.Name, op.PasswordHash)
	return row.Scan(&op.CreatedAt)
}

// GetOperatorByEmail returns the operator for login. ErrNotFound when the
// email is unknown.
func (r *Repository) GetOperatorByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, name, password_hash, created_at
		FROM operators WHERE email = $1
	`, email)
	if err := row.Scan(&op.ID, &op.Email, &op.Name, &op.PasswordHash, &op.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

// CreateAPIKey stores the hash of a freshly minted service key.
func (r *Repository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, service_name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, key.ID, key.ServiceName, key.KeyHash)
	return row.Scan(&key.CreatedAt)
}

// FindByKeyHash resolves an active (unrevoked) API key by its SHA-256 hash.
func (r *Repository) FindByKeyHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var k models.APIKey
	row := r.pool.QueryRow(ctx, `
		SELECT id, service_name, key_hash, revoked_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL
	`, keyHash)
	if err := row.Scan(&k.ID, &k.ServiceName, &k.KeyHash, &k.RevokedAt, &k.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

// RevokeAPIKey marks a key revoked. Revocation is permanent; mint a new key
// instead of un-revoking.
func (r *Repository) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAPIKeys returns all keys, revoked included, newest first.
func (r *Repository) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, service_name, key_hash, revoked_at, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ServiceName, &k.KeyHash, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
