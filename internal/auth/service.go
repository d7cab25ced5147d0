package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/shiftstack-work/payments-backend/internal/models"
)

// ErrDuplicateEmail is returned when registering an operator email that
// already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers both unknown email and wrong password so the
// response does not leak which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Raw API keys carry this prefix so they are recognizable in service configs
// and in leaked-secret scanners.
const keyPrefix = "shfk_"

type Service interface {
	RegisterOperator(ctx context.Context, email, password, name string) (*models.Operator, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	MintAPIKey(ctx context.Context, serviceName string) (*models.APIKey, string, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
}

type service struct {
	repo   *Repository
	secret []byte
}

func NewService(repo *Repository, jwtSecret string) *service {
	return &service{repo: repo, secret: []byte(jwtSecret)}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
}

func (s *service) RegisterOperator(ctx context.Context, email, password, name string) (*models.Operator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	op := &models.Operator{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
	}
	if err := s.repo.CreateOperator(ctx, op); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return op, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(op.ID)
}

func (s *service) issueToken(operatorID uuid.UUID) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}

// MintAPIKey generates a key for a calling service and returns the record
// plus the raw key. The raw key is shown exactly once; only its SHA-256 hash
// is stored.
func (s *service) MintAPIKey(ctx context.Context, serviceName string) (*models.APIKey, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	raw := keyPrefix + hex.EncodeToString(buf)
	key := &models.APIKey{
		ID:          uuid.New(),
		ServiceName: serviceName,
		KeyHash:     HashKey(raw),
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

func (s *service) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	return s.repo.RevokeAPIKey(ctx, id)
}

func (s *service) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.repo.ListAPIKeys(ctx)
}

// HashKey hashes a raw API key for storage and lookup.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
