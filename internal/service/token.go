package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
	// ErrRevocationCheck: blacklist недоступен, сам токен при этом может быть валиден.
	ErrRevocationCheck = errors.New("token revocation check failed")
)

// Revocations — blacklist отозванных токенов (storage.Store).
//
// Ключ записи — jti токена, а для токенов без jti — hex(sha256(токен)); TTL — остаток
// срока жизни токена. Внешний сервис авторизации, отзывающий токены сам, обязан писать
// в тот же Store по той же схеме (см. storage/redis: revoked:<id>). Внутри сервиса
// отзыв выполняет POST /api/auth/logout через Revoke.
type Revocations interface {
	RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Claims — полезная нагрузка токена: user_id и exp, как выдаёт сервис авторизации.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenService проверяет HS256-токены доступа и ведёт их отзыв.
type TokenService struct {
	secret  []byte
	revoked Revocations
	now     func() time.Time
}

func NewTokenService(secret string, revoked Revocations) *TokenService {
	return &TokenService{secret: []byte(secret), revoked: revoked, now: time.Now}
}

// Issue выпускает токен для userID (флаг -issue-token и тесты; в production токены выдаёт auth).
func (s *TokenService) Issue(userID int64, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token.Issue: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// tokenID — jti, а для токенов без jti — sha256 самого токена.
func tokenID(raw string, c *Claims) string {
	if c.ID != "" {
		return c.ID
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Verify возвращает user_id из валидного, не истёкшего и не отозванного токена.
func (s *TokenService) Verify(ctx context.Context, raw string) (int64, error) {
	if raw == "" {
		return 0, ErrInvalidToken
	}
	claims, err := s.parse(raw)
	if err != nil {
		return 0, err
	}
	if s.revoked != nil {
		revoked, err := s.revoked.IsTokenRevoked(ctx, tokenID(raw, claims))
		if err != nil {
			return 0, fmt.Errorf("token.Verify: %w: %w", ErrRevocationCheck, err)
		}
		if revoked {
			return 0, ErrTokenRevoked
		}
	}
	return claims.UserID, nil
}

// Revoke добавляет токен в blacklist до момента его истечения.
func (s *TokenService) Revoke(ctx context.Context, raw string) error {
	claims, err := s.parse(raw)
	if err != nil {
		return err
	}
	if s.revoked == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	return s.revoked.RevokeToken(ctx, tokenID(raw, claims), ttl)
}
