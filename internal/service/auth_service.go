package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// Common auth errors.
var (
	ErrInvalidToken = apperr.Unauthorized("auth.token", "invalid or expired token")
	ErrStaleToken   = apperr.Unauthorized("auth.token", "token has been revoked")
)

// TokenType distinguishes student vs admin tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeAdmin   TokenType = "admin"
)

// tokenVersionTTL bounds how long a cached token version may lag a revoke
// that failed to invalidate the cache.
const tokenVersionTTL = 10 * time.Minute

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType    TokenType `json:"token_type"`
	UserID       int       `json:"user_id"`
	TokenVersion int       `json:"token_version,omitempty"` // Student only
	Permissions  []string  `json:"permissions,omitempty"`   // Admin only
}

// AuthService verifies bearer tokens issued by the identity provider.
type AuthService struct {
	secret []byte
	rdb    *redis.Client
	store  repository.Store
	log    zerolog.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client, store repository.Store, log zerolog.Logger) *AuthService {
	return &AuthService{
		secret: []byte(cfg.JWTSecret),
		rdb:    rdb,
		store:  store,
		log:    log.With().Str("component", "auth_service").Logger(),
	}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateTokenVersion rejects a student token minted before the candidate's
// last revoke. The version is read through the Redis cache and falls back to
// PostgreSQL, repopulating the cache on a miss.
func (s *AuthService) ValidateTokenVersion(ctx context.Context, candidateID, version int) error {
	current, err := s.tokenVersion(ctx, candidateID)
	if err != nil {
		return err
	}
	if version != current {
		return ErrStaleToken
	}
	return nil
}

// Authenticate validates a student token end to end.
func (s *AuthService) Authenticate(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeStudent {
		return nil, ErrInvalidToken
	}
	if err := s.ValidateTokenVersion(ctx, claims.UserID, claims.TokenVersion); err != nil {
		return nil, err
	}
	return claims, nil
}

// BumpTokenVersion revokes every outstanding token of a candidate.
func (s *AuthService) BumpTokenVersion(ctx context.Context, candidateID int) (int, error) {
	v, err := s.store.Repos().Candidates.BumpTokenVersion(ctx, candidateID)
	if err != nil {
		return 0, err
	}
	key := config.CacheKey.CandidateTokenVersionKey(candidateID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Failed to invalidate token version cache")
	}
	s.log.Info().Int("candidate_id", candidateID).Int("token_version", v).Msg("Candidate tokens revoked")
	return v, nil
}

func (s *AuthService) tokenVersion(ctx context.Context, candidateID int) (int, error) {
	key := config.CacheKey.CandidateTokenVersionKey(candidateID)
	v, err := s.rdb.Get(ctx, key).Int()
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Token version cache read failed, falling back to database")
	}

	v, err = s.store.Repos().Candidates.TokenVersion(ctx, candidateID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return 0, ErrInvalidToken
		}
		return 0, err
	}
	if err := s.rdb.Set(ctx, key, v, tokenVersionTTL).Err(); err != nil {
		s.log.Warn().Err(err).Int("candidate_id", candidateID).Msg("Failed to cache token version")
	}
	return v, nil
}
