package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	issuer = "clinical-fhir-extractor"

	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	minSecretLength = 32
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked or expired")
)

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_exp"`
	RefreshExp   time.Time `json:"refresh_exp"`
}

type Claims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenService issues HS256 token pairs and tracks live JTIs in Redis so
// tokens can be revoked before they expire.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	rdb           redis.Cmdable
	now           func() time.Time
}

func NewTokenService(cfg TokenConfig, rdb redis.Cmdable) (*TokenService, error) {
	if len(cfg.AccessSecret) < minSecretLength || len(cfg.RefreshSecret) < minSecretLength {
		return nil, fmt.Errorf("ACCESS_SECRET and REFRESH_SECRET must be configured and at least %d characters", minSecretLength)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		rdb:           rdb,
		now:           time.Now,
	}, nil
}

func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

func (s *TokenService) IssueTokenPair(ctx context.Context, userID, username, role string) (*TokenPair, error) {
	now := s.now()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	accessString, err := s.sign(s.accessSecret, s.claims(userID, username, role, TokenTypeAccess, accessJTI, now, accessExp))
	if err != nil {
		return nil, err
	}
	refreshString, err := s.sign(s.refreshSecret, s.claims(userID, username, role, TokenTypeRefresh, refreshJTI, now, refreshExp))
	if err != nil {
		return nil, err
	}

	// Store JTIs in Redis for revocation capability
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jtiKey(TokenTypeAccess, accessJTI), userID, s.accessTTL)
	pipe.Set(ctx, jtiKey(TokenTypeRefresh, refreshJTI), userID, s.refreshTTL)
	pipe.SAdd(ctx, userTokensKey(userID), jtiKey(TokenTypeAccess, accessJTI), jtiKey(TokenTypeRefresh, refreshJTI))
	pipe.Expire(ctx, userTokensKey(userID), s.refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store token ids: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessString,
		RefreshToken: refreshString,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (s *TokenService) claims(userID, username, role, typ, jti string, now, exp time.Time) Claims {
	return Claims{
		UserID:    userID,
		Username:  username,
		Role:      role,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
}

func (s *TokenService) sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *TokenService) ValidateAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	return s.validate(ctx, tokenString, s.accessSecret, TokenTypeAccess)
}

func (s *TokenService) ValidateRefreshToken(ctx context.Context, tokenString string) (*Claims, error) {
	return s.validate(ctx, tokenString, s.refreshSecret, TokenTypeRefresh)
}

func (s *TokenService) validate(ctx context.Context, tokenString string, secret []byte, typ string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid || claims.TokenType != typ {
		return nil, ErrInvalidToken
	}

	// Check if token is revoked
	exists, err := s.rdb.Exists(ctx, jtiKey(typ, claims.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check token state: %w", err)
	}
	if exists != 1 {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Rotate validates a refresh token, revokes it and issues a new pair.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, *Claims, error) {
	claims, err := s.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	// Del reports how many keys it removed; a concurrent rotation loses.
	n, err := s.rdb.Del(ctx, jtiKey(TokenTypeRefresh, claims.ID)).Result()
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, ErrTokenRevoked
	}
	pair, err := s.IssueTokenPair(ctx, claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, nil, err
	}
	return pair, claims, nil
}

func (s *TokenService) RevokeToken(ctx context.Context, jti string, isRefresh bool) error {
	typ := TokenTypeAccess
	if isRefresh {
		typ = TokenTypeRefresh
	}
	return s.rdb.Del(ctx, jtiKey(typ, jti)).Err()
}

// RevokeAllUserTokens drops every live JTI issued to userID.
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID string) error {
	keys, err := s.rdb.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return err
	}
	keys = append(keys, userTokensKey(userID))
	return s.rdb.Del(ctx, keys...).Err()
}

func jtiKey(typ, jti string) string {
	return typ + ":" + jti
}

func userTokensKey(userID string) string {
	return "user_tokens:" + userID
}
