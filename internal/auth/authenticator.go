package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-fhir-extractor/models"
	"clinical-fhir-extractor/utils"
)

var (
	ErrUnauthenticated = errors.New("invalid authentication credentials")
	ErrAPIKeyExpired   = errors.New("api key expired")
	ErrInactiveUser    = errors.New("user account is inactive")
)

// Credential methods
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

type APIKeyLookup interface {
	FindByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

type AccessValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (*Claims, error)
}

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	Username string
	Role     string
	Method   string
	APIKeyID string
	TokenID  string
}

// Authenticator resolves a bearer credential, trying it as a JWT first and
// then as an API key.
type Authenticator struct {
	tokens AccessValidator
	users  UserLookup
	keys   APIKeyLookup
	now    func() time.Time
}

func NewAuthenticator(tokens AccessValidator, users UserLookup, keys APIKeyLookup) *Authenticator {
	return &Authenticator{tokens: tokens, users: users, keys: keys, now: time.Now}
}

// Authenticate returns ErrUnauthenticated or ErrAPIKeyExpired for bad
// credentials and ErrInactiveUser when the owner is disabled.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}

	claims, jwtErr := a.tokens.ValidateAccessToken(ctx, credential)
	if jwtErr == nil {
		user, err := a.activeUser(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		return &Principal{
			UserID:   claims.UserID,
			Username: user.Username,
			Role:     user.Role,
			Method:   MethodJWT,
			TokenID:  claims.ID,
		}, nil
	}
	if !errors.Is(jwtErr, ErrInvalidToken) && !errors.Is(jwtErr, ErrTokenRevoked) {
		return nil, fmt.Errorf("validate token: %w", jwtErr)
	}

	key, err := a.keys.FindByHash(ctx, utils.HashAPIKey(credential))
	if err != nil || key == nil || !key.IsActive {
		return nil, ErrUnauthenticated
	}
	now := a.now()
	if !key.Usable(now) {
		return nil, ErrAPIKeyExpired
	}
	user, err := a.activeUser(ctx, key.UserID.Hex())
	if err != nil {
		return nil, err
	}
	_ = a.keys.TouchLastUsed(ctx, key.ID.Hex(), now)

	return &Principal{
		UserID:   user.ID.Hex(),
		Username: user.Username,
		Role:     user.Role,
		Method:   MethodAPIKey,
		APIKeyID: key.ID.Hex(),
	}, nil
}

func (a *Authenticator) activeUser(ctx context.Context, id string) (*models.User, error) {
	user, err := a.users.GetByID(ctx, id)
	if err != nil || user == nil {
		return nil, ErrUnauthenticated
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return user, nil
}
