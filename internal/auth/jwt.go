package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"campus-chat/internal/config"
)

const issuer = "campus-chat"

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrRevokedToken = errors.New("auth: token revoked")
)

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
// UserID is the identity-provider user id the chat core routes by.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken 为指定用户生成一个新的 JWT。
func GenerateToken(userID, username string, authCfg config.AuthConfig) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate jwt id: %w", err)
	}

	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(authCfg.JWTExpiry)),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串的有效性。
// blacklist may be nil, in which case revocation is not checked.
func ValidateToken(ctx context.Context, tokenString string, jwtKey string, blacklist TokenBlacklist) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	if blacklist != nil {
		if claims.ID == "" {
			return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
		}
		revoked, err := blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			// fail closed
			return nil, fmt.Errorf("check token blacklist: %w", err)
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}
	return claims, nil
}

// Authenticator validates tokens with a fixed secret and optional blacklist.
type Authenticator struct {
	cfg       config.AuthConfig
	blacklist TokenBlacklist
}

// NewAuthenticator creates an Authenticator. blacklist may be nil.
func NewAuthenticator(cfg config.AuthConfig, blacklist TokenBlacklist) *Authenticator {
	return &Authenticator{cfg: cfg, blacklist: blacklist}
}

// Authenticate validates tokenString.
func (a *Authenticator) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	return ValidateToken(ctx, tokenString, a.cfg.JWTSecretKey, a.blacklist)
}

// AllowAnonymous reports whether unauthenticated development connections
// are accepted.
func (a *Authenticator) AllowAnonymous() bool { return a.cfg.AllowAnonymous }

// Revoke blacklists the token behind claims until it would have expired.
func (a *Authenticator) Revoke(ctx context.Context, claims *Claims) error {
	if a.blacklist == nil {
		return errors.New("auth: token revocation is not configured")
	}
	if claims.ExpiresAt == nil {
		return fmt.Errorf("%w: no expiry", ErrInvalidToken)
	}
	return a.blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time)
}
