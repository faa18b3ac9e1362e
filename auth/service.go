package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken signals a token that failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrChannelMismatch signals a valid token presented for another channel.
	ErrChannelMismatch = errors.New("auth: token not valid for channel")
)

// ChannelClaims identify the merchant channel a token may subscribe to.
type ChannelClaims struct {
	MerchantID string
	Channel    string
	ExpiresAt  time.Time
}

// TokenService issues and verifies channel subscription tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service signing with HS256.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Issue creates a token for merchantID scoped to channel.
func (s *TokenService) Issue(merchantID, channel string) (string, error) {
	if merchantID == "" || channel == "" {
		return "", fmt.Errorf("auth: merchant id and channel are required")
	}
	if len(s.secret) == 0 {
		return "", fmt.Errorf("auth: empty signing secret")
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":     merchantID,
		"channel": channel,
		"jti":     uuid.NewString(),
		"iat":     now.Unix(),
		"exp":     now.Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify validates tokenString and checks that it grants channel.
func (s *TokenService) Verify(tokenString, channel string) (ChannelClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return ChannelClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ChannelClaims{}, ErrInvalidToken
	}

	merchantID, ok := claims["sub"].(string)
	if !ok || merchantID == "" {
		return ChannelClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	granted, ok := claims["channel"].(string)
	if !ok {
		return ChannelClaims{}, fmt.Errorf("%w: missing channel", ErrInvalidToken)
	}
	if granted != channel {
		return ChannelClaims{}, ErrChannelMismatch
	}

	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}

	return ChannelClaims{
		MerchantID: merchantID,
		Channel:    granted,
		ExpiresAt:  expires,
	}, nil
}
