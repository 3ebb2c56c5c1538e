package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("device token: signing secret required")
	ErrMissingIssuer        = errors.New("device token: issuer required")
	ErrMissingAudience      = errors.New("device token: audience required")
	ErrMissingDeviceClaims  = errors.New("device token: tenant, role and device id required")
	ErrMissingDeviceToken   = errors.New("device token: token required")
	ErrInvalidDeviceToken   = errors.New("device token: invalid token")
)

// DeviceIdentity is what an activated device token asserts.
type DeviceIdentity struct {
	TenantID string
	Role     string
	DeviceID string
}

// DeviceClaims is the JWT payload of a device token.
type DeviceClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// Identity returns the device identity carried by the claims.
func (c DeviceClaims) Identity() DeviceIdentity {
	return DeviceIdentity{TenantID: c.TenantID, Role: c.Role, DeviceID: c.DeviceID}
}

// DeviceTokenIssuerConfig configures device token minting.
type DeviceTokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	// TokenTTL bounds token lifetime; zero issues tokens without expiry.
	TokenTTL time.Duration
	Clock    func() time.Time
}

// DeviceTokenIssuer mints and validates HS256 device tokens.
type DeviceTokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewDeviceTokenIssuer validates cfg and constructs an issuer.
func NewDeviceTokenIssuer(cfg DeviceTokenIssuerConfig) (*DeviceTokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		ttl = 0
	}
	return &DeviceTokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueDeviceToken signs a token for identity.
func (i *DeviceTokenIssuer) IssueDeviceToken(_ context.Context, identity DeviceIdentity) (string, error) {
	if identity.TenantID == "" || identity.Role == "" || identity.DeviceID == "" {
		return "", ErrMissingDeviceClaims
	}
	now := i.clock().UTC()
	registered := jwt.RegisteredClaims{
		Subject:  identity.DeviceID,
		Issuer:   i.issuer,
		Audience: []string{i.audience},
		IssuedAt: jwt.NewNumericDate(now),
	}
	if i.ttl > 0 {
		registered.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, DeviceClaims{
		TenantID:         identity.TenantID,
		Role:             identity.Role,
		DeviceID:         identity.DeviceID,
		RegisteredClaims: registered,
	})
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", fmt.Errorf("device token: sign: %w", err)
	}
	return signed, nil
}

// ValidateDeviceToken parses tokenString and returns its claims.
func (i *DeviceTokenIssuer) ValidateDeviceToken(tokenString string) (DeviceClaims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return DeviceClaims{}, ErrMissingDeviceToken
	}
	claims := &DeviceClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceClaims{}, fmt.Errorf("%w: %v", ErrInvalidDeviceToken, err)
	}
	if claims.TenantID == "" || claims.Role == "" || claims.DeviceID == "" {
		return DeviceClaims{}, ErrMissingDeviceClaims
	}
	return *claims, nil
}
