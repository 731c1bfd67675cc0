package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingSecret indicates tokens were requested without a signing secret.
	ErrMissingSecret = errors.New("jwt secret is not configured")
)

const (
	audienceDevice = "telemetryhub-device"
	audienceAdmin  = "telemetryhub-admin"
)

// DeviceClaims defines JWT claims carried by devices posting telemetry over HTTP.
type DeviceClaims struct {
	DeviceUUID     string `json:"device_uuid"`
	OrganizationID uint64 `json:"organization_id"`
	jwt.RegisteredClaims
}

// AdminClaims defines JWT claims for operators using the admin endpoints.
type AdminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func registered(audience, subject string, expiry time.Duration) jwt.RegisteredClaims {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Audience: jwt.ClaimStrings{audience},
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiry != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}
	return claims
}

// GenerateDeviceToken signs a device JWT. A zero expiry issues a token without an expiry claim.
func GenerateDeviceToken(secret, deviceUUID string, organizationID uint64, expiry time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	claims := DeviceClaims{
		DeviceUUID:       deviceUUID,
		OrganizationID:   organizationID,
		RegisteredClaims: registered(audienceDevice, deviceUUID, expiry),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseDeviceToken validates a device JWT and returns its claims.
func ParseDeviceToken(secret, tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if errParse := parse(secret, tokenString, audienceDevice, claims); errParse != nil {
		return nil, errParse
	}
	if strings.TrimSpace(claims.DeviceUUID) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateAdminToken signs an admin JWT with the configured expiry.
func GenerateAdminToken(secret, username string, expiry time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrMissingSecret
	}
	claims := AdminClaims{
		Username:         username,
		RegisteredClaims: registered(audienceAdmin, username, expiry),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseAdminToken validates an admin JWT and returns its claims.
func ParseAdminToken(secret, tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	if errParse := parse(secret, tokenString, audienceAdmin, claims); errParse != nil {
		return nil, errParse
	}
	return claims, nil
}

func parse(secret, tokenString, audience string, claims jwt.Claims) error {
	if strings.TrimSpace(secret) == "" {
		return ErrMissingSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithAudience(audience))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
