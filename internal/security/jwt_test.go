package security

import (
	"errors"
	"testing"
	"time"
)

func TestDeviceTokenRoundTrip(t *testing.T) {
	token, errGen := GenerateDeviceToken("s3cret", "dev-uuid", 7, time.Hour)
	if errGen != nil {
		t.Fatalf("generate: %v", errGen)
	}
	claims, errParse := ParseDeviceToken("s3cret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.DeviceUUID != "dev-uuid" || claims.OrganizationID != 7 || claims.Subject != "dev-uuid" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, errWrong := ParseDeviceToken("other", token); !errors.Is(errWrong, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", errWrong)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	admin, errGen := GenerateAdminToken("s3cret", "ops", time.Hour)
	if errGen != nil {
		t.Fatalf("generate admin: %v", errGen)
	}
	if _, errParse := ParseDeviceToken("s3cret", admin); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("admin token accepted as device token: %v", errParse)
	}
	device, _ := GenerateDeviceToken("s3cret", "dev-uuid", 1, 0)
	if _, errParse := ParseAdminToken("s3cret", device); !errors.Is(errParse, ErrInvalidToken) {
		t.Fatalf("device token accepted as admin token: %v", errParse)
	}
	claims, errParse := ParseAdminToken("s3cret", admin)
	if errParse != nil || claims.Username != "ops" {
		t.Fatalf("unexpected admin parse %+v %v", claims, errParse)
	}
}

func TestExpiredAndMissingSecret(t *testing.T) {
	token, _ := GenerateDeviceToken("s3cret", "dev-uuid", 1, -time.Minute)
	if _, errParse := ParseDeviceToken("s3cret", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
	if _, errGen := GenerateAdminToken(" ", "ops", time.Hour); !errors.Is(errGen, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", errGen)
	}
	secret, errSecret := GenerateSigningSecret()
	if errSecret != nil || len(secret) != 64 {
		t.Fatalf("unexpected secret %q %v", secret, errSecret)
	}
}
