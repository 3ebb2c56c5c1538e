package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testAdminSigningSecret = "secret"
	testAdminIssuer        = "drivethru-admin"
	testAdminCookieName    = "admin_session"
	testAdminSubject       = "operator-1"
)

func newTestAdminValidator(t *testing.T, clock func() time.Time) *AdminValidator {
	t.Helper()
	validator, err := NewAdminValidator(AdminValidatorConfig{
		SigningSecret: []byte(testAdminSigningSecret),
		Issuer:        testAdminIssuer,
		CookieName:    testAdminCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signAdminToken(t *testing.T, claims AdminClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAdminSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func adminClaimsAt(now time.Time, roles ...string) AdminClaims {
	return AdminClaims{
		TenantID: "tenant-a",
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testAdminIssuer,
			Subject:   testAdminSubject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestAdminValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestAdminValidator(t, func() time.Time { return clockNow })

	claims, err := validator.ValidateToken(signAdminToken(t, adminClaimsAt(clockNow, "Admin")))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.TenantID != "tenant-a" {
		t.Fatalf("unexpected tenant: %s", claims.TenantID)
	}
}

func TestAdminValidatorRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestAdminValidator(t, func() time.Time { return clockNow })

	signed := signAdminToken(t, adminClaimsAt(clockNow.Add(-3*time.Hour), AdminRole))
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredAdminToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestAdminValidatorRequiresAdminRole(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestAdminValidator(t, func() time.Time { return clockNow })

	signed := signAdminToken(t, adminClaimsAt(clockNow, "cashier"))
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrAdminRoleRequired) {
		t.Fatalf("expected role error, got %v", err)
	}
}

func TestAdminValidatorRejectsForeignIssuer(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestAdminValidator(t, func() time.Time { return clockNow })

	claims := adminClaimsAt(clockNow, AdminRole)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signAdminToken(t, claims)); !errors.Is(err, ErrInvalidAdminToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestAdminValidatorValidateRequest(t *testing.T) {
	validator := newTestAdminValidator(t, nil)
	signed := signAdminToken(t, adminClaimsAt(time.Now(), AdminRole))

	bearer := httptest.NewRequest(http.MethodGet, "/admin/devices", http.NoBody)
	bearer.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(bearer); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	cookie := httptest.NewRequest(http.MethodGet, "/admin/devices", http.NoBody)
	cookie.AddCookie(&http.Cookie{Name: testAdminCookieName, Value: signed})
	if _, err := validator.ValidateRequest(cookie); err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}

	basic := httptest.NewRequest(http.MethodGet, "/admin/devices", http.NoBody)
	basic.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if _, err := validator.ValidateRequest(basic); !errors.Is(err, ErrInvalidAdminToken) {
		t.Fatalf("expected invalid token for basic auth, got %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/admin/devices", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingAdminToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
