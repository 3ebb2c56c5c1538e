package pairing

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCode     = errors.New("pairing: code must be six digits")
	ErrInvalidRole     = errors.New("pairing: role must be cashier or display")
	ErrMissingTenant   = errors.New("pairing: tenant id required")
	ErrCodeNotFound    = errors.New("pairing: code not found")
	ErrCodeTaken       = errors.New("pairing: code already in use")
	ErrCodeExpired     = errors.New("pairing: code expired")
	ErrAlreadyClaimed  = errors.New("pairing: code already claimed")
	ErrRoleMismatch    = errors.New("pairing: role does not match request")
	ErrTenantMismatch  = errors.New("pairing: tenant does not match request")
	ErrLicenseLimit    = errors.New("pairing: license limit reached")
	ErrTransient       = errors.New("pairing: directory unavailable")
	ErrCodeSpaceFull   = errors.New("pairing: could not allocate a free code")
	errMissingStore    = errors.New("pairing: store is required")
	errMissingTokens   = errors.New("pairing: token issuer is required")
	errMissingDeviceID = errors.New("pairing: device id provider returned empty id")
)

// ServiceError carries a machine readable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "pairing.service.new"
	opIssue      = "pairing.issue"
	opRegister   = "pairing.register"
	opClaim      = "pairing.claim"
	opStatus     = "pairing.status"
	opRegenerate = "pairing.regenerate"
)

const (
	reasonInvalidCode    = "invalid_code"
	reasonInvalidRole    = "invalid_role"
	reasonMissingTenant  = "missing_tenant"
	reasonNotFound       = "code_not_found"
	reasonExpired        = "code_expired"
	reasonAlreadyClaimed = "code_already_claimed"
	reasonRoleMismatch   = "role_mismatch"
	reasonTenantMismatch = "tenant_mismatch"
	reasonLicenseLimit   = "license_limit_reached"
	reasonUnavailable    = "activation_unavailable"
	reasonStoreFailed    = "store_failed"
	reasonTokenFailed    = "token_failed"
	reasonCodeSpaceFull  = "code_space_full"
	reasonCodeTaken      = "code_taken"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
