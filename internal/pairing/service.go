package pairing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/auth"
)

const (
	DefaultCodeTTL     = 10 * time.Minute
	DefaultRegisterTTL = 24 * time.Hour
)

// Activation roles.
const (
	RoleCashier = "cashier"
	RoleDisplay = "display"
)

// DeviceRegistration is handed to the Directory when a code is claimed.
type DeviceRegistration struct {
	TenantID    string
	DeviceID    string
	Role        string
	Name        string
	Branch      string
	ActivatedAt time.Time
}

// Directory is the backing store consulted while validating a claim. It
// returns ErrLicenseLimit when the tenant cannot take another device; any
// other error is treated as transient.
type Directory interface {
	ReserveDevice(ctx context.Context, registration DeviceRegistration) error
	// ReleaseDevice removes a reservation whose claim could not complete.
	ReleaseDevice(ctx context.Context, tenantID, deviceID string) error
}

// TokenIssuer mints device tokens.
type TokenIssuer interface {
	IssueDeviceToken(ctx context.Context, identity auth.DeviceIdentity) (string, error)
}

// ServiceConfig configures the activation service.
type ServiceConfig struct {
	Store       Store
	Directory   Directory
	Tokens      TokenIssuer
	CodeTTL     time.Duration
	RegisterTTL time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	// CodeSource overrides RandomCode.
	CodeSource func() (string, error)
	// DeviceIDs overrides uuid.NewString.
	DeviceIDs func() string
}

// Service runs the activation state machine: pending -> claimed and
// pending -> expired. Claimed and expired records are never mutated.
type Service struct {
	store       Store
	directory   Directory
	tokens      TokenIssuer
	codeTTL     time.Duration
	registerTTL time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	codeSource  func() (string, error)
	deviceIDs   func() string
	claims      *codeLocks
}

// IssueRequest asks for a fresh operator facing code.
type IssueRequest struct {
	Role       string
	Name       string
	Branch     string
	TenantHint string
}

// RegisterRequest carries a device chosen code, optionally with its tenant.
type RegisterRequest struct {
	Code     string
	Role     string
	Name     string
	Branch   string
	TenantID string
}

// ClaimRequest binds a pending code to a tenant.
type ClaimRequest struct {
	Code     string
	TenantID string
	Role     string
	Name     string
	Branch   string
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	registerTTL := cfg.RegisterTTL
	if registerTTL <= 0 {
		registerTTL = DefaultRegisterTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	codeSource := cfg.CodeSource
	if codeSource == nil {
		codeSource = RandomCode
	}
	deviceIDs := cfg.DeviceIDs
	if deviceIDs == nil {
		deviceIDs = uuid.NewString
	}
	return &Service{
		store:       cfg.Store,
		directory:   cfg.Directory,
		tokens:      cfg.Tokens,
		codeTTL:     codeTTL,
		registerTTL: registerTTL,
		clock:       clock,
		logger:      logger,
		codeSource:  codeSource,
		deviceIDs:   deviceIDs,
		claims:      newCodeLocks(),
	}, nil
}

// IssueCode stores a pending record under a freshly drawn code.
func (s *Service) IssueCode(ctx context.Context, request IssueRequest) (Record, error) {
	role, err := normalizeRole(request.Role)
	if err != nil {
		return Record{}, newServiceError(opIssue, reasonInvalidRole, err)
	}
	now := s.clock().UTC()
	for attempt := 0; attempt < issueRetries; attempt++ {
		code, codeErr := s.codeSource()
		if codeErr != nil {
			return Record{}, newServiceError(opIssue, reasonStoreFailed, codeErr)
		}
		record := Record{
			Code:       code,
			Role:       role,
			Name:       strings.TrimSpace(request.Name),
			Branch:     strings.TrimSpace(request.Branch),
			TenantHint: strings.TrimSpace(request.TenantHint),
			Status:     StatusPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.codeTTL),
		}
		insertErr := s.store.Insert(ctx, record)
		if insertErr == nil {
			s.logger.Info("activation code issued", zap.String("code", code), zap.String("role", role))
			return record, nil
		}
		if !errors.Is(insertErr, ErrCodeTaken) {
			return Record{}, newServiceError(opIssue, reasonStoreFailed, insertErr)
		}
	}
	return Record{}, newServiceError(opIssue, reasonCodeSpaceFull, ErrCodeSpaceFull)
}

// Register stores a device chosen code. With a tenant the code is claimed
// immediately; without one it stays pending for the register TTL.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (Record, error) {
	code := strings.TrimSpace(request.Code)
	if !ValidCode(code) {
		return Record{}, newServiceError(opRegister, reasonInvalidCode, ErrInvalidCode)
	}
	role, err := normalizeRole(request.Role)
	if err != nil {
		return Record{}, newServiceError(opRegister, reasonInvalidRole, err)
	}
	tenantID := strings.TrimSpace(request.TenantID)

	unlock := s.claims.lock(code)
	existing, found, err := s.store.Get(ctx, code)
	if err != nil {
		unlock()
		return Record{}, newServiceError(opRegister, reasonStoreFailed, err)
	}
	now := s.clock().UTC()
	if found {
		if existing.lapsed(now) {
			s.expire(ctx, code)
			existing.Status = StatusExpired
		}
		switch {
		case existing.Status == StatusClaimed:
			unlock()
			if tenantID != "" && existing.TenantID == tenantID && existing.Role == role {
				return existing, nil
			}
			return Record{}, newServiceError(opRegister, reasonAlreadyClaimed, ErrAlreadyClaimed)
		case existing.Status == StatusExpired:
			unlock()
			return Record{}, newServiceError(opRegister, reasonExpired, ErrCodeExpired)
		case !existing.DeviceChosen:
			unlock()
			return Record{}, newServiceError(opRegister, reasonCodeTaken, ErrCodeTaken)
		case existing.Role != role:
			unlock()
			return Record{}, newServiceError(opRegister, reasonRoleMismatch, ErrRoleMismatch)
		}
	}

	record := Record{
		Code:         code,
		Role:         role,
		Name:         strings.TrimSpace(request.Name),
		Branch:       strings.TrimSpace(request.Branch),
		DeviceChosen: true,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.registerTTL),
	}
	if found {
		// A device re-registering its own pending code refreshes it in place.
		record, err = s.store.Update(ctx, code, func(current *Record) error {
			if current.Status != StatusPending {
				return ErrAlreadyClaimed
			}
			current.Name = firstNonBlank(record.Name, current.Name)
			current.Branch = firstNonBlank(record.Branch, current.Branch)
			current.ExpiresAt = record.ExpiresAt
			return nil
		})
	} else {
		err = s.store.Insert(ctx, record)
	}
	if err != nil {
		unlock()
		if errors.Is(err, ErrAlreadyClaimed) {
			return Record{}, newServiceError(opRegister, reasonAlreadyClaimed, err)
		}
		return Record{}, newServiceError(opRegister, reasonStoreFailed, err)
	}
	unlock()
	s.logger.Debug("device code registered", zap.String("code", code), zap.String("role", role))

	if tenantID == "" {
		return record, nil
	}
	return s.Claim(ctx, ClaimRequest{
		Code:     code,
		TenantID: tenantID,
		Role:     role,
		Name:     record.Name,
		Branch:   record.Branch,
	})
}

// Claim binds a pending code to request.TenantID and mints a device token.
// Concurrent claims of one code are serialized; a claim that finds the code
// already claimed by the same tenant and role receives the existing token.
func (s *Service) Claim(ctx context.Context, request ClaimRequest) (Record, error) {
	code := strings.TrimSpace(request.Code)
	if !ValidCode(code) {
		return Record{}, newServiceError(opClaim, reasonInvalidCode, ErrInvalidCode)
	}
	tenantID := strings.TrimSpace(request.TenantID)
	if tenantID == "" {
		return Record{}, newServiceError(opClaim, reasonMissingTenant, ErrMissingTenant)
	}
	role, err := normalizeRole(request.Role)
	if err != nil {
		return Record{}, newServiceError(opClaim, reasonInvalidRole, err)
	}

	unlock := s.claims.lock(code)
	defer unlock()

	record, found, err := s.store.Get(ctx, code)
	if err != nil {
		return Record{}, newServiceError(opClaim, reasonStoreFailed, err)
	}
	if !found {
		return Record{}, newServiceError(opClaim, reasonNotFound, ErrCodeNotFound)
	}
	now := s.clock().UTC()
	if record.lapsed(now) {
		s.expire(ctx, code)
		return Record{}, newServiceError(opClaim, reasonExpired, ErrCodeExpired)
	}
	switch record.Status {
	case StatusExpired:
		return Record{}, newServiceError(opClaim, reasonExpired, ErrCodeExpired)
	case StatusClaimed:
		if record.TenantID == tenantID && record.Role == role {
			return record, nil
		}
		return Record{}, newServiceError(opClaim, reasonAlreadyClaimed, ErrAlreadyClaimed)
	}
	if record.Role != role {
		return Record{}, newServiceError(opClaim, reasonRoleMismatch, ErrRoleMismatch)
	}
	if record.TenantHint != "" && record.TenantHint != tenantID {
		return Record{}, newServiceError(opClaim, reasonTenantMismatch, ErrTenantMismatch)
	}

	name := firstNonBlank(request.Name, record.Name)
	branch := firstNonBlank(request.Branch, record.Branch)
	deviceID := s.deviceIDs()
	if deviceID == "" {
		return Record{}, newServiceError(opClaim, reasonStoreFailed, errMissingDeviceID)
	}

	token, err := s.tokens.IssueDeviceToken(ctx, auth.DeviceIdentity{TenantID: tenantID, Role: role, DeviceID: deviceID})
	if err != nil {
		return Record{}, newServiceError(opClaim, reasonTokenFailed, err)
	}

	if s.directory != nil {
		reserveErr := s.directory.ReserveDevice(ctx, DeviceRegistration{
			TenantID:    tenantID,
			DeviceID:    deviceID,
			Role:        role,
			Name:        name,
			Branch:      branch,
			ActivatedAt: now,
		})
		if errors.Is(reserveErr, ErrLicenseLimit) {
			s.logger.Info("activation refused by license", zap.String("tenant_id", tenantID), zap.String("code", code))
			return Record{}, newServiceError(opClaim, reasonLicenseLimit, reserveErr)
		}
		if reserveErr != nil {
			s.logger.Warn("device directory unavailable",
				zap.String("tenant_id", tenantID),
				zap.String("code", code),
				zap.Error(reserveErr))
			return Record{}, newServiceError(opClaim, reasonUnavailable, errors.Join(ErrTransient, reserveErr))
		}
	}

	claimed, err := s.store.Update(ctx, code, func(current *Record) error {
		if current.Status != StatusPending {
			return ErrAlreadyClaimed
		}
		current.Status = StatusClaimed
		current.TenantID = tenantID
		current.DeviceID = deviceID
		current.DeviceToken = token
		current.Name = name
		current.Branch = branch
		current.ClaimedAt = now
		return nil
	})
	if err != nil {
		s.release(ctx, tenantID, deviceID)
		return Record{}, newServiceError(opClaim, reasonStoreFailed, err)
	}
	s.logger.Info("activation code claimed",
		zap.String("code", code),
		zap.String("tenant_id", tenantID),
		zap.String("role", role),
		zap.String("device_id", deviceID))
	return claimed, nil
}

// Status reports the record for code. Unknown codes report expired and a
// lapsed pending record is moved to expired.
func (s *Service) Status(ctx context.Context, code string) (Record, error) {
	code = strings.TrimSpace(code)
	if !ValidCode(code) {
		return Record{}, newServiceError(opStatus, reasonInvalidCode, ErrInvalidCode)
	}
	record, found, err := s.store.Get(ctx, code)
	if err != nil {
		return Record{}, newServiceError(opStatus, reasonStoreFailed, errors.Join(ErrTransient, err))
	}
	if !found {
		return Record{Code: code, Status: StatusExpired}, nil
	}
	if record.lapsed(s.clock().UTC()) {
		record.Status = StatusExpired
		s.expire(ctx, code)
	}
	return record, nil
}

// Regenerate replaces a pending or expired record with a fresh one under a new code.
func (s *Service) Regenerate(ctx context.Context, code string) (Record, error) {
	code = strings.TrimSpace(code)
	if !ValidCode(code) {
		return Record{}, newServiceError(opRegenerate, reasonInvalidCode, ErrInvalidCode)
	}
	unlock := s.claims.lock(code)
	defer unlock()

	record, found, err := s.store.Get(ctx, code)
	if err != nil {
		return Record{}, newServiceError(opRegenerate, reasonStoreFailed, err)
	}
	if !found {
		return Record{}, newServiceError(opRegenerate, reasonNotFound, ErrCodeNotFound)
	}
	if record.Status == StatusClaimed {
		return Record{}, newServiceError(opRegenerate, reasonAlreadyClaimed, ErrAlreadyClaimed)
	}
	replacement, err := s.IssueCode(ctx, IssueRequest{
		Role:       record.Role,
		Name:       record.Name,
		Branch:     record.Branch,
		TenantHint: record.TenantHint,
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.store.Delete(ctx, code); err != nil {
		return Record{}, newServiceError(opRegenerate, reasonStoreFailed, err)
	}
	return replacement, nil
}

func (s *Service) expire(ctx context.Context, code string) {
	_, err := s.store.Update(ctx, code, func(current *Record) error {
		if current.Status == StatusPending {
			current.Status = StatusExpired
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to mark code expired", zap.String("code", code), zap.Error(err))
	}
}

func (s *Service) release(ctx context.Context, tenantID, deviceID string) {
	if s.directory == nil {
		return
	}
	if err := s.directory.ReleaseDevice(ctx, tenantID, deviceID); err != nil {
		s.logger.Error("failed to release device reservation",
			zap.String("tenant_id", tenantID),
			zap.String("device_id", deviceID),
			zap.Error(err))
	}
}

func normalizeRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleCashier:
		return RoleCashier, nil
	case RoleDisplay:
		return RoleDisplay, nil
	default:
		return "", ErrInvalidRole
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
