package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medledger/pkg/domain"
	"medledger/pkg/ledger"
)

func invalid(format string, args ...any) error {
	return domain.Invalid(format, args...)
}

const (
	minDurationHours = 1
	maxDurationHours = 720
	minPurposeLen    = 5
	maxPurposeLen    = 500
)

// Pool hands out per-identity contract handles.
type Pool interface {
	Acquire(ctx context.Context, label string) (ledger.Contract, error)
}

// Config names the identity labels operations are routed through. The
// ledger enforces verification policy organization-side, so VerifyDoctor
// must go out under the registry identity, never a caller-supplied one.
type Config struct {
	AdminLabel    string
	RegistryLabel string
}

type Service struct {
	pool Pool
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

func NewService(pool Pool, cfg Config, log zerolog.Logger) *Service {
	return &Service{pool: pool, cfg: cfg, log: log, now: time.Now}
}

// GrantAccess submits a time-bounded delegation and returns the
// ledger-assigned access key. The validity window starts at
// submission-acceptance time on the ledger, not at request time.
func (s *Service) GrantAccess(ctx context.Context, patientID, doctorID string, durationHours int, purpose string) (string, error) {
	purpose = strings.TrimSpace(purpose)
	switch {
	case strings.TrimSpace(patientID) == "":
		return "", invalid("patientID is required")
	case strings.TrimSpace(doctorID) == "":
		return "", invalid("doctorID is required")
	case durationHours < minDurationHours || durationHours > maxDurationHours:
		return "", invalid("durationHours must be between %d and %d", minDurationHours, maxDurationHours)
	case len(purpose) < minPurposeLen || len(purpose) > maxPurposeLen:
		return "", invalid("purpose must be between %d and %d characters", minPurposeLen, maxPurposeLen)
	}

	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return "", err
	}
	result, err := contract.Submit(ctx, "GrantAccess", patientID, doctorID, strconv.Itoa(durationHours), purpose)
	if err != nil {
		return "", fmt.Errorf("grant access: %w", err)
	}
	accessKey := strings.TrimSpace(string(result))
	s.log.Info().Str("patient", patientID).Str("doctor", doctorID).Str("accessKey", accessKey).Msg("access granted")
	return accessKey, nil
}

// RevokeAccess is not idempotent on the ledger: revoking an unknown or
// already-revoked key surfaces ErrNotFound. Never retried; a committed
// revoke whose response was lost must not be replayed.
func (s *Service) RevokeAccess(ctx context.Context, accessKey string) error {
	if strings.TrimSpace(accessKey) == "" {
		return invalid("accessKey is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return err
	}
	if _, err := contract.Submit(ctx, "RevokeAccess", accessKey); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	s.log.Info().Str("accessKey", accessKey).Msg("access revoked")
	return nil
}

// CheckValidity reads the grant and computes validity from its stored
// fields at call time; there is no materialized validity flag anywhere.
func (s *Service) CheckValidity(ctx context.Context, accessKey string) (domain.Validity, error) {
	if strings.TrimSpace(accessKey) == "" {
		return domain.Validity{}, invalid("accessKey is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return domain.Validity{}, err
	}
	result, err := contract.Evaluate(ctx, "CheckAccessValidity", accessKey)
	if err != nil {
		return domain.Validity{}, fmt.Errorf("check validity: %w", err)
	}
	var grant domain.AccessGrant
	if err := json.Unmarshal(result, &grant); err != nil {
		return domain.Validity{}, fmt.Errorf("decode grant %s: %w", accessKey, err)
	}
	return grant.ValidityAt(s.now()), nil
}

// ListActive returns the currently valid grants for a patient. Active is
// a computed filter, applied here at query time.
func (s *Service) ListActive(ctx context.Context, patientID string) ([]domain.AccessGrant, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, invalid("patientID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return nil, err
	}
	result, err := contract.Evaluate(ctx, "GetActiveAccessesForPatient", patientID)
	if err != nil {
		return nil, fmt.Errorf("list active accesses: %w", err)
	}
	var grants []domain.AccessGrant
	if err := json.Unmarshal(result, &grants); err != nil {
		return nil, fmt.Errorf("decode accesses for %s: %w", patientID, err)
	}
	now := s.now()
	active := make([]domain.AccessGrant, 0, len(grants))
	for _, g := range grants {
		if g.ValidityAt(now).Valid {
			active = append(active, g)
		}
	}
	return active, nil
}

// AuditTrail returns the append-only event sequence for a subject.
// Revoked and expired grants stay visible here forever.
func (s *Service) AuditTrail(ctx context.Context, subjectID string) ([]domain.AuditEvent, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, invalid("subjectID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return nil, err
	}
	result, err := contract.Evaluate(ctx, "GetAuditTrail", subjectID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	var events []domain.AuditEvent
	if err := json.Unmarshal(result, &events); err != nil {
		return nil, fmt.Errorf("decode audit trail for %s: %w", subjectID, err)
	}
	return events, nil
}

// DoctorAccessHistory returns every grant ever issued to a doctor,
// including revoked and expired ones.
func (s *Service) DoctorAccessHistory(ctx context.Context, doctorID string) ([]domain.AccessGrant, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, invalid("doctorID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return nil, err
	}
	result, err := contract.Evaluate(ctx, "GetDoctorAccessHistory", doctorID)
	if err != nil {
		return nil, fmt.Errorf("doctor access history: %w", err)
	}
	var grants []domain.AccessGrant
	if err := json.Unmarshal(result, &grants); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", doctorID, err)
	}
	return grants, nil
}

func (s *Service) GetPatient(ctx context.Context, patientID string) (domain.LedgerPatient, error) {
	if strings.TrimSpace(patientID) == "" {
		return domain.LedgerPatient{}, invalid("patientID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return domain.LedgerPatient{}, err
	}
	result, err := contract.Evaluate(ctx, "GetPatient", patientID)
	if err != nil {
		return domain.LedgerPatient{}, fmt.Errorf("get patient: %w", err)
	}
	var p domain.LedgerPatient
	if err := json.Unmarshal(result, &p); err != nil {
		return domain.LedgerPatient{}, fmt.Errorf("decode patient %s: %w", patientID, err)
	}
	return p, nil
}

func (s *Service) GetDoctor(ctx context.Context, doctorID string) (domain.LedgerDoctor, error) {
	if strings.TrimSpace(doctorID) == "" {
		return domain.LedgerDoctor{}, invalid("doctorID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.AdminLabel)
	if err != nil {
		return domain.LedgerDoctor{}, err
	}
	result, err := contract.Evaluate(ctx, "GetDoctor", doctorID)
	if err != nil {
		return domain.LedgerDoctor{}, fmt.Errorf("get doctor: %w", err)
	}
	var d domain.LedgerDoctor
	if err := json.Unmarshal(result, &d); err != nil {
		return domain.LedgerDoctor{}, fmt.Errorf("decode doctor %s: %w", doctorID, err)
	}
	return d, nil
}

// VerifyDoctor routes through the registry identity regardless of who
// asked; selecting any other identity is a caller error the ledger
// would reject anyway.
func (s *Service) VerifyDoctor(ctx context.Context, doctorID string) error {
	if strings.TrimSpace(doctorID) == "" {
		return invalid("doctorID is required")
	}
	contract, err := s.pool.Acquire(ctx, s.cfg.RegistryLabel)
	if err != nil {
		return err
	}
	if _, err := contract.Submit(ctx, "VerifyDoctor", doctorID); err != nil {
		return fmt.Errorf("verify doctor: %w", err)
	}
	s.log.Info().Str("doctor", doctorID).Msg("doctor verified")
	return nil
}
