package registration

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medledger/pkg/domain"
	"medledger/pkg/ledger"
	"medledger/services/gateway/internal/auth"
	"medledger/services/gateway/internal/reconcile"
	"medledger/services/gateway/internal/store"
)

// ErrIDGenerationExhausted means every generated id collided with an
// existing ledger record within the retry budget.
var ErrIDGenerationExhausted = errors.New("could not generate a unique entity id")

// PartialRegistrationError: the ledger record exists but the credential
// write failed. There is no unregister operation on the ledger, so the
// system does not roll back; the error is surfaced loudly for operator
// reconciliation instead.
type PartialRegistrationError struct {
	EntityID string
	Role     string
	Cause    error
}

func (e *PartialRegistrationError) Error() string {
	return fmt.Sprintf("entity %s (%s) registered on ledger but credential write failed: %v", e.EntityID, e.Role, e.Cause)
}

func (e *PartialRegistrationError) Unwrap() error { return e.Cause }

const maxIDAttempts = 5

type PatientProfile struct {
	Name                  string `json:"name"`
	DateOfBirth           string `json:"dateOfBirth"`
	Phone                 string `json:"phone"`
	AadharNumber          string `json:"aadharNumber"`
	FingerprintTemplateID *int   `json:"fingerprintTemplateID,omitempty"`
}

type DoctorProfile struct {
	Name           string `json:"name"`
	LicenseNumber  string `json:"licenseNumber"`
	Specialization string `json:"specialization"`
	HospitalName   string `json:"hospitalName"`
}

type Pool interface {
	Acquire(ctx context.Context, label string) (ledger.Contract, error)
}

type CredentialStore interface {
	CreatePatient(ctx context.Context, p store.Patient) error
	CreateDoctor(ctx context.Context, d store.Doctor) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev reconcile.Event) error
}

// Orchestrator registers an entity on the ledger first, then writes its
// credential record under the same id. The ledger submission and the
// credential write run sequentially; the latter is conditioned on the
// former's success.
type Orchestrator struct {
	pool       Pool
	creds      CredentialStore
	events     EventPublisher
	adminLabel string
	log        zerolog.Logger
	newSuffix  func() int
	now        func() time.Time
}

func NewOrchestrator(pool Pool, creds CredentialStore, events EventPublisher, adminLabel string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		pool:       pool,
		creds:      creds,
		events:     events,
		adminLabel: adminLabel,
		log:        log,
		newSuffix:  func() int { return 1000 + rand.Intn(9000) },
		now:        time.Now,
	}
}

var (
	dateOfBirthRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	aadharNumberRe = regexp.MustCompile(`^\d{12}$`)
)

func validatePassword(password string) error {
	if len(password) < 8 || len(password) > 100 {
		return domain.Invalid("password must be between 8 and 100 characters")
	}
	return nil
}

func (p PatientProfile) validate() error {
	switch {
	case len(strings.TrimSpace(p.Name)) < 2 || len(p.Name) > 100:
		return domain.Invalid("name must be between 2 and 100 characters")
	case !dateOfBirthRe.MatchString(p.DateOfBirth):
		return domain.Invalid("dateOfBirth must be YYYY-MM-DD")
	case len(p.Phone) < 10 || len(p.Phone) > 20:
		return domain.Invalid("phone must be between 10 and 20 characters")
	case !aadharNumberRe.MatchString(p.AadharNumber):
		return domain.Invalid("aadharNumber must be exactly 12 digits")
	}
	return nil
}

func (d DoctorProfile) validate() error {
	switch {
	case len(strings.TrimSpace(d.Name)) < 2 || len(d.Name) > 100:
		return domain.Invalid("name must be between 2 and 100 characters")
	case len(d.LicenseNumber) < 5 || len(d.LicenseNumber) > 50:
		return domain.Invalid("licenseNumber must be between 5 and 50 characters")
	case len(strings.TrimSpace(d.Specialization)) < 2 || len(d.Specialization) > 100:
		return domain.Invalid("specialization must be between 2 and 100 characters")
	case len(strings.TrimSpace(d.HospitalName)) < 2 || len(d.HospitalName) > 200:
		return domain.Invalid("hospitalName must be between 2 and 200 characters")
	}
	return nil
}

// RegisterPatient returns the assigned patient id.
func (o *Orchestrator) RegisterPatient(ctx context.Context, profile PatientProfile, password string) (string, error) {
	if err := profile.validate(); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}

	fingerprint := ""
	if profile.FingerprintTemplateID != nil {
		fingerprint = strconv.Itoa(*profile.FingerprintTemplateID)
	}
	patientID, err := o.submitWithFreshID(ctx, "P", func(contract ledger.Contract, id string) error {
		_, err := contract.Submit(ctx, "RegisterPatient",
			id, profile.Name, profile.DateOfBirth, profile.Phone, profile.AadharNumber, fingerprint)
		return err
	})
	if err != nil {
		return "", err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", o.partial(ctx, patientID, auth.RolePatient, err)
	}
	err = o.creds.CreatePatient(ctx, store.Patient{
		PatientID:             patientID,
		Name:                  profile.Name,
		DateOfBirth:           profile.DateOfBirth,
		Phone:                 profile.Phone,
		AadharNumber:          profile.AadharNumber,
		PasswordHash:          hash,
		FingerprintTemplateID: profile.FingerprintTemplateID,
	})
	if err != nil {
		return "", o.partial(ctx, patientID, auth.RolePatient, err)
	}

	o.log.Info().Str("patient", patientID).Msg("patient registered")
	return patientID, nil
}

// RegisterDoctor returns the assigned doctor id. Doctors start
// unverified; verification is a separate registry-identity submission.
func (o *Orchestrator) RegisterDoctor(ctx context.Context, profile DoctorProfile, password string) (string, error) {
	if err := profile.validate(); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}

	doctorID, err := o.submitWithFreshID(ctx, "D", func(contract ledger.Contract, id string) error {
		_, err := contract.Submit(ctx, "RegisterDoctor",
			id, profile.Name, profile.LicenseNumber, profile.Specialization, profile.HospitalName)
		return err
	})
	if err != nil {
		return "", err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", o.partial(ctx, doctorID, auth.RoleDoctor, err)
	}
	err = o.creds.CreateDoctor(ctx, store.Doctor{
		DoctorID:       doctorID,
		Name:           profile.Name,
		LicenseNumber:  profile.LicenseNumber,
		Specialization: profile.Specialization,
		HospitalName:   profile.HospitalName,
		PasswordHash:   hash,
	})
	if err != nil {
		return "", o.partial(ctx, doctorID, auth.RoleDoctor, err)
	}

	o.log.Info().Str("doctor", doctorID).Msg("doctor registered")
	return doctorID, nil
}

// submitWithFreshID treats the ledger as authoritative for uniqueness:
// an "already exists" rejection on a generated id means regenerate and
// resubmit under the new id, up to the attempt budget. Each attempt is
// a distinct submission, never a replay.
func (o *Orchestrator) submitWithFreshID(ctx context.Context, prefix string, submit func(contract ledger.Contract, id string) error) (string, error) {
	contract, err := o.pool.Acquire(ctx, o.adminLabel)
	if err != nil {
		return "", err
	}
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := fmt.Sprintf("%s%04d", prefix, o.newSuffix())
		err := submit(contract, id)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ledger.ErrAlreadyExists) {
			o.log.Debug().Str("id", id).Msg("generated id collided, regenerating")
			continue
		}
		return "", fmt.Errorf("register %s: %w", id, err)
	}
	return "", ErrIDGenerationExhausted
}

func (o *Orchestrator) partial(ctx context.Context, entityID, role string, cause error) error {
	perr := &PartialRegistrationError{EntityID: entityID, Role: role, Cause: cause}
	o.log.Error().
		Str("entity_id", entityID).
		Str("role", role).
		Err(cause).
		Msg("partial registration: ledger record exists without credentials, manual reconciliation required")
	if o.events != nil {
		err := o.events.Publish(ctx, reconcile.Event{
			EntityID:   entityID,
			Role:       role,
			Reason:     cause.Error(),
			OccurredAt: o.now(),
		})
		if err != nil {
			o.log.Error().Err(err).Str("entity_id", entityID).Msg("failed to publish reconcile event")
		}
	}
	return perr
}
