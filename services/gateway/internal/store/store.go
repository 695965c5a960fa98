package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("credential record not found")
	ErrDuplicate = errors.New("credential record already exists")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Patient is the off-chain credential mirror of an on-ledger patient.
// PatientID must equal the on-ledger id; the registration orchestrator
// guarantees that or fails the whole registration.
type Patient struct {
	PatientID             string     `json:"patientId"`
	Name                  string     `json:"name"`
	DateOfBirth           string     `json:"dateOfBirth"`
	Phone                 string     `json:"phone"`
	AadharNumber          string     `json:"aadharNumber"`
	PasswordHash          string     `json:"-"`
	FingerprintTemplateID *int       `json:"fingerprintTemplateId,omitempty"`
	IsActive              bool       `json:"isActive"`
	LastLogin             *time.Time `json:"lastLogin,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
}

type Doctor struct {
	DoctorID       string     `json:"doctorId"`
	Name           string     `json:"name"`
	LicenseNumber  string     `json:"licenseNumber"`
	Specialization string     `json:"specialization"`
	HospitalName   string     `json:"hospitalName"`
	PasswordHash   string     `json:"-"`
	IsVerified     bool       `json:"isVerified"`
	VerifiedAt     *time.Time `json:"verifiedAt,omitempty"`
	IsActive       bool       `json:"isActive"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// EnsureSchema creates the credential tables if absent. Schema migration
// tooling proper lives outside the gateway; this covers fresh deploys.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS patients (
  patient_id              VARCHAR(20) PRIMARY KEY,
  name                    VARCHAR(255) NOT NULL,
  date_of_birth           VARCHAR(10) NOT NULL,
  phone                   VARCHAR(20) NOT NULL,
  aadhar_number           VARCHAR(12) NOT NULL UNIQUE,
  password_hash           VARCHAR(255) NOT NULL,
  fingerprint_template_id INTEGER,
  is_active               BOOLEAN NOT NULL DEFAULT TRUE,
  last_login              TIMESTAMPTZ,
  created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS doctors (
  doctor_id      VARCHAR(20) PRIMARY KEY,
  name           VARCHAR(255) NOT NULL,
  license_number VARCHAR(50) NOT NULL UNIQUE,
  specialization VARCHAR(100) NOT NULL,
  hospital_name  VARCHAR(255) NOT NULL,
  password_hash  VARCHAR(255) NOT NULL,
  is_verified    BOOLEAN NOT NULL DEFAULT FALSE,
  verified_at    TIMESTAMPTZ,
  is_active      BOOLEAN NOT NULL DEFAULT TRUE,
  last_login     TIMESTAMPTZ,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	return err
}

func (s *Store) CreatePatient(ctx context.Context, p Patient) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO patients(patient_id,name,date_of_birth,phone,aadhar_number,password_hash,fingerprint_template_id)
VALUES($1,$2,$3,$4,$5,$6,$7)
`, p.PatientID, p.Name, p.DateOfBirth, p.Phone, p.AadharNumber, p.PasswordHash, p.FingerprintTemplateID)
	return mapWriteErr(err)
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (Patient, error) {
	var p Patient
	err := s.DB.QueryRow(ctx, `
SELECT patient_id,name,date_of_birth,phone,aadhar_number,password_hash,fingerprint_template_id,is_active,last_login,created_at
FROM patients WHERE patient_id=$1
`, patientID).Scan(&p.PatientID, &p.Name, &p.DateOfBirth, &p.Phone, &p.AadharNumber,
		&p.PasswordHash, &p.FingerprintTemplateID, &p.IsActive, &p.LastLogin, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Patient{}, fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	return p, err
}

func (s *Store) CreateDoctor(ctx context.Context, d Doctor) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO doctors(doctor_id,name,license_number,specialization,hospital_name,password_hash)
VALUES($1,$2,$3,$4,$5,$6)
`, d.DoctorID, d.Name, d.LicenseNumber, d.Specialization, d.HospitalName, d.PasswordHash)
	return mapWriteErr(err)
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (Doctor, error) {
	var d Doctor
	err := s.DB.QueryRow(ctx, `
SELECT doctor_id,name,license_number,specialization,hospital_name,password_hash,is_verified,verified_at,is_active,last_login,created_at
FROM doctors WHERE doctor_id=$1
`, doctorID).Scan(&d.DoctorID, &d.Name, &d.LicenseNumber, &d.Specialization, &d.HospitalName,
		&d.PasswordHash, &d.IsVerified, &d.VerifiedAt, &d.IsActive, &d.LastLogin, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Doctor{}, fmt.Errorf("%w: doctor %s", ErrNotFound, doctorID)
	}
	return d, err
}

func (s *Store) TouchPatientLogin(ctx context.Context, patientID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE patients SET last_login=now(),updated_at=now() WHERE patient_id=$1`, patientID)
	return err
}

func (s *Store) TouchDoctorLogin(ctx context.Context, doctorID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE doctors SET last_login=now(),updated_at=now() WHERE doctor_id=$1`, doctorID)
	return err
}

// MarkDoctorVerified mirrors the on-ledger verification flag after a
// successful VerifyDoctor submission.
func (s *Store) MarkDoctorVerified(ctx context.Context, doctorID string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE doctors SET is_verified=TRUE,verified_at=now(),updated_at=now() WHERE doctor_id=$1
`, doctorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: doctor %s", ErrNotFound, doctorID)
	}
	return nil
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
